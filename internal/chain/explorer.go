package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txshield/firewall-engine/internal/faults"
)

// ExplorerClient talks to an etherscan-compatible API for verified source
// metadata, contract creation info, and account history.
type ExplorerClient struct {
	chainID int64
	base    string
	apiKey  string
	http    *http.Client
}

func NewExplorerClient(chainID int64, base, apiKey string) *ExplorerClient {
	return &ExplorerClient{
		chainID: chainID,
		base:    base,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type explorerEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (c *ExplorerClient) get(ctx context.Context, params url.Values, out any) error {
	params.Set("apikey", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"?"+params.Encode(), nil)
	if err != nil {
		return faults.New(faults.KindInternal, "explorer", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return faults.New(faults.KindTimeout, "explorer", err)
		}
		return faults.New(faults.KindUnavailable, "explorer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return faults.Newf(faults.KindRateLimited, "explorer", "http 429")
	}
	if resp.StatusCode != http.StatusOK {
		return faults.Newf(faults.KindUnavailable, "explorer", "http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return faults.New(faults.KindUnavailable, "explorer", err)
	}
	var env explorerEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return faults.New(faults.KindMalformed, "explorer", err)
	}
	if env.Status == "0" && env.Message == "NOTOK" {
		return faults.Newf(faults.KindRateLimited, "explorer", "%s", string(env.Result))
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return faults.New(faults.KindMalformed, "explorer", err)
	}
	return nil
}

type sourceCodeRow struct {
	SourceCode   string `json:"SourceCode"`
	ContractName string `json:"ContractName"`
	ABI          string `json:"ABI"`
}

// VerificationInfo fetches verified-source metadata plus the creator and age.
func (c *ExplorerClient) VerificationInfo(ctx context.Context, addr common.Address) (VerificationInfo, error) {
	var rows []sourceCodeRow
	params := url.Values{
		"module":  {"contract"},
		"action":  {"getsourcecode"},
		"address": {addr.Hex()},
	}
	if err := c.get(ctx, params, &rows); err != nil {
		return VerificationInfo{}, err
	}

	info := VerificationInfo{}
	if len(rows) > 0 && rows[0].SourceCode != "" && rows[0].ABI != "Contract source code not verified" {
		info.Verified = true
		info.SourceCode = rows[0].SourceCode
		sum := sha256.Sum256([]byte(rows[0].SourceCode))
		info.SourceHash = hex.EncodeToString(sum[:])
	}

	if creator, created, err := c.ContractCreation(ctx, addr); err == nil {
		info.Creator = &creator
		if !created.IsZero() {
			info.AgeSeconds = int64(time.Since(created).Seconds())
		}
	}
	return info, nil
}

type creationRow struct {
	ContractCreator string `json:"contractCreator"`
	TxHash          string `json:"txHash"`
	Timestamp       string `json:"timestamp"`
}

// ContractCreation resolves the deployer address and creation time.
func (c *ExplorerClient) ContractCreation(ctx context.Context, addr common.Address) (common.Address, time.Time, error) {
	var rows []creationRow
	params := url.Values{
		"module":          {"contract"},
		"action":          {"getcontractcreation"},
		"contractaddresses": {addr.Hex()},
	}
	if err := c.get(ctx, params, &rows); err != nil {
		return common.Address{}, time.Time{}, err
	}
	if len(rows) == 0 || !common.IsHexAddress(rows[0].ContractCreator) {
		return common.Address{}, time.Time{}, faults.Newf(faults.KindNotFound, "explorer", "no creation record for %s", addr.Hex())
	}

	var created time.Time
	if ts, err := strconv.ParseInt(rows[0].Timestamp, 10, 64); err == nil && ts > 0 {
		created = time.Unix(ts, 0)
	}
	return common.HexToAddress(rows[0].ContractCreator), created, nil
}

type txListRow struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Value     string `json:"value"`
	TimeStamp string `json:"timeStamp"`
	Hash      string `json:"hash"`
}

// FirstFunding returns the sender and time of the first non-zero value
// transfer INTO addr. The deployer indexer uses this to build funder edges.
func (c *ExplorerClient) FirstFunding(ctx context.Context, addr common.Address) (common.Address, time.Time, error) {
	var rows []txListRow
	params := url.Values{
		"module":  {"account"},
		"action":  {"txlist"},
		"address": {addr.Hex()},
		"page":    {"1"},
		"offset":  {"25"},
		"sort":    {"asc"},
	}
	if err := c.get(ctx, params, &rows); err != nil {
		return common.Address{}, time.Time{}, err
	}

	target := addr.Hex()
	for _, row := range rows {
		if !common.IsHexAddress(row.From) {
			continue
		}
		if !equalHex(row.To, target) {
			continue
		}
		val, ok := new(big.Int).SetString(row.Value, 10)
		if !ok || val.Sign() == 0 {
			continue
		}
		var ts time.Time
		if unix, err := strconv.ParseInt(row.TimeStamp, 10, 64); err == nil {
			ts = time.Unix(unix, 0)
		}
		return common.HexToAddress(row.From), ts, nil
	}
	return common.Address{}, time.Time{}, faults.Newf(faults.KindNotFound, "explorer", "no funding tx for %s", addr.Hex())
}

func equalHex(a, b string) bool {
	return common.IsHexAddress(a) && common.IsHexAddress(b) &&
		common.HexToAddress(a) == common.HexToAddress(b)
}

// Healthy probes the explorer with a cheap stats call.
func (c *ExplorerClient) Healthy(ctx context.Context) bool {
	var out json.RawMessage
	params := url.Values{"module": {"proxy"}, "action": {"eth_blockNumber"}}
	return c.get(ctx, params, &out) == nil
}

func (c *ExplorerClient) String() string {
	return fmt.Sprintf("explorer(chain=%d)", c.chainID)
}
