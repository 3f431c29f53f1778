package chain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sony/gobreaker"

	"github.com/txshield/firewall-engine/internal/config"
	"github.com/txshield/firewall-engine/internal/faults"
	"github.com/txshield/firewall-engine/pkg/models"
)

const (
	maxAttempts      = 3
	retryBaseDelay   = 50 * time.Millisecond
	approvalLogSpan  = int64(100_000) // blocks scanned per ListApprovals page
)

var approvalTopic = common.BytesToHash(crypto.Keccak256([]byte("Approval(address,address,uint256)")))

// maxUint256 marks unlimited allowances.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

type endpoint struct {
	url     string
	client  *ethclient.Client
	breaker *gobreaker.CircuitBreaker
}

// EVM is the chain adapter for one EVM chain. It holds an ordered list of
// RPC endpoints, each behind its own circuit breaker, and selects the first
// healthy one per call.
type EVM struct {
	chainID  int64
	eps      []*endpoint
	explorer *ExplorerClient
}

func NewEVM(chainID int64, cfg config.ChainConfig, circuit config.CircuitConfig) (*EVM, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, fmt.Errorf("chain %d: no rpc_urls configured", chainID)
	}

	e := &EVM{chainID: chainID}
	for _, url := range cfg.RPCURLs {
		client, err := ethclient.Dial(url)
		if err != nil {
			log.Printf("[Chain %d] Warning: failed to dial %s: %v", chainID, url, err)
			continue
		}
		threshold := uint32(circuit.FailThreshold)
		e.eps = append(e.eps, &endpoint{
			url:    url,
			client: client,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:     fmt.Sprintf("rpc-%d-%s", chainID, url),
				Interval: circuit.Window,
				Timeout:  circuit.Cooldown,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= threshold
				},
			}),
		})
	}
	if len(e.eps) == 0 {
		return nil, fmt.Errorf("chain %d: no reachable rpc endpoints", chainID)
	}

	if cfg.ExplorerAPIBase != "" {
		e.explorer = NewExplorerClient(chainID, cfg.ExplorerAPIBase, cfg.ExplorerAPIKey)
	}
	return e, nil
}

func (e *EVM) ChainID() int64 { return e.chainID }

// Healthy reports whether any endpoint breaker accepts calls.
func (e *EVM) Healthy() bool {
	for _, ep := range e.eps {
		if ep.breaker.State() != gobreaker.StateOpen {
			return true
		}
	}
	return false
}

// call runs fn against the first endpoint whose breaker is closed, retrying
// transient faults with exponential-jitter backoff.
func (e *EVM) call(ctx context.Context, op string, fn func(*ethclient.Client) (any, error)) (any, error) {
	var lastErr error
	for _, ep := range e.eps {
		if ep.breaker.State() == gobreaker.StateOpen {
			continue
		}
		for attempt := 0; attempt < maxAttempts; attempt++ {
			if attempt > 0 {
				delay := retryBaseDelay << attempt
				delay += time.Duration(rand.Int63n(int64(delay)))
				select {
				case <-ctx.Done():
					return nil, faults.New(faults.KindTimeout, op, ctx.Err())
				case <-time.After(delay):
				}
			}

			out, err := ep.breaker.Execute(func() (any, error) {
				return fn(ep.client)
			})
			if err == nil {
				return out, nil
			}
			lastErr = classifyRPCErr(op, err)
			if !faults.Transient(lastErr) {
				return nil, lastErr
			}
			if ctx.Err() != nil {
				return nil, faults.New(faults.KindTimeout, op, ctx.Err())
			}
		}
	}
	if lastErr == nil {
		lastErr = faults.Newf(faults.KindUnavailable, op, "all %d endpoints open", len(e.eps))
	}
	return nil, lastErr
}

func classifyRPCErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return faults.New(faults.KindTimeout, op, err)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return faults.New(faults.KindUnavailable, op, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") {
		return faults.New(faults.KindRateLimited, op, err)
	}
	return faults.New(faults.KindUnavailable, op, err)
}

func (e *EVM) Bytecode(ctx context.Context, addr common.Address) ([]byte, bool, error) {
	out, err := e.call(ctx, "bytecode", func(c *ethclient.Client) (any, error) {
		return c.CodeAt(ctx, addr, nil)
	})
	if err != nil {
		return nil, false, err
	}
	code := out.([]byte)
	// Empty code means EOA; that is data, not an error.
	return code, len(code) > 0, nil
}

func (e *EVM) VerificationInfo(ctx context.Context, addr common.Address) (VerificationInfo, error) {
	if e.explorer == nil {
		return VerificationInfo{}, faults.Newf(faults.KindUnavailable, "explorer", "chain %d has no explorer configured", e.chainID)
	}
	return e.explorer.VerificationInfo(ctx, addr)
}

func (e *EVM) ReadView(ctx context.Context, addr common.Address, selector [4]byte, args []byte) ([]byte, error) {
	msg := ethereum.CallMsg{To: &addr, Data: EncodeViewCall(selector, args)}
	out, err := e.call(ctx, "read_view", func(c *ethclient.Client) (any, error) {
		return c.CallContract(ctx, msg, nil)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (e *EVM) DecodeCall(data []byte) DecodedCall {
	return Decode(data)
}

func (e *EVM) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	call := ethereum.CallMsg{To: msg.To, Value: msg.Value, Data: msg.Data, Gas: msg.Gas}
	if msg.From != nil {
		call.From = *msg.From
	}
	out, err := e.call(ctx, "estimate_gas", func(c *ethclient.Client) (any, error) {
		return c.EstimateGas(ctx, call)
	})
	if err != nil {
		return 0, err
	}
	return out.(uint64), nil
}

// Simulate dry-runs the call with eth_call plus a gas estimate. Asset deltas
// need a tracing endpoint; plain RPC nodes return none, which degrades (but
// does not fail) honeypot and intent analysis.
func (e *EVM) Simulate(ctx context.Context, msg CallMsg) (*SimulationResult, error) {
	call := ethereum.CallMsg{To: msg.To, Value: msg.Value, Data: msg.Data, Gas: msg.Gas}
	if msg.From != nil {
		call.From = *msg.From
	}

	_, callErr := e.call(ctx, "simulate", func(c *ethclient.Client) (any, error) {
		return c.CallContract(ctx, call, nil)
	})
	if callErr != nil {
		if faults.Transient(callErr) {
			return nil, callErr
		}
		return &SimulationResult{Success: false, RevertReason: revertReason(callErr)}, nil
	}

	gas, err := e.EstimateGas(ctx, msg)
	if err != nil {
		gas = 0
	}
	return &SimulationResult{Success: true, GasUsed: gas}, nil
}

func revertReason(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		return strings.TrimSpace(strings.TrimPrefix(msg[i:], "execution reverted:"))
	}
	return msg
}

// ListApprovals scans ERC-20 Approval logs emitted with the wallet as owner
// within a bounded block span. The cursor is the upper block bound of the
// next page; an empty cursor starts at the chain head.
func (e *EVM) ListApprovals(ctx context.Context, wallet common.Address, cursor string, limit int) ([]models.ApprovalRecord, string, error) {
	headOut, err := e.call(ctx, "block_number", func(c *ethclient.Client) (any, error) {
		return c.BlockNumber(ctx)
	})
	if err != nil {
		return nil, "", err
	}
	head := int64(headOut.(uint64))

	to := head
	if cursor != "" {
		parsed, perr := strconv.ParseInt(cursor, 10, 64)
		if perr != nil || parsed <= 0 {
			return nil, "", faults.Newf(faults.KindValidation, "list_approvals", "bad cursor %q", cursor)
		}
		to = parsed
	}
	from := to - approvalLogSpan
	if from < 0 {
		from = 0
	}

	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(from),
		ToBlock:   big.NewInt(to),
		Topics: [][]common.Hash{
			{approvalTopic},
			{common.BytesToHash(common.LeftPadBytes(wallet.Bytes(), 32))},
		},
	}
	logsOut, err := e.call(ctx, "list_approvals", func(c *ethclient.Client) (any, error) {
		return c.FilterLogs(ctx, query)
	})
	if err != nil {
		return nil, "", err
	}

	// Latest approval per (token, spender) wins; zero allowances are revokes.
	type key struct {
		token, spender common.Address
	}
	latest := map[key]models.ApprovalRecord{}
	for _, lg := range logsOut.([]types.Log) {
		if len(lg.Topics) < 3 || len(lg.Data) < 32 {
			continue
		}
		spender := common.BytesToAddress(lg.Topics[2].Bytes()[12:])
		amount := new(big.Int).SetBytes(lg.Data[:32])
		k := key{token: lg.Address, spender: spender}
		if prev, ok := latest[k]; ok && prev.UpdatedBlock > int64(lg.BlockNumber) {
			continue
		}
		latest[k] = models.ApprovalRecord{
			Wallet:       wallet,
			Token:        lg.Address,
			Spender:      spender,
			Allowance:    amount,
			Unlimited:    amount.Cmp(maxUint256) == 0,
			UpdatedBlock: int64(lg.BlockNumber),
		}
	}

	var records []models.ApprovalRecord
	for _, rec := range latest {
		if rec.Allowance.Sign() == 0 {
			continue
		}
		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			break
		}
	}

	next := ""
	if from > 0 {
		next = strconv.FormatInt(from-1, 10)
	}
	return records, next, nil
}

// TokenMeta reads name/symbol/decimals on-chain. The explorer is not needed
// for these; on-chain reads work even when the explorer API is down.
func (e *EVM) TokenMeta(ctx context.Context, addr common.Address) (TokenMeta, error) {
	var meta TokenMeta

	if raw, err := e.ReadView(ctx, addr, sigToSelector["decimals()"], nil); err == nil && len(raw) >= 32 {
		meta.Decimals = raw[31]
	} else if err != nil {
		return meta, err
	}
	if raw, err := e.ReadView(ctx, addr, sigToSelector["name()"], nil); err == nil {
		meta.Name = decodeABIString(raw)
	}
	if raw, err := e.ReadView(ctx, addr, sigToSelector["symbol()"], nil); err == nil {
		meta.Symbol = decodeABIString(raw)
	}
	return meta, nil
}

// decodeABIString handles both dynamic string returns and legacy bytes32
// token names.
func decodeABIString(raw []byte) string {
	if len(raw) == 32 {
		return strings.TrimRight(string(raw), "\x00")
	}
	if len(raw) < 64 {
		return ""
	}
	length := new(big.Int).SetBytes(raw[32:64]).Int64()
	if length <= 0 || 64+length > int64(len(raw)) {
		return ""
	}
	return string(raw[64 : 64+length])
}
