// Package proxy is the drop-in JSON-RPC firewall: wallets point their RPC URL
// at it, signing-path methods are intercepted and evaluated, everything else
// passes through untouched with request ids preserved.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"

	"github.com/txshield/firewall-engine/internal/analyzer"
	"github.com/txshield/firewall-engine/internal/chain"
	"github.com/txshield/firewall-engine/internal/risk"
	"github.com/txshield/firewall-engine/pkg/models"
)

// JSON-RPC error codes in the server-defined range. Wallets branch on these.
const (
	CodeShieldWarn  = -32050
	CodeShieldBlock = -32051
)

// interceptedMethods are the signing-path calls that go through the firewall.
var interceptedMethods = map[string]bool{
	"eth_sendTransaction":    true,
	"eth_sendRawTransaction": true,
	"eth_signTransaction":    true,
	"eth_sign":               true,
	"personal_sign":          true,
	"eth_signTypedData_v3":   true,
	"eth_signTypedData_v4":   true,
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type shieldData struct {
	VerdictID   string             `json:"verdictId,omitempty"`
	ShieldScore models.ShieldScore `json:"shieldScore"`
	Explanation string             `json:"explanation"`
	ForensicURL string             `json:"forensicUrl,omitempty"`
}

// Proxy evaluates intercepted calls through the pipeline and forwards the
// rest to the chain's upstream RPC.
type Proxy struct {
	pipeline  *risk.Pipeline
	adapters  map[int64]chain.Adapter
	upstreams map[int64]string
	mode      models.PolicyMode
	deadline  time.Duration
	http      *http.Client
}

func New(pipeline *risk.Pipeline, adapters map[int64]chain.Adapter, upstreams map[int64]string,
	mode models.PolicyMode, requestDeadline, upstreamTimeout time.Duration) *Proxy {
	if upstreamTimeout <= 0 {
		upstreamTimeout = 10 * time.Second
	}
	return &Proxy{
		pipeline:  pipeline,
		adapters:  adapters,
		upstreams: upstreams,
		mode:      mode,
		deadline:  requestDeadline,
		http:      &http.Client{Timeout: upstreamTimeout},
	}
}

// Serve handles one proxy request body (single or batch) and returns the
// response body. Request ids survive round trips in both shapes. acked is
// the transport-level warning acknowledgment (the X-Shield-Acknowledged
// header); callers that cannot set headers annotate the transaction object
// instead.
func (p *Proxy) Serve(ctx context.Context, chainID int64, body []byte, acked bool) ([]byte, int) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return p.serveBatch(ctx, chainID, body, acked)
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		resp, _ := json.Marshal(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
		return resp, http.StatusOK
	}
	resp := p.serveOne(ctx, chainID, req, body, acked)
	out, _ := json.Marshal(resp)
	return out, http.StatusOK
}

// serveBatch splits a batch: intercepted entries are evaluated locally,
// pass-through entries go upstream as one sub-batch, and responses are
// reassembled in request order.
func (p *Proxy) serveBatch(ctx context.Context, chainID int64, body []byte, acked bool) ([]byte, int) {
	var reqs []rpcRequest
	if err := json.Unmarshal(body, &reqs); err != nil {
		resp, _ := json.Marshal(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
		return resp, http.StatusOK
	}

	responses := make([]rpcResponse, len(reqs))
	var passthrough []rpcRequest
	var passthroughIdx []int
	for i, req := range reqs {
		if interceptedMethods[req.Method] {
			raw, _ := json.Marshal(req)
			responses[i] = p.serveOne(ctx, chainID, req, raw, acked)
		} else {
			passthrough = append(passthrough, req)
			passthroughIdx = append(passthroughIdx, i)
		}
	}

	if len(passthrough) > 0 {
		sub, _ := json.Marshal(passthrough)
		upstream, err := p.forward(ctx, chainID, sub, false)
		if err != nil {
			for _, i := range passthroughIdx {
				responses[i] = rpcResponse{JSONRPC: "2.0", ID: reqs[i].ID,
					Error: &rpcError{Code: -32002, Message: "upstream unavailable"}}
			}
		} else {
			var subResps []rpcResponse
			if json.Unmarshal(upstream, &subResps) == nil {
				byID := make(map[string]rpcResponse, len(subResps))
				for _, r := range subResps {
					byID[string(r.ID)] = r
				}
				for _, i := range passthroughIdx {
					if r, ok := byID[string(reqs[i].ID)]; ok {
						responses[i] = r
					} else {
						responses[i] = rpcResponse{JSONRPC: "2.0", ID: reqs[i].ID,
							Error: &rpcError{Code: -32603, Message: "upstream dropped request"}}
					}
				}
			}
		}
	}

	out, _ := json.Marshal(responses)
	return out, http.StatusOK
}

// serveOne evaluates or forwards a single request.
func (p *Proxy) serveOne(ctx context.Context, chainID int64, req rpcRequest, raw []byte, acked bool) rpcResponse {
	if !interceptedMethods[req.Method] {
		upstream, err := p.forward(ctx, chainID, raw, false)
		if err != nil {
			return rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32002, Message: "upstream unavailable"}}
		}
		var resp rpcResponse
		if json.Unmarshal(upstream, &resp) != nil {
			return rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32603, Message: "malformed upstream response"}}
		}
		return resp
	}

	if clean, annotatedAck := stripAckAnnotation(&req); clean != nil {
		raw = clean
		acked = acked || annotatedAck
	}

	actx, perr := p.buildContext(chainID, req)
	if perr != nil {
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: perr}
	}

	verdict := p.pipeline.Evaluate(ctx, actx)
	switch verdict.Action {
	case models.ActionBlock:
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{
			Code:    CodeShieldBlock,
			Message: "SHIELD_BLOCK: " + verdict.Explanation,
			Data: shieldData{VerdictID: verdict.ID, ShieldScore: verdict.Score,
				Explanation: verdict.Explanation, ForensicURL: verdict.ForensicURL},
		}}
	case models.ActionWarn:
		if !acked {
			return rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{
				Code:    CodeShieldWarn,
				Message: "SHIELD_WARN: " + verdict.Explanation,
				Data: shieldData{VerdictID: verdict.ID, ShieldScore: verdict.Score,
					Explanation: verdict.Explanation, ForensicURL: verdict.ForensicURL},
			}}
		}
		// The caller saw the warning and chose to proceed; forward below.
		log.Printf("[Proxy] %s forwarded with acknowledged warning (chain %d, composite %.0f)",
			req.Method, chainID, verdict.Score.Composite)
	}

	// ALLOW or acknowledged WARN: forward the bytes. Send-path methods are
	// never retried; a timeout after submission could double-spend the nonce.
	noRetry := req.Method == "eth_sendRawTransaction" || req.Method == "eth_sendTransaction"
	upstream, err := p.forward(ctx, chainID, raw, noRetry)
	if err != nil {
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32002, Message: "upstream unavailable"}}
	}
	var resp rpcResponse
	if json.Unmarshal(upstream, &resp) != nil {
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32603, Message: "malformed upstream response"}}
	}
	return resp
}

// stripAckAnnotation detects the shieldAcknowledged marker some wallets set
// on the transaction object when the user accepts a warning, and removes it
// so upstream nodes never see a field they would reject. Only the
// object-shaped signing methods can carry it. Returns re-marshaled request
// bytes and whether the marker was set to true.
func stripAckAnnotation(req *rpcRequest) ([]byte, bool) {
	if req.Method != "eth_sendTransaction" && req.Method != "eth_signTransaction" {
		return nil, false
	}
	var params []json.RawMessage
	if json.Unmarshal(req.Params, &params) != nil || len(params) < 1 {
		return nil, false
	}
	var txo map[string]json.RawMessage
	if json.Unmarshal(params[0], &txo) != nil {
		return nil, false
	}
	rawAck, present := txo["shieldAcknowledged"]
	if !present {
		return nil, false
	}
	var acked bool
	_ = json.Unmarshal(rawAck, &acked)

	delete(txo, "shieldAcknowledged")
	cleanTx, err := json.Marshal(txo)
	if err != nil {
		return nil, false
	}
	params[0] = cleanTx
	cleanParams, err := json.Marshal(params)
	if err != nil {
		return nil, false
	}
	req.Params = cleanParams
	clean, err := json.Marshal(*req)
	if err != nil {
		return nil, false
	}
	return clean, acked
}

// buildContext extracts the analysis inputs from the method's params.
func (p *Proxy) buildContext(chainID int64, req rpcRequest) (*analyzer.Context, *rpcError) {
	var params []json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &rpcError{Code: -32602, Message: "invalid params"}
	}

	requestID := uuid.NewString()
	switch req.Method {
	case "eth_sendTransaction", "eth_signTransaction":
		if len(params) < 1 {
			return nil, &rpcError{Code: -32602, Message: "missing transaction object"}
		}
		var txo struct {
			From  string `json:"from"`
			To    string `json:"to"`
			Value string `json:"value"`
			Data  string `json:"data"`
			Input string `json:"input"`
		}
		if err := json.Unmarshal(params[0], &txo); err != nil {
			return nil, &rpcError{Code: -32602, Message: "malformed transaction object"}
		}
		data := txo.Data
		if data == "" {
			data = txo.Input
		}
		var calldata []byte
		if strings.HasPrefix(data, "0x") {
			calldata, _ = hexutil.Decode(data)
		}
		if !common.IsHexAddress(txo.To) {
			// Contract creation: analyze against the zero target so intent
			// checks still run on the init code.
			txo.To = (common.Address{}).Hex()
		}
		actx := p.newContext(requestID, chainID, common.HexToAddress(txo.To), calldata)
		if common.IsHexAddress(txo.From) {
			from := common.HexToAddress(txo.From)
			actx.From = &from
		}
		if v, err := hexutil.DecodeBig(nonEmptyHex(txo.Value)); err == nil {
			actx.Value = v
		}
		return actx, nil

	case "eth_sendRawTransaction":
		if len(params) < 1 {
			return nil, &rpcError{Code: -32602, Message: "missing raw transaction"}
		}
		var rawHex string
		if err := json.Unmarshal(params[0], &rawHex); err != nil {
			return nil, &rpcError{Code: -32602, Message: "malformed raw transaction"}
		}
		rawBytes, err := hexutil.Decode(rawHex)
		if err != nil {
			return nil, &rpcError{Code: -32602, Message: "invalid raw transaction hex"}
		}
		var tx types.Transaction
		if err := tx.UnmarshalBinary(rawBytes); err != nil {
			return nil, &rpcError{Code: -32602, Message: "undecodable raw transaction"}
		}
		to := common.Address{}
		if tx.To() != nil {
			to = *tx.To()
		}
		actx := p.newContext(requestID, chainID, to, tx.Data())
		actx.Value = tx.Value()
		signer := types.LatestSignerForChainID(big.NewInt(chainID))
		if from, err := types.Sender(signer, &tx); err == nil {
			actx.From = &from
		}
		return actx, nil

	case "eth_signTypedData_v3", "eth_signTypedData_v4":
		if len(params) < 2 {
			return nil, &rpcError{Code: -32602, Message: "missing typed data"}
		}
		var signer string
		_ = json.Unmarshal(params[0], &signer)

		var td apitypes.TypedData
		// Some wallets double-encode the typed data as a JSON string.
		var asString string
		if json.Unmarshal(params[1], &asString) == nil {
			if err := json.Unmarshal([]byte(asString), &td); err != nil {
				return nil, &rpcError{Code: -32602, Message: "malformed typed data"}
			}
		} else if err := json.Unmarshal(params[1], &td); err != nil {
			return nil, &rpcError{Code: -32602, Message: "malformed typed data"}
		}

		target := common.Address{}
		if vc := td.Domain.VerifyingContract; common.IsHexAddress(vc) {
			target = common.HexToAddress(vc)
		}
		actx := p.newContext(requestID, chainID, target, nil)
		actx.TypedData = &td
		actx.SignMethod = req.Method
		if common.IsHexAddress(signer) {
			from := common.HexToAddress(signer)
			actx.From = &from
		}
		return actx, nil

	case "eth_sign", "personal_sign":
		// eth_sign signs an opaque hash; personal_sign prefixes the message
		// so it cannot collide with a transaction. Both get a context with
		// the sign method recorded; the signature analyzer decides.
		actx := p.newContext(requestID, chainID, common.Address{}, nil)
		actx.SignMethod = req.Method
		if len(params) >= 1 {
			var addr string
			if json.Unmarshal(params[0], &addr) == nil && common.IsHexAddress(addr) {
				from := common.HexToAddress(addr)
				actx.From = &from
			}
		}
		return actx, nil
	}
	return nil, &rpcError{Code: -32601, Message: "method not intercepted"}
}

func (p *Proxy) newContext(requestID string, chainID int64, target common.Address, calldata []byte) *analyzer.Context {
	actx := analyzer.NewContext(requestID, chainID, target, calldata)
	actx.Mode = p.mode
	actx.Deadline = time.Now().Add(p.deadline)
	if adapter, ok := p.adapters[chainID]; ok && len(calldata) >= 4 {
		actx.Call = adapter.DecodeCall(calldata)
	}
	return actx
}

// forward posts the body to the chain's upstream RPC. Retries are allowed
// only for idempotent bodies; send paths go out exactly once.
func (p *Proxy) forward(ctx context.Context, chainID int64, body []byte, noRetry bool) ([]byte, error) {
	upstream, ok := p.upstreams[chainID]
	if !ok {
		return nil, errUnsupportedChain
	}

	attempts := 2
	if noRetry {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstream, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		out, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = errUpstreamStatus
			if resp.StatusCode >= 500 {
				continue
			}
			return nil, lastErr
		}
		return out, nil
	}
	log.Printf("[Proxy] upstream forward failed for chain %d: %v", chainID, lastErr)
	return nil, lastErr
}

var (
	errUnsupportedChain = &proxyErr{"unsupported chain"}
	errUpstreamStatus   = &proxyErr{"upstream returned non-200"}
)

type proxyErr struct{ msg string }

func (e *proxyErr) Error() string { return e.msg }

func nonEmptyHex(s string) string {
	if s == "" || !strings.HasPrefix(s, "0x") {
		return "0x0"
	}
	return s
}
