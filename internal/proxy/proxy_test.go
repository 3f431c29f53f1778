package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/txshield/firewall-engine/internal/analyzer"
	"github.com/txshield/firewall-engine/internal/risk"
	"github.com/txshield/firewall-engine/pkg/models"
)

// scoringAnalyzer returns a fixed score so proxy tests can force a verdict.
type scoringAnalyzer struct {
	score float64
	flags []models.Flag
}

func (s *scoringAnalyzer) Tag() models.Category { return models.CategoryStructural }
func (s *scoringAnalyzer) Weight() float64      { return 1.0 }
func (s *scoringAnalyzer) Required() []string   { return nil }
func (s *scoringAnalyzer) Optional() []string   { return nil }
func (s *scoringAnalyzer) Run(context.Context, *analyzer.Context) models.AnalyzerResult {
	return models.AnalyzerResult{Category: models.CategoryStructural,
		Score: s.score, Confidence: 1.0, Flags: s.flags}
}

func testProxy(t *testing.T, upstream string, score float64) *Proxy {
	t.Helper()
	reg := analyzer.NewRegistry()
	if err := reg.Register(&scoringAnalyzer{score: score}); err != nil {
		t.Fatal(err)
	}
	pipeline := risk.NewPipeline(risk.PipelineOptions{
		Registry:        reg,
		Policy:          risk.NewPolicy(models.PolicyBalanced, 50),
		RequestDeadline: time.Second,
	})
	return New(pipeline, nil, map[int64]string{1: upstream}, models.PolicyBalanced, time.Second, time.Second)
}

func TestServePassthroughPreservesID(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID,
			Result: json.RawMessage(`"0x10"`)})
	}))
	defer upstream.Close()

	p := testProxy(t, upstream.URL, 0)
	out, status := p.Serve(context.Background(), 1, []byte(`{"jsonrpc":"2.0","id":42,"method":"eth_blockNumber","params":[]}`), false)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var resp rpcResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if string(resp.ID) != "42" {
		t.Errorf("id = %s, want 42", resp.ID)
	}
	if string(resp.Result) != `"0x10"` {
		t.Errorf("result = %s", resp.Result)
	}
	if resp.Error != nil {
		t.Errorf("unexpected error: %+v", resp.Error)
	}
}

func TestServeBlocksHighRiskSend(t *testing.T) {
	var forwarded atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded.Add(1)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0xok"}`))
	}))
	defer upstream.Close()

	p := testProxy(t, upstream.URL, 95)
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"eth_sendTransaction","params":[{"from":"0x00000000000000000000000000000000000000a1","to":"0x00000000000000000000000000000000000000b2","value":"0x0","data":"0x"}]}`)
	out, _ := p.Serve(context.Background(), 1, body, false)

	var resp rpcResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != CodeShieldBlock {
		t.Fatalf("expected code %d, got %+v", CodeShieldBlock, resp.Error)
	}
	if forwarded.Load() != 0 {
		t.Error("blocked transaction must never reach the upstream")
	}
}

func TestServeWarnCodeOnMidRisk(t *testing.T) {
	p := testProxy(t, "http://127.0.0.1:0", 50)
	body := []byte(`{"jsonrpc":"2.0","id":7,"method":"eth_sendTransaction","params":[{"to":"0x00000000000000000000000000000000000000b2"}]}`)
	out, _ := p.Serve(context.Background(), 1, body, false)

	var resp rpcResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != CodeShieldWarn {
		t.Fatalf("expected code %d, got %+v", CodeShieldWarn, resp.Error)
	}
	if string(resp.ID) != "7" {
		t.Errorf("id = %s, want 7", resp.ID)
	}
}

func TestServeWarnForwardsWhenHeaderAcknowledged(t *testing.T) {
	var forwarded atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded.Add(1)
		w.Write([]byte(`{"jsonrpc":"2.0","id":7,"result":"0xhash"}`))
	}))
	defer upstream.Close()

	p := testProxy(t, upstream.URL, 50)
	body := []byte(`{"jsonrpc":"2.0","id":7,"method":"eth_sendTransaction","params":[{"to":"0x00000000000000000000000000000000000000b2"}]}`)
	out, _ := p.Serve(context.Background(), 1, body, true)

	var resp rpcResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("acknowledged warning should forward, got error %+v", resp.Error)
	}
	if string(resp.Result) != `"0xhash"` {
		t.Errorf("result = %s, want the upstream result", resp.Result)
	}
	if forwarded.Load() != 1 {
		t.Errorf("upstream hit %d times, want exactly 1", forwarded.Load())
	}
}

func TestServeWarnBodyAnnotationForwardsAndStrips(t *testing.T) {
	var forwarded atomic.Int64
	var sawAnnotation atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded.Add(1)
		raw, _ := io.ReadAll(r.Body)
		if strings.Contains(string(raw), "shieldAcknowledged") {
			sawAnnotation.Store(true)
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":9,"result":"0xhash"}`))
	}))
	defer upstream.Close()

	p := testProxy(t, upstream.URL, 50)
	body := []byte(`{"jsonrpc":"2.0","id":9,"method":"eth_sendTransaction","params":[{"to":"0x00000000000000000000000000000000000000b2","shieldAcknowledged":true}]}`)
	out, _ := p.Serve(context.Background(), 1, body, false)

	var resp rpcResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("annotated warning should forward, got error %+v", resp.Error)
	}
	if forwarded.Load() != 1 {
		t.Errorf("upstream hit %d times, want exactly 1", forwarded.Load())
	}
	if sawAnnotation.Load() {
		t.Error("annotation must be stripped before the bytes reach the upstream")
	}
}

func TestServeBlockIgnoresAcknowledgment(t *testing.T) {
	var forwarded atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded.Add(1)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0xok"}`))
	}))
	defer upstream.Close()

	p := testProxy(t, upstream.URL, 95)
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"eth_sendTransaction","params":[{"to":"0x00000000000000000000000000000000000000b2","shieldAcknowledged":true}]}`)
	out, _ := p.Serve(context.Background(), 1, body, true)

	var resp rpcResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != CodeShieldBlock {
		t.Fatalf("acknowledgment must never downgrade a block, got %+v", resp.Error)
	}
	if forwarded.Load() != 0 {
		t.Error("blocked transaction must never reach the upstream")
	}
}

func TestServeBatchReassemblesInOrder(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqs []rpcRequest
		json.NewDecoder(r.Body).Decode(&reqs)
		var resps []rpcResponse
		// Answer the sub-batch in reverse to prove reassembly is by id.
		for i := len(reqs) - 1; i >= 0; i-- {
			resps = append(resps, rpcResponse{JSONRPC: "2.0", ID: reqs[i].ID,
				Result: json.RawMessage(`"0x1"`)})
		}
		json.NewEncoder(w).Encode(resps)
	}))
	defer upstream.Close()

	p := testProxy(t, upstream.URL, 95)
	body := []byte(`[
		{"jsonrpc":"2.0","id":1,"method":"eth_chainId","params":[]},
		{"jsonrpc":"2.0","id":2,"method":"eth_sendTransaction","params":[{"to":"0x00000000000000000000000000000000000000b2"}]},
		{"jsonrpc":"2.0","id":3,"method":"eth_gasPrice","params":[]}
	]`)
	out, _ := p.Serve(context.Background(), 1, body, false)

	var resps []rpcResponse
	if err := json.Unmarshal(out, &resps); err != nil {
		t.Fatal(err)
	}
	if len(resps) != 3 {
		t.Fatalf("got %d responses, want 3", len(resps))
	}
	for i, wantID := range []string{"1", "2", "3"} {
		if string(resps[i].ID) != wantID {
			t.Errorf("response %d id = %s, want %s", i, resps[i].ID, wantID)
		}
	}
	if resps[1].Error == nil || resps[1].Error.Code != CodeShieldBlock {
		t.Errorf("intercepted entry should carry the block error, got %+v", resps[1].Error)
	}
	if resps[0].Error != nil || resps[2].Error != nil {
		t.Error("pass-through entries should succeed")
	}
}

func TestForwardRetriesOnlyIdempotentBodies(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	p := testProxy(t, upstream.URL, 0)

	hits.Store(0)
	if _, err := p.forward(context.Background(), 1, []byte(`{}`), false); err == nil {
		t.Fatal("expected error from failing upstream")
	}
	if hits.Load() != 2 {
		t.Errorf("idempotent body hit upstream %d times, want 2", hits.Load())
	}

	hits.Store(0)
	if _, err := p.forward(context.Background(), 1, []byte(`{}`), true); err == nil {
		t.Fatal("expected error from failing upstream")
	}
	if hits.Load() != 1 {
		t.Errorf("send-path body hit upstream %d times, want exactly 1", hits.Load())
	}
}

func TestServeParseError(t *testing.T) {
	p := testProxy(t, "http://127.0.0.1:0", 0)
	out, _ := p.Serve(context.Background(), 1, []byte(`{not json`), false)
	var resp rpcResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != -32700 {
		t.Errorf("expected -32700 parse error, got %+v", resp.Error)
	}
}

func TestServeUnsupportedChain(t *testing.T) {
	p := testProxy(t, "http://127.0.0.1:0", 0)
	out, _ := p.Serve(context.Background(), 999, []byte(`{"jsonrpc":"2.0","id":1,"method":"eth_blockNumber","params":[]}`), false)
	var resp rpcResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil {
		t.Error("unknown chain should error rather than hang")
	}
}
