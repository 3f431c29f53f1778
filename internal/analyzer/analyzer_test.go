package analyzer

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txshield/firewall-engine/pkg/models"
)

// stubAnalyzer is a configurable analyzer for registry tests.
type stubAnalyzer struct {
	tag      models.Category
	weight   float64
	required []string
	delay    time.Duration
	result   models.AnalyzerResult
	panics   bool
}

func (s *stubAnalyzer) Tag() models.Category { return s.tag }
func (s *stubAnalyzer) Weight() float64      { return s.weight }
func (s *stubAnalyzer) Required() []string   { return s.required }
func (s *stubAnalyzer) Optional() []string   { return nil }
func (s *stubAnalyzer) Run(ctx context.Context, _ *Context) models.AnalyzerResult {
	if s.panics {
		panic("stub blew up")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	res := s.result
	res.Category = s.tag
	return res
}

func testContext(deadline time.Duration) *Context {
	actx := NewContext("req-1", 1, common.HexToAddress("0x00000000000000000000000000000000000000aa"), nil)
	if deadline > 0 {
		actx.Deadline = time.Now().Add(deadline)
	}
	return actx
}

func TestRegistryNormalizesWeights(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, &stubAnalyzer{tag: models.CategoryStructural, weight: 0.40})
	mustRegister(t, r, &stubAnalyzer{tag: models.CategoryMarket, weight: 0.25})
	mustRegister(t, r, &stubAnalyzer{tag: models.CategoryBehavioral, weight: 0.20})
	mustRegister(t, r, &stubAnalyzer{tag: models.CategoryHoneypot, weight: 0.15})
	mustRegister(t, r, &stubAnalyzer{tag: models.CategoryIntent, weight: 0})

	weights := r.Weights()
	if _, ok := weights[models.CategoryIntent]; ok {
		t.Error("additive analyzer should not receive a normalized weight")
	}
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if math.Abs(total-1.0) > 0.0001 {
		t.Errorf("normalized weights sum to %v, want 1.0", total)
	}
}

func TestRegistryRenormalizesWhenAnalyzerMissing(t *testing.T) {
	// Honeypot disabled: the remaining three weights must still sum to 1.
	r := NewRegistry()
	mustRegister(t, r, &stubAnalyzer{tag: models.CategoryStructural, weight: 0.40})
	mustRegister(t, r, &stubAnalyzer{tag: models.CategoryMarket, weight: 0.25})
	mustRegister(t, r, &stubAnalyzer{tag: models.CategoryBehavioral, weight: 0.20})

	total := 0.0
	for _, w := range r.Weights() {
		total += w
	}
	if math.Abs(total-1.0) > 0.0001 {
		t.Errorf("renormalized weights sum to %v, want 1.0", total)
	}
	// Relative proportions preserved.
	weights := r.Weights()
	ratio := weights[models.CategoryStructural] / weights[models.CategoryMarket]
	if math.Abs(ratio-0.40/0.25) > 0.0001 {
		t.Errorf("weight ratio distorted: %v", ratio)
	}
}

func TestRegistryRejectsDuplicateTags(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, &stubAnalyzer{tag: models.CategoryStructural, weight: 0.5})
	if err := r.Register(&stubAnalyzer{tag: models.CategoryStructural, weight: 0.5}); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestRunAllCollectsEveryCategory(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, &stubAnalyzer{tag: models.CategoryStructural, weight: 0.5,
		result: models.AnalyzerResult{Score: 40, Confidence: 1}})
	mustRegister(t, r, &stubAnalyzer{tag: models.CategoryMarket, weight: 0.5,
		result: models.AnalyzerResult{Score: 20, Confidence: 1}})

	results := r.RunAll(context.Background(), testContext(time.Second))
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	seen := map[models.Category]float64{}
	for _, res := range results {
		seen[res.Category] = res.Score
	}
	if seen[models.CategoryStructural] != 40 || seen[models.CategoryMarket] != 20 {
		t.Errorf("unexpected scores: %v", seen)
	}
}

func TestRunAllDeadlineYieldsPartials(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, &stubAnalyzer{tag: models.CategoryStructural, weight: 0.5,
		result: models.AnalyzerResult{Score: 40, Confidence: 1}})
	mustRegister(t, r, &stubAnalyzer{tag: models.CategoryMarket, weight: 0.5,
		delay: 2 * time.Second, required: []string{"market"},
		result: models.AnalyzerResult{Score: 99, Confidence: 1}})

	start := time.Now()
	results := r.RunAll(context.Background(), testContext(100*time.Millisecond))
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Errorf("RunAll took %v, should return near the deadline", elapsed)
	}
	var market models.AnalyzerResult
	for _, res := range results {
		if res.Category == models.CategoryMarket {
			market = res
		}
	}
	if !market.Partial || market.Score != 0 || market.Confidence != 0 {
		t.Errorf("slow analyzer should synthesize an empty partial, got %+v", market)
	}
	if len(market.FailedSources) != 1 || market.FailedSources[0] != "market" {
		t.Errorf("FailedSources = %v, want the analyzer's required set", market.FailedSources)
	}
}

func TestRunAllRecoversPanic(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, &stubAnalyzer{tag: models.CategoryStructural, weight: 1.0, panics: true})

	results := r.RunAll(context.Background(), testContext(time.Second))
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if !results[0].Partial {
		t.Error("panicking analyzer should yield a partial result, not take down the request")
	}
}

func TestSanitizeClampsResults(t *testing.T) {
	tests := []struct {
		name     string
		in       models.AnalyzerResult
		wantScore float64
		wantConf  float64
	}{
		{"negative score", models.AnalyzerResult{Score: -5, Confidence: 0.5}, 0, 0.5},
		{"overflow score", models.AnalyzerResult{Score: 250, Confidence: 0.5}, 100, 0.5},
		{"NaN score", models.AnalyzerResult{Score: math.NaN(), Confidence: 0.5}, 0, 0.5},
		{"confidence above 1", models.AnalyzerResult{Score: 10, Confidence: 3}, 10, 1},
		{"negative confidence", models.AnalyzerResult{Score: 10, Confidence: -1}, 10, 0},
	}
	a := &stubAnalyzer{tag: models.CategoryStructural}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitize(a, tt.in)
			if got.Score != tt.wantScore || got.Confidence != tt.wantConf {
				t.Errorf("sanitize = (%v, %v), want (%v, %v)", got.Score, got.Confidence, tt.wantScore, tt.wantConf)
			}
		})
	}
}

func TestSanitizeDeduplicatesFlags(t *testing.T) {
	a := &stubAnalyzer{tag: models.CategoryStructural}
	got := sanitize(a, models.AnalyzerResult{
		Score: 10, Confidence: 1,
		Flags: []models.Flag{models.FlagUnverified, models.FlagNewContract, models.FlagUnverified},
	})
	if len(got.Flags) != 2 {
		t.Errorf("Flags = %v, want duplicates removed", got.Flags)
	}
}

func TestContextMemoLoadsOnce(t *testing.T) {
	actx := testContext(0)
	var loads int64

	const workers = 16
	done := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := actx.Memo("bytecode", func() (any, error) {
				atomic.AddInt64(&loads, 1)
				time.Sleep(10 * time.Millisecond)
				return []byte{0x60}, nil
			})
			done <- err
		}()
	}
	for i := 0; i < workers; i++ {
		if err := <-done; err != nil {
			t.Fatalf("memo error: %v", err)
		}
	}
	if n := atomic.LoadInt64(&loads); n != 1 {
		t.Errorf("load ran %d times, want exactly once", n)
	}
}

func mustRegister(t *testing.T, r *Registry, a Analyzer) {
	t.Helper()
	if err := r.Register(a); err != nil {
		t.Fatalf("register %s: %v", a.Tag(), err)
	}
}
