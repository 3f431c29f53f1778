package analyzer

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/txshield/firewall-engine/pkg/models"
)

// collectSlack is how long past the request deadline the collector waits for
// stragglers before synthesizing empty partial results.
const collectSlack = 50 * time.Millisecond

// Analyzer produces one category's partial score. Run must respect the
// context deadline, never mutate the analysis context, and always return a
// well-formed result; failures are reported through Partial, never errors.
type Analyzer interface {
	Tag() models.Category
	Weight() float64
	Required() []string
	Optional() []string
	Run(ctx context.Context, actx *Context) models.AnalyzerResult
}

// Registry is the active analyzer set. Base weights are normalized at
// registration so the weighted categories always sum to 1.0; additive
// analyzers (weight 0) are unaffected by normalization.
type Registry struct {
	analyzers  []Analyzer
	normalized map[models.Category]float64
}

func NewRegistry() *Registry {
	return &Registry{normalized: make(map[models.Category]float64)}
}

// Register adds an analyzer. Returns an error on duplicate tags so wiring
// mistakes fail at startup, not at scoring time.
func (r *Registry) Register(a Analyzer) error {
	for _, have := range r.analyzers {
		if have.Tag() == a.Tag() {
			return fmt.Errorf("analyzer %s registered twice", a.Tag())
		}
	}
	r.analyzers = append(r.analyzers, a)
	r.renormalize()
	return nil
}

func (r *Registry) renormalize() {
	total := 0.0
	for _, a := range r.analyzers {
		total += a.Weight()
	}
	for cat := range r.normalized {
		delete(r.normalized, cat)
	}
	for _, a := range r.analyzers {
		if a.Weight() <= 0 {
			continue
		}
		r.normalized[a.Tag()] = a.Weight() / total
	}
}

// Weights returns the normalized base weights. The values sum to 1.0.
func (r *Registry) Weights() map[models.Category]float64 {
	out := make(map[models.Category]float64, len(r.normalized))
	for cat, w := range r.normalized {
		out[cat] = w
	}
	return out
}

// Analyzers returns the registered set in registration order.
func (r *Registry) Analyzers() []Analyzer {
	return r.analyzers
}

// RunAll fans the analyzers out concurrently and collects their results.
// On deadline, missing analyzers contribute a partial result with score 0
// and confidence 0 so the risk engine always sees the full category set.
func (r *Registry) RunAll(ctx context.Context, actx *Context) []models.AnalyzerResult {
	type tagged struct {
		idx    int
		result models.AnalyzerResult
	}
	resultCh := make(chan tagged, len(r.analyzers))

	runCtx := ctx
	if !actx.Deadline.IsZero() {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, actx.Deadline)
		defer cancel()
	}

	for i, a := range r.analyzers {
		go func(idx int, a Analyzer) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Printf("[Registry] analyzer %s panicked: %v", a.Tag(), rec)
					resultCh <- tagged{idx, emptyResult(a, "panic")}
				}
			}()
			resultCh <- tagged{idx, sanitize(a, a.Run(runCtx, actx))}
		}(i, a)
	}

	deadline := actx.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(5 * time.Second)
	}
	timer := time.NewTimer(time.Until(deadline) + collectSlack)
	defer timer.Stop()

	results := make([]models.AnalyzerResult, len(r.analyzers))
	got := make([]bool, len(r.analyzers))
	received := 0
collect:
	for received < len(r.analyzers) {
		select {
		case t := <-resultCh:
			results[t.idx] = t.result
			got[t.idx] = true
			received++
		case <-timer.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	for i, a := range r.analyzers {
		if !got[i] {
			results[i] = emptyResult(a, "deadline")
		}
	}
	return results
}

// sanitize enforces the result invariants: finite score in [0,100], finite
// confidence in [0,1], deduplicated flags.
func sanitize(a Analyzer, res models.AnalyzerResult) models.AnalyzerResult {
	if res.Category == "" {
		res.Category = a.Tag()
	}
	if math.IsNaN(res.Score) || math.IsInf(res.Score, 0) || res.Score < 0 {
		res.Score = 0
	}
	if res.Score > 100 {
		res.Score = 100
	}
	if math.IsNaN(res.Confidence) || math.IsInf(res.Confidence, 0) || res.Confidence < 0 {
		res.Confidence = 0
	}
	if res.Confidence > 1 {
		res.Confidence = 1
	}

	seen := make(map[models.Flag]bool, len(res.Flags))
	deduped := res.Flags[:0]
	for _, f := range res.Flags {
		if !seen[f] {
			seen[f] = true
			deduped = append(deduped, f)
		}
	}
	res.Flags = deduped
	return res
}

func emptyResult(a Analyzer, reason string) models.AnalyzerResult {
	return models.AnalyzerResult{
		Category:      a.Tag(),
		Score:         0,
		Confidence:    0,
		Partial:       true,
		FailedSources: a.Required(),
		Findings:      []models.Finding{{Code: "missing", Message: "analyzer did not complete: " + reason}},
	}
}
