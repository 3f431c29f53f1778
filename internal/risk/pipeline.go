package risk

import (
	"context"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/txshield/firewall-engine/internal/analyzer"
	"github.com/txshield/firewall-engine/internal/chain"
	"github.com/txshield/firewall-engine/pkg/models"
)

// ReputationStore is the persistence surface the pipeline needs. Implemented
// by db.Store; kept narrow so tests can stub it.
type ReputationStore interface {
	GetReputation(ctx context.Context, chainID int64, address string) (*models.ContractReputation, error)
	UpsertReputation(ctx context.Context, rep models.ContractReputation) error
	BumpVerdictCount(ctx context.Context, chainID int64, address string, action models.Action) error
}

// ForensicUploader posts evidence bundles for high-risk verdicts and returns
// a stable URL. Upload runs off the request path.
type ForensicUploader interface {
	Upload(ctx context.Context, bundle ForensicBundle) (string, error)
}

// Broadcaster pushes verdict events to live subscribers.
type Broadcaster interface {
	BroadcastVerdict(v models.Verdict, chainID int64, target string)
}

// Recorder observes pipeline outcomes for metrics.
type Recorder interface {
	ObserveVerdict(action models.Action, elapsed time.Duration)
}

// ForensicBundle is the immutable evidence snapshot for one verdict.
type ForensicBundle struct {
	VerdictID string               `json:"verdictId"`
	ChainID   int64                `json:"chainId"`
	Target    string               `json:"target"`
	From      string               `json:"from,omitempty"`
	Calldata  string               `json:"calldata,omitempty"`
	Score     models.ShieldScore   `json:"score"`
	Results   []models.AnalyzerResult `json:"analyzerResults"`
	Action    models.Action        `json:"action"`
	CapturedAt time.Time           `json:"capturedAt"`
}

// Pipeline wires analyzers, the scoring engine, the policy, and the side
// effects (persistence, forensic capture, broadcast) into one evaluation path.
type Pipeline struct {
	registry *analyzer.Registry
	policy   *Policy
	adapters map[int64]chain.Adapter
	store    ReputationStore
	forensic ForensicUploader
	events   Broadcaster
	metrics  Recorder
	deadline time.Duration
	bonusCap float64
}

type PipelineOptions struct {
	Registry        *analyzer.Registry
	Policy          *Policy
	Adapters        map[int64]chain.Adapter
	Store           ReputationStore
	Forensic        ForensicUploader
	Events          Broadcaster
	Metrics         Recorder
	RequestDeadline time.Duration
	BonusCap        float64
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.RequestDeadline <= 0 {
		opts.RequestDeadline = 1500 * time.Millisecond
	}
	return &Pipeline{
		registry: opts.Registry,
		policy:   opts.Policy,
		adapters: opts.Adapters,
		store:    opts.Store,
		forensic: opts.Forensic,
		events:   opts.Events,
		metrics:  opts.Metrics,
		deadline: opts.RequestDeadline,
		bonusCap: opts.BonusCap,
	}
}

// Evaluate runs the full analyze-score-decide path for one request and
// returns the verdict. Persistence and forensic upload happen after the
// verdict is formed; their failures are logged, never surfaced to the caller.
func (p *Pipeline) Evaluate(ctx context.Context, actx *analyzer.Context) models.Verdict {
	started := time.Now()
	if actx.Deadline.IsZero() {
		actx.Deadline = started.Add(p.deadline)
	}

	results := p.registry.RunAll(ctx, actx)

	in := Input{
		Results:   results,
		Weights:   p.registry.Weights(),
		BonusCap:  p.bonusCap,
		Mode:      p.policy.Mode(),
		Destroyed: p.destroyed(ctx, actx, results),
	}
	score := Compose(in)
	action := p.policy.Decide(score)

	verdict := models.Verdict{
		Action:      action,
		Score:       score,
		Explanation: Explain(action, score),
		DecidedAt:   time.Now().UTC(),
	}
	if action != models.ActionAllow {
		// Stable id so later outcome events can reference this decision.
		verdict.ID = uuid.NewString()
	}

	if p.forensic != nil && p.policy.ShouldUploadForensic(score) {
		bundle := ForensicBundle{
			VerdictID:  verdict.ID,
			ChainID:    actx.ChainID,
			Target:     actx.Target.Hex(),
			Calldata:   hexutil.Encode(actx.Calldata),
			Score:      score,
			Results:    results,
			Action:     action,
			CapturedAt: verdict.DecidedAt,
		}
		if actx.From != nil {
			bundle.From = actx.From.Hex()
		}
		url, err := p.forensic.Upload(ctx, bundle)
		if err != nil {
			log.Printf("[Pipeline] forensic upload failed for %s: %v", actx.Target.Hex(), err)
		} else {
			verdict.ForensicURL = url
		}
	}

	p.persist(ctx, actx, score, action)

	if p.events != nil {
		p.events.BroadcastVerdict(verdict, actx.ChainID, actx.Target.Hex())
	}
	if p.metrics != nil {
		p.metrics.ObserveVerdict(action, time.Since(started))
	}
	return verdict
}

// destroyed checks the life-cycle trap: a contract the store previously saw
// as selfdestruct-capable now has empty bytecode at the head.
func (p *Pipeline) destroyed(ctx context.Context, actx *analyzer.Context, results []models.AnalyzerResult) bool {
	for _, r := range results {
		// Code carrying SELFDESTRUCT is still live, so not destroyed yet.
		if r.HasFlag(models.FlagSelfdestructCapable) {
			return false
		}
	}
	if p.store == nil {
		return false
	}

	prev, err := p.store.GetReputation(ctx, actx.ChainID, actx.Target.Hex())
	if err != nil || prev == nil {
		return false
	}
	wasCapable := false
	for _, f := range prev.Flags {
		if f == models.FlagSelfdestructCapable {
			wasCapable = true
			break
		}
	}
	if !wasCapable {
		return false
	}

	adapter, ok := p.adapters[actx.ChainID]
	if !ok {
		return false
	}
	codeAny, err := actx.Memo("bytecode", func() (any, error) {
		code, isContract, err := adapter.Bytecode(ctx, actx.Target)
		if err != nil {
			return nil, err
		}
		if !isContract {
			return []byte(nil), nil
		}
		return code, nil
	})
	if err != nil {
		return false
	}
	return len(codeAny.([]byte)) == 0
}

// persist updates the reputation row and verdict counters. Best effort.
func (p *Pipeline) persist(ctx context.Context, actx *analyzer.Context, score models.ShieldScore, action models.Action) {
	if p.store == nil {
		return
	}
	verified := true
	for _, f := range score.Flags {
		if f == models.FlagUnverified {
			verified = false
			break
		}
	}
	scamListed := false
	for _, f := range score.Flags {
		if f == models.FlagScamListed {
			scamListed = true
			break
		}
	}
	rep := models.ContractReputation{
		ChainID:    actx.ChainID,
		Address:    actx.Target,
		Composite:  score.Composite,
		Breakdown:  score.Breakdown,
		Flags:      score.Flags,
		Level:      score.Level,
		Verified:   verified,
		ScamListed: scamListed,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := p.store.UpsertReputation(ctx, rep); err != nil {
		log.Printf("[Pipeline] reputation upsert failed for %s: %v", actx.Target.Hex(), err)
		return
	}
	if err := p.store.BumpVerdictCount(ctx, actx.ChainID, actx.Target.Hex(), action); err != nil {
		log.Printf("[Pipeline] verdict counter bump failed for %s: %v", actx.Target.Hex(), err)
	}
}
