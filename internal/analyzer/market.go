package analyzer

import (
	"context"
	"time"

	"github.com/txshield/firewall-engine/internal/chain"
	"github.com/txshield/firewall-engine/internal/services"
	"github.com/txshield/firewall-engine/pkg/models"
)

// Market evaluates DEX liquidity, pair age, and trading-pattern anomalies
// for token targets. Non-token targets score a neutral 0 with confidence 0.
type Market struct {
	market   services.MarketFetcher
	adapters map[int64]chain.Adapter
	weight   float64
}

func NewMarket(market services.MarketFetcher, adapters map[int64]chain.Adapter, weight float64) *Market {
	if weight <= 0 {
		weight = 0.25
	}
	return &Market{market: market, adapters: adapters, weight: weight}
}

func (m *Market) Tag() models.Category { return models.CategoryMarket }
func (m *Market) Weight() float64      { return m.weight }
func (m *Market) Required() []string   { return []string{services.SourceMarket} }
func (m *Market) Optional() []string   { return []string{services.SourceChainRPC} }

func (m *Market) Run(ctx context.Context, actx *Context) models.AnalyzerResult {
	res := models.AnalyzerResult{Category: models.CategoryMarket, Confidence: 1.0}

	if !m.isToken(ctx, actx) {
		// Not a token-looking contract: neutral, N/A.
		res.Confidence = 0
		return res
	}

	rec, err := m.market.Fetch(ctx, actx.ChainID, actx.Target)
	if err != nil {
		res.Partial = true
		res.Confidence = 0
		res.FailedSources = []string{services.SourceMarket}
		return res
	}

	score := 0.0
	if !rec.HasPair {
		res.Flags = append(res.Flags, models.FlagNoLiquidity)
		res.Score = 30
		return res
	}

	switch {
	case rec.LiquidityUSD < 2_000:
		score += 40
	case rec.LiquidityUSD < 10_000:
		score += 25
	}

	switch age := time.Duration(rec.PairAgeSeconds) * time.Second; {
	case rec.PairAgeSeconds == 0:
		// pair age unknown
	case age < time.Hour:
		score += 25
	case age < 24*time.Hour:
		score += 15
	}

	// 24h volume dwarfing the fully-diluted value is a pump fingerprint.
	if rec.FDVUSD > 0 && rec.Volume24hUSD/rec.FDVUSD > 1.5 {
		score += 20
		res.Findings = append(res.Findings, models.Finding{Code: "volume_anomaly", Message: "24h volume exceeds 1.5x FDV"})
	}

	score += rec.WashScore * 15

	if score > 100 {
		score = 100
	}
	res.Score = score
	res.Payload = map[string]any{
		"liquidityUsd":   rec.LiquidityUSD,
		"pairAgeSeconds": rec.PairAgeSeconds,
		"washScore":      rec.WashScore,
	}
	return res
}

// isToken probes totalSupply(); tokens answer, everything else reverts.
// The probe result is memoized for the honeypot analyzer.
func (m *Market) isToken(ctx context.Context, actx *Context) bool {
	adapter, ok := m.adapters[actx.ChainID]
	if !ok {
		return false
	}
	out, err := actx.Memo("is_token", func() (any, error) {
		raw, err := adapter.ReadView(ctx, actx.Target, chain.SelectorFor("totalSupply()"), nil)
		if err != nil {
			return false, nil // revert or EOA: not a token; probe errors are not failures
		}
		return len(raw) >= 32, nil
	})
	if err != nil {
		return false
	}
	return out.(bool)
}
