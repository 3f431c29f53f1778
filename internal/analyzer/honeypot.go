package analyzer

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txshield/firewall-engine/internal/chain"
	"github.com/txshield/firewall-engine/internal/services"
	"github.com/txshield/firewall-engine/pkg/models"
)

// majorTokens are whitelisted per chain: the honeypot check is skipped and
// the analyzer returns a clean result without an external call.
var majorTokens = map[int64]map[common.Address]string{
	1: {
		common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"): "WETH",
		common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"): "USDT",
		common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"): "USDC",
		common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"): "DAI",
	},
	56: {
		common.HexToAddress("0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"): "WBNB",
		common.HexToAddress("0x55d398326f99059fF775485246999027B3197955"): "USDT",
		common.HexToAddress("0xe9e7CEA3DedcA5984780Bafc599bD69ADd087D56"): "BUSD",
	},
	137: {
		common.HexToAddress("0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270"): "WMATIC",
		common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"): "USDC.e",
	},
}

// Honeypot runs the sell-path analysis: external simulation service first,
// adapter-level simulation as fallback.
type Honeypot struct {
	service  services.HoneypotFetcher
	sim      *services.SimulationService
	adapters map[int64]chain.Adapter
	weight   float64
}

func NewHoneypot(service services.HoneypotFetcher, sim *services.SimulationService,
	adapters map[int64]chain.Adapter, weight float64) *Honeypot {
	if weight <= 0 {
		weight = 0.15
	}
	return &Honeypot{service: service, sim: sim, adapters: adapters, weight: weight}
}

func (h *Honeypot) Tag() models.Category { return models.CategoryHoneypot }
func (h *Honeypot) Weight() float64      { return h.weight }
func (h *Honeypot) Required() []string   { return []string{services.SourceHoneypot} }
func (h *Honeypot) Optional() []string   { return []string{services.SourceSimulation} }

func (h *Honeypot) Run(ctx context.Context, actx *Context) models.AnalyzerResult {
	res := models.AnalyzerResult{Category: models.CategoryHoneypot, Confidence: 1.0}

	if symbol, ok := majorTokens[actx.ChainID][actx.Target]; ok {
		res.Findings = append(res.Findings, models.Finding{Code: "whitelisted", Message: symbol + " is a major token; honeypot check skipped"})
		return res
	}
	if !h.isToken(ctx, actx) {
		res.Confidence = 0
		return res
	}

	rec, err := h.service.Fetch(ctx, actx.ChainID, actx.Target)
	if err != nil {
		// External simulation failed; fall back to a local sell dry-run.
		res.Partial = true
		res.FailedSources = []string{services.SourceHoneypot}
		res.Confidence = 0.4
		h.fallback(ctx, actx, &res)
		return res
	}

	score := 0.0
	if rec.IsHoneypot == services.TriYes || rec.CanSell == services.TriNo {
		score = 80
		res.Flags = append(res.Flags, models.FlagHoneypotConfirmed)
	} else {
		switch {
		case rec.SellTax >= 0.50:
			score += 60
		case rec.BuyTax >= 0.15 || rec.SellTax >= 0.15:
			score += 25
		}
	}
	if rec.IsHoneypot == services.TriUnknown && rec.CanSell == services.TriUnknown {
		res.Confidence = 0.6
	}

	if score > 100 {
		score = 100
	}
	res.Score = score
	res.Payload = map[string]any{
		"buyTax":  rec.BuyTax,
		"sellTax": rec.SellTax,
		"reason":  rec.Reason,
	}
	return res
}

// fallback dry-runs a token sell (transfer back to the pool shape is not
// modeled; a plain transfer of 1 unit stands in). A revert without an
// articulated reason is the classic honeypot tell.
func (h *Honeypot) fallback(ctx context.Context, actx *Context, res *models.AnalyzerResult) {
	if h.sim == nil || actx.From == nil {
		return
	}

	data := make([]byte, 0, 68)
	sel := chain.SelectorFor("transfer(address,uint256)")
	data = append(data, sel[:]...)
	data = append(data, common.LeftPadBytes(actx.From.Bytes(), 32)...)
	one := make([]byte, 32)
	one[31] = 1
	data = append(data, one...)

	msg := chain.CallMsg{From: actx.From, To: &actx.Target, Data: data}
	result, err := h.sim.Run(ctx, actx.ChainID, msg)
	if err != nil || result == nil {
		return
	}
	if !result.Success {
		reason := strings.TrimSpace(result.RevertReason)
		if reason == "" || strings.Contains(strings.ToLower(reason), "revert") {
			res.Score = 40
			res.Findings = append(res.Findings, models.Finding{Code: "sell_reverts", Message: "token transfer reverts without a stated reason"})
		}
	}
	res.Confidence = 0.6
}

func (h *Honeypot) isToken(ctx context.Context, actx *Context) bool {
	adapter, ok := h.adapters[actx.ChainID]
	if !ok {
		return false
	}
	out, err := actx.Memo("is_token", func() (any, error) {
		raw, err := adapter.ReadView(ctx, actx.Target, chain.SelectorFor("totalSupply()"), nil)
		if err != nil {
			return false, nil
		}
		return len(raw) >= 32, nil
	})
	if err != nil {
		return false
	}
	return out.(bool)
}
