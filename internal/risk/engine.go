// Package risk composes analyzer results into a ShieldScore, applies the
// policy that turns scores into verdicts, and orchestrates the end-to-end
// evaluation pipeline.
package risk

import (
	"sort"

	"github.com/txshield/firewall-engine/pkg/models"
)

// Escalation floors, applied in order; the first matching rule wins.
const (
	floorHoneypot      = 80.0
	floorRugPull       = 85.0
	floorDestroyed     = 95.0
	floorZeroPrice     = 90.0
	floorApprovalDrain = 75.0
)

// majorWeight is the normalized weight above which a required-source
// failure caps overall confidence.
const majorWeight = 0.15

// Input is everything Compose needs. The engine is pure: no I/O, and the
// same input always yields a bit-identical ShieldScore.
type Input struct {
	Results  []models.AnalyzerResult
	Weights  map[models.Category]float64 // normalized base weights
	BonusCap float64                     // cap on intent+signature additive bonuses
	Mode     models.PolicyMode

	// Destroyed is set by the caller when a previously selfdestruct-capable
	// contract now has empty bytecode at the chain head.
	Destroyed bool
}

// Compose runs the composition formula: weighted base, capped additive
// bonuses, ordered escalation floors, then reductions that never undercut
// an active floor.
func Compose(in Input) models.ShieldScore {
	score := models.ShieldScore{
		Breakdown:  make(map[models.Category]float64, len(in.Results)),
		PolicyMode: in.Mode,
	}

	base := 0.0
	bonus := 0.0
	flagSet := map[models.Flag]bool{}
	var flags []models.Flag
	failed := map[string]bool{}

	for _, r := range in.Results {
		score.Breakdown[r.Category] = r.Score
		if w, weighted := in.Weights[r.Category]; weighted {
			base += r.Score * w
		} else {
			bonus += r.Score
		}
		for _, f := range r.Flags {
			if !flagSet[f] {
				flagSet[f] = true
				flags = append(flags, f)
			}
		}
		if r.Partial {
			score.Partial = true
		}
		for _, src := range r.FailedSources {
			failed[src] = true
		}
	}

	bonusCap := in.BonusCap
	if bonusCap <= 0 {
		bonusCap = 40
	}
	if bonus > bonusCap {
		bonus = bonusCap
	}

	composite := base + bonus
	if composite > 100 {
		composite = 100
	}

	// Escalation floors. Order matters; first match wins.
	floor := 0.0
	switch {
	case flagSet[models.FlagHoneypotConfirmed]:
		floor = floorHoneypot
	case rugPullPattern(flagSet, score.Breakdown[models.CategoryMarket]):
		floor = floorRugPull
	case flagSet[models.FlagSelfdestructCapable] && in.Destroyed:
		floor = floorDestroyed
		if !flagSet[models.FlagContractDestroyed] {
			flagSet[models.FlagContractDestroyed] = true
			flags = append(flags, models.FlagContractDestroyed)
		}
	case flagSet[models.FlagZeroPriceOrder]:
		floor = floorZeroPrice
	case approvalDrainPattern(flagSet):
		floor = floorApprovalDrain
	}
	if composite < floor {
		composite = floor
	}

	// Reductions apply after escalation and never push below the floor.
	if reductionEligible(in.Results) {
		reduced := composite - 20
		if reduced < floor {
			reduced = floor
		}
		if reduced < 0 {
			reduced = 0
		}
		composite = reduced
	}

	score.Composite = composite
	score.Level = levelFor(composite)
	score.Flags = orderFlags(flags)
	score.Archetype = archetypeFor(flagSet, composite)
	score.Confidence = confidence(in.Results, in.Weights)
	score.FailedSources = sortedKeys(failed)
	return score
}

// approvalDrainPattern: an unlimited spending grant where the party gaining
// authority (or the asset itself) is an unverified contract fresh enough to
// have no track record. The classic drainer setup.
func approvalDrainPattern(flags map[models.Flag]bool) bool {
	return flags[models.FlagUnlimitedApproval] &&
		flags[models.FlagUnverified] && flags[models.FlagNewContract]
}

// rugPullPattern: privileged supply/upgrade control with an active owner
// over a market that already looks distressed.
func rugPullPattern(flags map[models.Flag]bool, marketScore float64) bool {
	return (flags[models.FlagMintOpen] || flags[models.FlagUpgradeableProxy]) &&
		flags[models.FlagOwnerActive] && marketScore >= 40
}

// reductionEligible requires a renounced, verified, aged contract with deep
// liquidity. Structural and market publish the inputs through payloads.
func reductionEligible(results []models.AnalyzerResult) bool {
	structuralOK := false
	liquidity := 0.0
	for _, r := range results {
		switch r.Category {
		case models.CategoryStructural:
			if v, ok := r.Payload["reductionEligible"].(bool); ok {
				structuralOK = v
			}
		case models.CategoryMarket:
			if v, ok := r.Payload["liquidityUsd"].(float64); ok {
				liquidity = v
			}
		}
	}
	return structuralOK && liquidity > 250_000
}

func levelFor(composite float64) models.RiskLevel {
	switch {
	case composite < 31:
		return models.RiskLow
	case composite < 71:
		return models.RiskMedium
	default:
		return models.RiskHigh
	}
}

// flagPriority orders critical flags so escalation-relevant ones lead.
var flagPriority = map[models.Flag]int{
	models.FlagHoneypotConfirmed:   0,
	models.FlagZeroPriceOrder:      1,
	models.FlagContractDestroyed:   2,
	models.FlagSelfdestructCapable: 3,
	models.FlagMintOpen:            4,
	models.FlagUpgradeableProxy:    5,
	models.FlagPermitUnlimited:     6,
	models.FlagUnlimitedApproval:   7,
	models.FlagDisguisedSelector:   8,
	models.FlagScamListed:          9,
	models.FlagBlacklistFn:         10,
	models.FlagOwnerActive:         11,
	models.FlagUnverified:          12,
	models.FlagNewContract:         13,
	models.FlagNoLiquidity:         14,
}

func orderFlags(flags []models.Flag) []models.Flag {
	sort.SliceStable(flags, func(i, j int) bool {
		return flagPriority[flags[i]] < flagPriority[flags[j]]
	})
	return flags
}

// archetypeFor maps the dominant flag to the threat shape, in fixed
// priority order.
func archetypeFor(flags map[models.Flag]bool, composite float64) models.Archetype {
	switch {
	case flags[models.FlagHoneypotConfirmed]:
		return models.ArchetypeHoneypot
	case flags[models.FlagZeroPriceOrder] || flags[models.FlagPermitUnlimited]:
		return models.ArchetypeSignatureAbuse
	case flags[models.FlagContractDestroyed]:
		return models.ArchetypeRugPull
	case (flags[models.FlagMintOpen] || flags[models.FlagUpgradeableProxy] || flags[models.FlagSelfdestructCapable]) && flags[models.FlagOwnerActive]:
		return models.ArchetypeRugPull
	case flags[models.FlagUnlimitedApproval]:
		return models.ArchetypeApprovalDrain
	case flags[models.FlagNewContract] && flags[models.FlagUnverified]:
		return models.ArchetypeSuspiciousNew
	case composite < 31:
		return models.ArchetypeClean
	default:
		return models.ArchetypeUnknown
	}
}

// confidence is the weighted mean of analyzer confidences scaled by the
// fraction of required sources that responded, capped at 0.6 when a major
// analyzer lost a required source.
func confidence(results []models.AnalyzerResult, weights map[models.Category]float64) float64 {
	weightedSum := 0.0
	weightTotal := 0.0
	majorFailed := false
	requiredTotal := 0
	requiredFailed := 0

	for _, r := range results {
		w, weighted := weights[r.Category]
		if !weighted {
			continue
		}
		weightedSum += r.Confidence * w
		weightTotal += w
		requiredTotal++
		if r.Partial {
			requiredFailed++
			if w > majorWeight {
				majorFailed = true
			}
		}
	}
	if weightTotal == 0 {
		return 0
	}

	conf := weightedSum / weightTotal
	if requiredTotal > 0 {
		conf *= float64(requiredTotal-requiredFailed)/float64(requiredTotal)*0.5 + 0.5
	}
	if majorFailed && conf > 0.6 {
		conf = 0.6
	}
	return conf
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
