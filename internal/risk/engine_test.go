package risk

import (
	"math"
	"reflect"
	"testing"

	"github.com/txshield/firewall-engine/pkg/models"
)

func baseWeights() map[models.Category]float64 {
	return map[models.Category]float64{
		models.CategoryStructural: 0.40,
		models.CategoryMarket:     0.25,
		models.CategoryBehavioral: 0.20,
		models.CategoryHoneypot:   0.15,
	}
}

func result(cat models.Category, score float64, flags ...models.Flag) models.AnalyzerResult {
	return models.AnalyzerResult{Category: cat, Score: score, Confidence: 1.0, Flags: flags}
}

func TestComposeWeightedBase(t *testing.T) {
	in := Input{
		Results: []models.AnalyzerResult{
			result(models.CategoryStructural, 50),
			result(models.CategoryMarket, 20),
			result(models.CategoryBehavioral, 0),
			result(models.CategoryHoneypot, 0),
		},
		Weights: baseWeights(),
	}
	score := Compose(in)

	want := 50*0.40 + 20*0.25
	if math.Abs(score.Composite-want) > 0.001 {
		t.Errorf("Composite = %v, want %v", score.Composite, want)
	}
	if score.Level != models.RiskLow {
		t.Errorf("Level = %v, want LOW", score.Level)
	}
}

func TestComposeIsDeterministic(t *testing.T) {
	in := Input{
		Results: []models.AnalyzerResult{
			result(models.CategoryStructural, 73, models.FlagUnverified, models.FlagNewContract),
			result(models.CategoryMarket, 55, models.FlagNoLiquidity),
			result(models.CategoryBehavioral, 35, models.FlagScamListed),
			result(models.CategoryHoneypot, 0),
			result(models.CategoryIntent, 25, models.FlagUnlimitedApproval),
		},
		Weights: baseWeights(),
	}
	first := Compose(in)
	for i := 0; i < 50; i++ {
		if got := Compose(in); !reflect.DeepEqual(got, first) {
			t.Fatalf("Compose diverged on run %d: %+v vs %+v", i, got, first)
		}
	}
}

func TestComposeBonusCap(t *testing.T) {
	in := Input{
		Results: []models.AnalyzerResult{
			result(models.CategoryStructural, 0),
			result(models.CategoryIntent, 35, models.FlagDisguisedSelector),
			result(models.CategorySignature, 40, models.FlagPermitUnlimited),
		},
		Weights:  map[models.Category]float64{models.CategoryStructural: 1.0},
		BonusCap: 40,
	}
	score := Compose(in)

	// 35+40 = 75 of additive bonus, capped at 40.
	if score.Composite != 40 {
		t.Errorf("Composite = %v, want 40 (bonus cap)", score.Composite)
	}
}

func TestComposeEscalationFloors(t *testing.T) {
	tests := []struct {
		name      string
		results   []models.AnalyzerResult
		destroyed bool
		wantMin   float64
		wantArch  models.Archetype
	}{
		{
			name: "honeypot confirmed floors at 80",
			results: []models.AnalyzerResult{
				result(models.CategoryHoneypot, 80, models.FlagHoneypotConfirmed),
			},
			wantMin:  80,
			wantArch: models.ArchetypeHoneypot,
		},
		{
			name: "rug pull pattern floors at 85",
			results: []models.AnalyzerResult{
				result(models.CategoryStructural, 30, models.FlagMintOpen, models.FlagOwnerActive),
				result(models.CategoryMarket, 45),
			},
			wantMin:  85,
			wantArch: models.ArchetypeRugPull,
		},
		{
			name: "destroyed contract floors at 95",
			results: []models.AnalyzerResult{
				result(models.CategoryStructural, 20, models.FlagSelfdestructCapable),
			},
			destroyed: true,
			wantMin:   95,
			wantArch:  models.ArchetypeRugPull,
		},
		{
			name: "zero price order floors at 90",
			results: []models.AnalyzerResult{
				result(models.CategorySignature, 60, models.FlagZeroPriceOrder),
			},
			wantMin:  90,
			wantArch: models.ArchetypeSignatureAbuse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := Compose(Input{Results: tt.results, Weights: baseWeights(), Destroyed: tt.destroyed})
			if score.Composite < tt.wantMin {
				t.Errorf("Composite = %v, want >= %v", score.Composite, tt.wantMin)
			}
			if score.Archetype != tt.wantArch {
				t.Errorf("Archetype = %v, want %v", score.Archetype, tt.wantArch)
			}
			if score.Level != models.RiskHigh {
				t.Errorf("Level = %v, want HIGH", score.Level)
			}
		})
	}
}

func TestComposeApprovalDrainFloor(t *testing.T) {
	// Unlimited grant plus an unverified day-old contract in the flow: the
	// weighted base alone lands mid-range, the floor forces a block-level
	// composite.
	score := Compose(Input{
		Results: []models.AnalyzerResult{
			result(models.CategoryStructural, 65, models.FlagUnverified, models.FlagNewContract),
			result(models.CategoryMarket, 0),
			result(models.CategoryBehavioral, 0),
			result(models.CategoryHoneypot, 0),
			result(models.CategoryIntent, 25, models.FlagUnlimitedApproval),
		},
		Weights: baseWeights(),
	})
	if score.Composite < 71 {
		t.Errorf("Composite = %v, want >= 71", score.Composite)
	}
	if score.Level != models.RiskHigh {
		t.Errorf("Level = %v, want HIGH", score.Level)
	}
	if score.Archetype != models.ArchetypeApprovalDrain {
		t.Errorf("Archetype = %v, want approval-drain", score.Archetype)
	}

	// Without the freshness signal the same grant stays below the floor.
	tame := Compose(Input{
		Results: []models.AnalyzerResult{
			result(models.CategoryStructural, 35, models.FlagUnverified),
			result(models.CategoryIntent, 25, models.FlagUnlimitedApproval),
		},
		Weights: baseWeights(),
	})
	if tame.Composite >= 71 {
		t.Errorf("Composite = %v, floor fired without NEW_CONTRACT", tame.Composite)
	}
}

func TestComposeHoneypotBeatsRugPull(t *testing.T) {
	// Both patterns present; honeypot is checked first so the floor is 80.
	score := Compose(Input{
		Results: []models.AnalyzerResult{
			result(models.CategoryStructural, 10, models.FlagMintOpen, models.FlagOwnerActive),
			result(models.CategoryMarket, 50),
			result(models.CategoryHoneypot, 80, models.FlagHoneypotConfirmed),
		},
		Weights: baseWeights(),
	})
	if score.Composite != 80 {
		t.Errorf("Composite = %v, want exactly the honeypot floor 80", score.Composite)
	}
	if score.Archetype != models.ArchetypeHoneypot {
		t.Errorf("Archetype = %v, want honeypot", score.Archetype)
	}
}

func TestComposeDestroyedAddsFlag(t *testing.T) {
	score := Compose(Input{
		Results: []models.AnalyzerResult{
			result(models.CategoryStructural, 20, models.FlagSelfdestructCapable),
		},
		Weights:   baseWeights(),
		Destroyed: true,
	})
	found := false
	for _, f := range score.Flags {
		if f == models.FlagContractDestroyed {
			found = true
		}
	}
	if !found {
		t.Error("expected CONTRACT_DESTROYED flag after escalation")
	}
}

func TestComposeReduction(t *testing.T) {
	structural := result(models.CategoryStructural, 40)
	structural.Payload = map[string]any{"reductionEligible": true}
	market := result(models.CategoryMarket, 20)
	market.Payload = map[string]any{"liquidityUsd": 500_000.0}

	withReduction := Compose(Input{
		Results: []models.AnalyzerResult{structural, market},
		Weights: baseWeights(),
	})
	without := Compose(Input{
		Results: []models.AnalyzerResult{result(models.CategoryStructural, 40), result(models.CategoryMarket, 20)},
		Weights: baseWeights(),
	})

	if diff := without.Composite - withReduction.Composite; math.Abs(diff-20) > 0.001 {
		t.Errorf("reduction = %v, want 20", diff)
	}
}

func TestComposeReductionNeverBelowFloor(t *testing.T) {
	structural := result(models.CategoryStructural, 40)
	structural.Payload = map[string]any{"reductionEligible": true}
	market := result(models.CategoryMarket, 20)
	market.Payload = map[string]any{"liquidityUsd": 500_000.0}
	honeypot := result(models.CategoryHoneypot, 80, models.FlagHoneypotConfirmed)

	score := Compose(Input{
		Results: []models.AnalyzerResult{structural, market, honeypot},
		Weights: baseWeights(),
	})
	if score.Composite < 80 {
		t.Errorf("Composite = %v, reduction undercut the honeypot floor", score.Composite)
	}
}

func TestComposeShallowLiquidityBlocksReduction(t *testing.T) {
	structural := result(models.CategoryStructural, 40)
	structural.Payload = map[string]any{"reductionEligible": true}
	market := result(models.CategoryMarket, 20)
	market.Payload = map[string]any{"liquidityUsd": 10_000.0}

	withShallow := Compose(Input{
		Results: []models.AnalyzerResult{structural, market},
		Weights: baseWeights(),
	})
	plain := Compose(Input{
		Results: []models.AnalyzerResult{result(models.CategoryStructural, 40), result(models.CategoryMarket, 20)},
		Weights: baseWeights(),
	})
	if withShallow.Composite != plain.Composite {
		t.Errorf("reduction applied with shallow liquidity: %v vs %v", withShallow.Composite, plain.Composite)
	}
}

func TestComposeCapsAt100(t *testing.T) {
	score := Compose(Input{
		Results: []models.AnalyzerResult{
			result(models.CategoryStructural, 100),
			result(models.CategoryMarket, 100),
			result(models.CategoryBehavioral, 100),
			result(models.CategoryHoneypot, 100),
			result(models.CategoryIntent, 100),
		},
		Weights:  baseWeights(),
		BonusCap: 40,
	})
	if score.Composite > 100 {
		t.Errorf("Composite = %v, want <= 100", score.Composite)
	}
}

func TestConfidenceScalesWithFailures(t *testing.T) {
	full := Compose(Input{
		Results: []models.AnalyzerResult{
			result(models.CategoryStructural, 10),
			result(models.CategoryMarket, 10),
		},
		Weights: map[models.Category]float64{
			models.CategoryStructural: 0.6,
			models.CategoryMarket:     0.4,
		},
	})

	partial := result(models.CategoryMarket, 10)
	partial.Partial = true
	partial.Confidence = 0
	partial.FailedSources = []string{"market"}
	degraded := Compose(Input{
		Results: []models.AnalyzerResult{result(models.CategoryStructural, 10), partial},
		Weights: map[models.Category]float64{
			models.CategoryStructural: 0.6,
			models.CategoryMarket:     0.4,
		},
	})

	if degraded.Confidence >= full.Confidence {
		t.Errorf("confidence did not drop on partial result: %v >= %v", degraded.Confidence, full.Confidence)
	}
	if !degraded.Partial {
		t.Error("Partial not propagated to the composite score")
	}
	if len(degraded.FailedSources) != 1 || degraded.FailedSources[0] != "market" {
		t.Errorf("FailedSources = %v, want [market]", degraded.FailedSources)
	}
}

func TestConfidenceCappedOnMajorFailure(t *testing.T) {
	partial := result(models.CategoryStructural, 10)
	partial.Partial = true
	partial.Confidence = 1.0 // even a confident-looking partial from a major analyzer caps

	score := Compose(Input{
		Results: []models.AnalyzerResult{partial, result(models.CategoryMarket, 10)},
		Weights: map[models.Category]float64{
			models.CategoryStructural: 0.6,
			models.CategoryMarket:     0.4,
		},
	})
	if score.Confidence > 0.6 {
		t.Errorf("Confidence = %v, want <= 0.6 when a major analyzer is partial", score.Confidence)
	}
}

func TestFlagOrdering(t *testing.T) {
	score := Compose(Input{
		Results: []models.AnalyzerResult{
			result(models.CategoryStructural, 50, models.FlagUnverified, models.FlagNewContract),
			result(models.CategoryHoneypot, 80, models.FlagHoneypotConfirmed),
		},
		Weights: baseWeights(),
	})
	if len(score.Flags) == 0 || score.Flags[0] != models.FlagHoneypotConfirmed {
		t.Errorf("Flags = %v, want HONEYPOT_CONFIRMED first", score.Flags)
	}
}

func TestLevelBoundaries(t *testing.T) {
	tests := []struct {
		composite float64
		want      models.RiskLevel
	}{
		{0, models.RiskLow},
		{30.99, models.RiskLow},
		{31, models.RiskMedium},
		{70.99, models.RiskMedium},
		{71, models.RiskHigh},
		{100, models.RiskHigh},
	}
	for _, tt := range tests {
		if got := levelFor(tt.composite); got != tt.want {
			t.Errorf("levelFor(%v) = %v, want %v", tt.composite, got, tt.want)
		}
	}
}

func TestArchetypePriority(t *testing.T) {
	tests := []struct {
		name  string
		flags []models.Flag
		comp  float64
		want  models.Archetype
	}{
		{"honeypot beats signature abuse", []models.Flag{models.FlagHoneypotConfirmed, models.FlagPermitUnlimited}, 90, models.ArchetypeHoneypot},
		{"approval drain", []models.Flag{models.FlagUnlimitedApproval}, 40, models.ArchetypeApprovalDrain},
		{"suspicious new", []models.Flag{models.FlagNewContract, models.FlagUnverified}, 50, models.ArchetypeSuspiciousNew},
		{"clean when low", nil, 10, models.ArchetypeClean},
		{"unknown when elevated without pattern", nil, 50, models.ArchetypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := map[models.Flag]bool{}
			for _, f := range tt.flags {
				set[f] = true
			}
			if got := archetypeFor(set, tt.comp); got != tt.want {
				t.Errorf("archetypeFor = %v, want %v", got, tt.want)
			}
		})
	}
}
