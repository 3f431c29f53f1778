package risk

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txshield/firewall-engine/internal/analyzer"
	"github.com/txshield/firewall-engine/internal/chain"
	"github.com/txshield/firewall-engine/pkg/models"
)

// flatAnalyzer holds a weight slot with a zero score so the registry
// normalizes the way production does.
type flatAnalyzer struct {
	tag    models.Category
	weight float64
}

func (f *flatAnalyzer) Tag() models.Category { return f.tag }
func (f *flatAnalyzer) Weight() float64      { return f.weight }
func (f *flatAnalyzer) Required() []string   { return nil }
func (f *flatAnalyzer) Optional() []string   { return nil }
func (f *flatAnalyzer) Run(context.Context, *analyzer.Context) models.AnalyzerResult {
	return models.AnalyzerResult{Category: f.tag, Confidence: 1.0}
}

// cannedAdapter serves fixed bytecode and verification data per address.
type cannedAdapter struct {
	contracts map[common.Address][]byte
	infos     map[common.Address]chain.VerificationInfo
}

func (a *cannedAdapter) ChainID() int64 { return 1 }
func (a *cannedAdapter) Bytecode(_ context.Context, addr common.Address) ([]byte, bool, error) {
	code, ok := a.contracts[addr]
	return code, ok, nil
}
func (a *cannedAdapter) VerificationInfo(_ context.Context, addr common.Address) (chain.VerificationInfo, error) {
	return a.infos[addr], nil
}
func (a *cannedAdapter) ReadView(context.Context, common.Address, [4]byte, []byte) ([]byte, error) {
	return nil, errors.New("no view calls")
}
func (a *cannedAdapter) DecodeCall(data []byte) chain.DecodedCall { return chain.Decode(data) }
func (a *cannedAdapter) EstimateGas(context.Context, chain.CallMsg) (uint64, error) {
	return 21000, nil
}
func (a *cannedAdapter) Simulate(context.Context, chain.CallMsg) (*chain.SimulationResult, error) {
	return nil, errors.New("no simulation")
}
func (a *cannedAdapter) ListApprovals(context.Context, common.Address, string, int) ([]models.ApprovalRecord, string, error) {
	return nil, "", nil
}
func (a *cannedAdapter) TokenMeta(context.Context, common.Address) (chain.TokenMeta, error) {
	return chain.TokenMeta{}, nil
}
func (a *cannedAdapter) Healthy() bool { return true }

// An unlimited approve on a reputable token, granted to an unverified
// hour-old contract, must block: the danger lives in the spender.
func TestEvaluateBlocksUnlimitedApprovalToFreshSpender(t *testing.T) {
	token := common.HexToAddress("0x0000000000000000000000000000000000000f01")
	spender := common.HexToAddress("0x0000000000000000000000000000000000000f02")
	code := []byte{0x60, 0x80, 0x60, 0x40, 0x52}
	adapter := &cannedAdapter{
		contracts: map[common.Address][]byte{token: code, spender: code},
		infos: map[common.Address]chain.VerificationInfo{
			token:   {Verified: true, AgeSeconds: 2 * 365 * 24 * 3600},
			spender: {Verified: false, AgeSeconds: 3600},
		},
	}

	reg := analyzer.NewRegistry()
	for _, a := range []analyzer.Analyzer{
		analyzer.NewStructural(map[int64]chain.Adapter{1: adapter}, 0.40),
		&flatAnalyzer{models.CategoryMarket, 0.25},
		&flatAnalyzer{models.CategoryBehavioral, 0.20},
		&flatAnalyzer{models.CategoryHoneypot, 0.15},
		analyzer.NewIntent(),
	} {
		if err := reg.Register(a); err != nil {
			t.Fatal(err)
		}
	}
	pipeline := NewPipeline(PipelineOptions{
		Registry:        reg,
		Policy:          NewPolicy(models.PolicyBalanced, 50),
		RequestDeadline: time.Second,
	})

	maxVal := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	sel := chain.SelectorFor("approve(address,uint256)")
	calldata := append(sel[:], common.LeftPadBytes(spender.Bytes(), 32)...)
	calldata = append(calldata, common.LeftPadBytes(maxVal.Bytes(), 32)...)

	actx := analyzer.NewContext("req-drain", 1, token, calldata)
	actx.Call = chain.Decode(calldata)
	actx.Deadline = time.Now().Add(time.Second)

	verdict := pipeline.Evaluate(context.Background(), actx)
	if verdict.Action != models.ActionBlock {
		t.Fatalf("Action = %s (composite %.1f), want BLOCK", verdict.Action, verdict.Score.Composite)
	}
	if verdict.Score.Composite < 71 {
		t.Errorf("Composite = %v, want >= 71", verdict.Score.Composite)
	}
	for _, want := range []models.Flag{
		models.FlagUnlimitedApproval, models.FlagUnverified, models.FlagNewContract,
	} {
		found := false
		for _, f := range verdict.Score.Flags {
			if f == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("flags = %v, missing %s", verdict.Score.Flags, want)
		}
	}
}
