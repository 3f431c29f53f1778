package analyzer

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txshield/firewall-engine/internal/chain"
	"github.com/txshield/firewall-engine/pkg/models"
)

var (
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	// Amounts beyond 10^9 tokens at 18 decimals are treated as effectively
	// unlimited even when they are not the exact max sentinel.
	effectivelyUnlimited = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
)

// Intent compares what the calldata actually does against what it claims to
// do. Pure: no I/O, no data-service dependencies; contributes an additive
// bonus rather than a weighted category.
type Intent struct{}

func NewIntent() *Intent { return &Intent{} }

func (i *Intent) Tag() models.Category { return models.CategoryIntent }
func (i *Intent) Weight() float64      { return 0 }
func (i *Intent) Required() []string   { return nil }
func (i *Intent) Optional() []string   { return nil }

func (i *Intent) Run(_ context.Context, actx *Context) models.AnalyzerResult {
	res := models.AnalyzerResult{Category: models.CategoryIntent, Confidence: 1.0}
	call := actx.Call
	if len(call.Raw) < 4 {
		return res
	}

	score := 0.0

	switch call.Name {
	case "approve", "increaseAllowance":
		if amount, ok := argBig(call, 1); ok && isUnlimited(amount) {
			score += 25
			res.Flags = append(res.Flags, models.FlagUnlimitedApproval)
			res.Payload = map[string]any{"approvalAmount": amount.String()}
		}
	case "setApprovalForAll":
		if approved, ok := argBool(call, 1); ok && approved {
			// Collection-wide operator grant is the NFT equivalent of an
			// unlimited approval.
			score += 25
			res.Flags = append(res.Flags, models.FlagUnlimitedApproval)
		}
	case "transferFrom", "safeTransferFrom":
		if src, ok := argAddr(call, 0); ok && actx.From != nil && src != *actx.From {
			score += 20
			res.Findings = append(res.Findings, models.Finding{
				Code:    "third_party_transfer",
				Message: "transferFrom moves funds from an address other than the caller",
			})
		}
	}

	// Two disguise shapes: a claimed function name whose canonical selector
	// is not the one on the wire, and calldata too short to hold the head
	// words its selector declares.
	disguised := !chain.ArgCountConsistent(call)
	if sel, known := chain.SelectorByName(call.Name); known && sel != call.Selector {
		disguised = true
	}
	if disguised {
		score += 35
		res.Flags = append(res.Flags, models.FlagDisguisedSelector)
	}

	res.Score = score
	return res
}

func isUnlimited(amount *big.Int) bool {
	return amount.Cmp(maxUint256) == 0 || amount.Cmp(effectivelyUnlimited) > 0
}

func argBig(call chain.DecodedCall, idx int) (*big.Int, bool) {
	if idx >= len(call.Args) {
		return nil, false
	}
	v, ok := call.Args[idx].(*big.Int)
	return v, ok
}

func argAddr(call chain.DecodedCall, idx int) (common.Address, bool) {
	if idx >= len(call.Args) {
		return common.Address{}, false
	}
	v, ok := call.Args[idx].(common.Address)
	return v, ok
}

func argBool(call chain.DecodedCall, idx int) (bool, bool) {
	if idx >= len(call.Args) {
		return false, false
	}
	v, ok := call.Args[idx].(bool)
	return v, ok
}
