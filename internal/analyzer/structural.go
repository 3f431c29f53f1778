package analyzer

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txshield/firewall-engine/internal/chain"
	"github.com/txshield/firewall-engine/internal/services"
	"github.com/txshield/firewall-engine/pkg/models"
)

// Structural inspects the target contract itself: verification state, age,
// dangerous bytecode capabilities, privileged source patterns, ownership.
type Structural struct {
	adapters map[int64]chain.Adapter
	weight   float64
}

func NewStructural(adapters map[int64]chain.Adapter, weight float64) *Structural {
	if weight <= 0 {
		weight = 0.40
	}
	return &Structural{adapters: adapters, weight: weight}
}

func (s *Structural) Tag() models.Category { return models.CategoryStructural }
func (s *Structural) Weight() float64      { return s.weight }
func (s *Structural) Required() []string {
	return []string{services.SourceChainRPC, services.SourceExplorer}
}
func (s *Structural) Optional() []string { return nil }

func (s *Structural) Run(ctx context.Context, actx *Context) models.AnalyzerResult {
	res := models.AnalyzerResult{Category: models.CategoryStructural, Confidence: 1.0}

	adapter, ok := s.adapters[actx.ChainID]
	if !ok {
		res.Partial = true
		res.Confidence = 0
		res.FailedSources = []string{services.SourceChainRPC}
		return res
	}

	score := s.assess(ctx, adapter, actx, actx.Target, true, &res)

	// Approval-style calls hand authority to the counterparty named in the
	// calldata. The asset contract can be blameless while the grantee is a
	// day-old unverified drainer, so the grantee gets the same inspection
	// and the riskier of the two addresses sets the category score.
	if grantee, granting := grantCounterparty(actx); granting && grantee != actx.Target {
		if cp := s.assess(ctx, adapter, actx, grantee, false, &res); cp > score {
			score = cp
		}
	}

	res.Score = score
	return res
}

// assess scores one address. The target address additionally carries the
// partial/failed-source bookkeeping, the ownership probe, and reduction
// eligibility; a grant counterparty contributes only its risk signals.
func (s *Structural) assess(ctx context.Context, adapter chain.Adapter, actx *Context,
	addr common.Address, isTarget bool, res *models.AnalyzerResult) float64 {

	// The target's cache keys stay unprefixed so other analyzers share them.
	memoKey := func(kind string) string {
		if isTarget {
			return kind
		}
		return kind + ":" + strings.ToLower(addr.Hex())
	}

	codeAny, err := actx.Memo(memoKey("bytecode"), func() (any, error) {
		code, isContract, err := adapter.Bytecode(ctx, addr)
		if err != nil {
			return nil, err
		}
		if !isContract {
			return []byte(nil), nil
		}
		return code, nil
	})
	if err != nil {
		if isTarget {
			res.Partial = true
			res.Confidence = 0
			res.FailedSources = append(res.FailedSources, services.SourceChainRPC)
		}
		return 0
	}
	code := codeAny.([]byte)
	if len(code) == 0 {
		// EOA: nothing structural to assess.
		return 0
	}

	score := 0.0

	infoAny, verr := actx.Memo(memoKey("verification"), func() (any, error) {
		info, err := adapter.VerificationInfo(ctx, addr)
		return info, err
	})
	var info chain.VerificationInfo
	if verr != nil {
		if isTarget {
			res.Partial = true
			res.FailedSources = append(res.FailedSources, services.SourceExplorer)
			res.Confidence = 0.5
		}
		// No verification data: score as unverified but keep going on
		// the bytecode signals we do have.
		score += 35
		res.Flags = append(res.Flags, models.FlagUnverified)
	} else {
		info = infoAny.(chain.VerificationInfo)
		if !info.Verified {
			score += 35
			res.Flags = append(res.Flags, models.FlagUnverified)
		}
		switch age := time.Duration(info.AgeSeconds) * time.Second; {
		case info.AgeSeconds == 0:
			// creation time unknown; no age signal
		case age < 24*time.Hour:
			score += 30
			res.Flags = append(res.Flags, models.FlagNewContract)
		case age < 7*24*time.Hour:
			score += 15
			res.Flags = append(res.Flags, models.FlagNewContract)
		case age < 30*24*time.Hour:
			score += 8
		}
	}

	traits := scanBytecode(code)
	score += s.bytecodeDelta(traits, res)

	if info.Verified && info.SourceCode != "" {
		score += sourceDelta(info.SourceCode, res)
	}

	if isTarget {
		renounced := s.ownerRenounced(ctx, adapter, actx, res)

		// Long-lived, verified, renounced contracts earn a reduction. The same
		// eligibility feeds the engine-level reduction once liquidity depth is
		// known, so it is published on the payload.
		if renounced && info.Verified && info.AgeSeconds > 180*24*3600 {
			score -= 20
			res.Payload = map[string]any{"reductionEligible": true}
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

// grantCounterparty returns the address the decoded call hands spending or
// operator authority to. Revocations (zero amount, operator removal) grant
// nothing and return false.
func grantCounterparty(actx *Context) (common.Address, bool) {
	call := actx.Call
	switch call.Name {
	case "approve", "increaseAllowance":
		if amount, ok := argBig(call, 1); !ok || amount.Sign() == 0 {
			return common.Address{}, false
		}
		return argAddr(call, 0)
	case "setApprovalForAll":
		if approved, ok := argBool(call, 1); !ok || !approved {
			return common.Address{}, false
		}
		return argAddr(call, 0)
	case "permit":
		// permit(owner, spender, value, ...)
		if amount, ok := argBig(call, 2); !ok || amount.Sign() == 0 {
			return common.Address{}, false
		}
		return argAddr(call, 1)
	}
	return common.Address{}, false
}

// bytecodeDelta sums capability penalties, capped at +45.
func (s *Structural) bytecodeDelta(t bytecodeTraits, res *models.AnalyzerResult) float64 {
	delta := 0.0
	if t.Selfdestruct {
		delta += 20
		res.Flags = append(res.Flags, models.FlagSelfdestructCapable)
	}
	if t.UpgradeableProxy || t.DelegatecallArg {
		delta += 15
		res.Flags = append(res.Flags, models.FlagUpgradeableProxy)
	}
	if t.MintOpen {
		delta += 15
		res.Flags = append(res.Flags, models.FlagMintOpen)
	}
	if t.BlacklistFn {
		delta += 10
		res.Flags = append(res.Flags, models.FlagBlacklistFn)
	}
	if t.PauseOpen {
		delta += 8
	}
	if t.SetFeeOpen {
		delta += 8
	}
	if t.MaxTxOpen {
		delta += 5
	}
	if delta > 45 {
		delta = 45
	}
	return delta
}

// sourceDelta scans verified source for privileged patterns, capped at +25.
func sourceDelta(source string, res *models.AnalyzerResult) float64 {
	src := strings.ToLower(source)
	delta := 0.0

	if strings.Contains(src, "onlyowner") &&
		(strings.Contains(src, "function transfer") || strings.Contains(src, "function _transfer")) {
		delta += 8
	}
	if strings.Contains(src, "mapping") && (strings.Contains(src, "blacklist") || strings.Contains(src, "isbot")) {
		delta += 8
		res.Findings = append(res.Findings, models.Finding{Code: "blacklist_mapping", Message: "source declares a blacklist mapping"})
	}
	if strings.Contains(src, "settaxfee") || strings.Contains(src, "setfee") || strings.Contains(src, "_taxfee =") {
		delta += 5
	}
	if strings.Contains(src, "function mint") && !strings.Contains(src, "internal") {
		delta += 10
		res.Findings = append(res.Findings, models.Finding{Code: "open_mint", Message: "source exposes a mint entry point"})
	}
	if delta > 25 {
		delta = 25
	}
	return delta
}

// ownerRenounced reads owner() on-chain. A zero owner means renounced; a
// live owner on a contract with privileged functions raises OWNER_ACTIVE.
func (s *Structural) ownerRenounced(ctx context.Context, adapter chain.Adapter, actx *Context, res *models.AnalyzerResult) bool {
	ownerAny, err := actx.Memo("owner", func() (any, error) {
		raw, err := adapter.ReadView(ctx, actx.Target, chain.SelectorFor("owner()"), nil)
		if err != nil {
			return nil, err
		}
		if len(raw) < 32 {
			return common.Address{}, nil
		}
		return common.BytesToAddress(raw[12:32]), nil
	})
	if err != nil {
		// No owner() function or the read failed; neither renounced nor active.
		return false
	}
	owner := ownerAny.(common.Address)
	if owner == (common.Address{}) {
		return true
	}
	res.Flags = append(res.Flags, models.FlagOwnerActive)
	return false
}
