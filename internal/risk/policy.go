package risk

import (
	"fmt"
	"strings"

	"github.com/txshield/firewall-engine/pkg/models"
)

// Verdict thresholds on the composite score.
const (
	blockThreshold = 71.0
	warnThreshold  = 31.0
)

// Policy maps a ShieldScore to ALLOW/WARN/BLOCK under a named mode.
// STRICT fails closed on missing sources; BALANCED fails open with lowered
// confidence. Pure: reads only the score.
type Policy struct {
	mode              models.PolicyMode
	forensicThreshold float64
}

func NewPolicy(mode models.PolicyMode, forensicThreshold float64) *Policy {
	if forensicThreshold <= 0 {
		forensicThreshold = 50
	}
	return &Policy{mode: mode, forensicThreshold: forensicThreshold}
}

func (p *Policy) Mode() models.PolicyMode { return p.mode }

// Decide maps the composite to a verdict, applying STRICT escalations for
// missing sources.
func (p *Policy) Decide(score models.ShieldScore) models.Action {
	action := models.ActionAllow
	switch {
	case score.Composite >= blockThreshold:
		action = models.ActionBlock
	case score.Composite >= warnThreshold:
		action = models.ActionWarn
	}

	if p.mode != models.PolicyStrict {
		return action
	}

	// Fail closed: an unverified target with any required source down is
	// un-analyzable and gets blocked outright.
	hasUnverified := false
	for _, f := range score.Flags {
		if f == models.FlagUnverified {
			hasUnverified = true
			break
		}
	}
	if hasUnverified && len(score.FailedSources) > 0 {
		return models.ActionBlock
	}
	// A major analyzer lost a required source (the engine caps confidence
	// at 0.6 in exactly that case): at least WARN.
	if score.Partial && score.Confidence <= 0.6 && action == models.ActionAllow {
		return models.ActionWarn
	}
	return action
}

// ShouldUploadForensic reports whether the verdict warrants an immutable
// forensic report.
func (p *Policy) ShouldUploadForensic(score models.ShieldScore) bool {
	return score.Composite >= p.forensicThreshold
}

// Explain renders the plain-language explanation from the dominant flag.
func Explain(action models.Action, score models.ShieldScore) string {
	var sb strings.Builder

	switch action {
	case models.ActionBlock:
		sb.WriteString("Blocked: ")
	case models.ActionWarn:
		sb.WriteString("Warning: ")
	default:
		sb.WriteString("No significant risk found. ")
	}

	if len(score.Flags) > 0 {
		sb.WriteString(flagExplanation(score.Flags[0]))
	} else if action != models.ActionAllow {
		sb.WriteString(fmt.Sprintf("this %s scored %.0f/100 on combined risk signals.",
			strings.ToLower(string(score.Archetype)), score.Composite))
	}

	if score.Partial && len(score.FailedSources) > 0 {
		sb.WriteString(fmt.Sprintf(" Note: %s did not respond, so this assessment is incomplete.",
			strings.Join(score.FailedSources, ", ")))
	}
	return sb.String()
}

func flagExplanation(f models.Flag) string {
	switch f {
	case models.FlagHoneypotConfirmed:
		return "simulation confirms you can buy this token but cannot sell it back. This is a honeypot."
	case models.FlagZeroPriceOrder:
		return "this signature would sell your asset for nothing, or send the proceeds to a burn address."
	case models.FlagContractDestroyed:
		return "this contract has been self-destructed; anything sent to it is unrecoverable."
	case models.FlagSelfdestructCapable:
		return "this contract can delete itself at any time, taking deposited funds with it."
	case models.FlagMintOpen:
		return "the owner can mint unlimited new tokens, diluting every holder."
	case models.FlagUpgradeableProxy:
		return "the contract logic can be swapped out after you interact with it."
	case models.FlagPermitUnlimited:
		return "this signature grants unlimited spending of your tokens to an unrecognized contract."
	case models.FlagUnlimitedApproval:
		return "this transaction approves unlimited token spending. The spender could drain the full balance later."
	case models.FlagDisguisedSelector:
		return "the transaction data does not match the function it claims to call."
	case models.FlagScamListed:
		return "this address appears on known scam blocklists."
	case models.FlagBlacklistFn:
		return "the contract can block specific holders from selling."
	case models.FlagOwnerActive:
		return "the contract owner retains privileged control."
	case models.FlagUnverified:
		return "the contract source code is unverified; its behavior cannot be audited."
	case models.FlagNewContract:
		return "this contract was deployed very recently and has no track record."
	case models.FlagNoLiquidity:
		return "this token has no tradable market; you could not sell it."
	default:
		return "combined risk signals crossed the alert threshold."
	}
}
