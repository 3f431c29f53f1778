package models

import "time"

// Category identifies one risk analyzer's scoring lane.
type Category string

const (
	CategoryStructural Category = "structural"
	CategoryMarket     Category = "market"
	CategoryBehavioral Category = "behavioral"
	CategoryHoneypot   Category = "honeypot"
	CategoryIntent     Category = "intent"    // additive bonus, no base weight
	CategorySignature  Category = "signature" // additive bonus, signature flows only
)

// Flag is a machine-readable critical marker. Downstream escalation rules
// branch on these constants; free-form strings never enter the composite path.
type Flag string

const (
	FlagUnverified          Flag = "UNVERIFIED"
	FlagNewContract         Flag = "NEW_CONTRACT"
	FlagSelfdestructCapable Flag = "SELFDESTRUCT_CAPABLE"
	FlagUpgradeableProxy    Flag = "UPGRADEABLE_PROXY"
	FlagMintOpen            Flag = "MINT_OPEN"
	FlagBlacklistFn         Flag = "BLACKLIST_FN"
	FlagOwnerActive         Flag = "OWNER_ACTIVE"
	FlagNoLiquidity         Flag = "NO_LIQUIDITY"
	FlagHoneypotConfirmed   Flag = "HONEYPOT_CONFIRMED"
	FlagUnlimitedApproval   Flag = "UNLIMITED_APPROVAL"
	FlagDisguisedSelector   Flag = "DISGUISED_SELECTOR"
	FlagPermitUnlimited     Flag = "PERMIT_UNLIMITED"
	FlagZeroPriceOrder      Flag = "ZERO_PRICE_ORDER"
	FlagContractDestroyed   Flag = "CONTRACT_DESTROYED"
	FlagScamListed          Flag = "SCAM_LISTED"
)

// RiskLevel buckets the composite score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"    // composite < 31
	RiskMedium RiskLevel = "MEDIUM" // 31-70
	RiskHigh   RiskLevel = "HIGH"   // >= 71
)

// Archetype is the threat shape derived from the dominant flag set.
type Archetype string

const (
	ArchetypeHoneypot       Archetype = "honeypot"
	ArchetypeRugPull        Archetype = "rug-pull"
	ArchetypeApprovalDrain  Archetype = "approval-drain"
	ArchetypeSignatureAbuse Archetype = "signature-abuse"
	ArchetypeSuspiciousNew  Archetype = "suspicious-new"
	ArchetypeClean          Archetype = "clean"
	ArchetypeUnknown        Archetype = "unknown"
)

// PolicyMode selects fail-open vs fail-closed behavior for missing sources.
type PolicyMode string

const (
	PolicyStrict   PolicyMode = "STRICT"
	PolicyBalanced PolicyMode = "BALANCED"
)

// Action is the final firewall decision.
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionWarn  Action = "WARN"
	ActionBlock Action = "BLOCK"
)

// Finding is an informational (non-critical) observation from an analyzer.
type Finding struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AnalyzerResult is one analyzer's partial verdict. Results are immutable
// once published to the risk engine.
type AnalyzerResult struct {
	Category      Category       `json:"category"`
	Score         float64        `json:"score"`      // 0-100
	Flags         []Flag         `json:"flags"`      // set semantics, no duplicates
	Findings      []Finding      `json:"findings"`
	Confidence    float64        `json:"confidence"` // 0-1, fraction of inputs that responded
	Partial       bool           `json:"partial"`    // true if any required source failed
	FailedSources []string       `json:"failedSources,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"` // e.g. honeypot taxes, approval amounts
}

// HasFlag reports whether the result carries the given critical flag.
func (r AnalyzerResult) HasFlag(f Flag) bool {
	for _, have := range r.Flags {
		if have == f {
			return true
		}
	}
	return false
}

// ShieldScore is the composite risk assessment the risk engine produces.
type ShieldScore struct {
	Composite     float64              `json:"composite"` // 0-100
	Breakdown     map[Category]float64 `json:"breakdown"`
	Flags         []Flag               `json:"flags"` // ordered: escalation-relevant first
	Level         RiskLevel            `json:"level"`
	Archetype     Archetype            `json:"archetype"`
	Confidence    float64              `json:"confidence"` // 0-1
	FailedSources []string             `json:"failedSources,omitempty"`
	Partial       bool                 `json:"partial"`
	PolicyMode    PolicyMode           `json:"policyMode"`
}

// Verdict is the policy engine's final decision for one request.
type Verdict struct {
	ID           string      `json:"verdictId,omitempty"` // stable id for WARN/BLOCK outcome tracking
	Action       Action      `json:"action"`
	Score        ShieldScore `json:"score"`
	Explanation  string      `json:"explanation"`
	ForensicURL  string      `json:"forensicUrl,omitempty"`
	DecidedAt    time.Time   `json:"decidedAt"`
}
