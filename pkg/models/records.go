package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ContractReputation is the persisted per-(chain, address) score row.
// The reputation store exclusively owns these; analyzers read only.
type ContractReputation struct {
	ChainID       int64                `json:"chainId"`
	Address       common.Address       `json:"address"`
	Composite     float64              `json:"composite"`
	Breakdown     map[Category]float64 `json:"breakdown,omitempty"`
	Flags         []Flag               `json:"flags,omitempty"`
	Level         RiskLevel            `json:"level"`
	Verified      bool                 `json:"verified"`
	Creator       *common.Address      `json:"creator,omitempty"`
	FirstSeenBlk  int64                `json:"firstSeenBlock,omitempty"`
	ScamListed    bool                 `json:"scamListed"`
	BlockCount    int                  `json:"blockCount"`
	WarnCount     int                  `json:"warnCount"`
	AllowCount    int                  `json:"allowCount"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

// UserDecision is what the user did after seeing a WARN/BLOCK verdict.
type UserDecision string

const (
	DecisionProceeded UserDecision = "proceeded"
	DecisionCancelled UserDecision = "cancelled"
)

// DownstreamSignal is later ground truth tied to a verdict.
type DownstreamSignal string

const (
	SignalNone          DownstreamSignal = "none"
	SignalLossReported  DownstreamSignal = "loss_reported"
	SignalSafeConfirmed DownstreamSignal = "safe_confirmed"
)

// OutcomeEvent feeds calibration. Append-only.
type OutcomeEvent struct {
	VerdictID  string           `json:"verdictId"`
	Decision   UserDecision     `json:"decision"`
	Downstream DownstreamSignal `json:"downstreamSignal"`
	Timestamp  time.Time        `json:"timestamp"`
}

// ReportKind classifies a community report.
type ReportKind string

const (
	ReportScam          ReportKind = "scam"
	ReportFalsePositive ReportKind = "false-positive"
)

// CommunityReport is a user-submitted flag on an address. Append-only.
type CommunityReport struct {
	Reporter  string         `json:"reporter"`
	ChainID   int64          `json:"chainId"`
	Target    common.Address `json:"target"`
	Kind      ReportKind     `json:"kind"`
	Note      string         `json:"note,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ApprovalRecord is one outstanding token allowance found by the rescue scan.
type ApprovalRecord struct {
	Wallet       common.Address `json:"wallet"`
	Token        common.Address `json:"token"`
	TokenSymbol  string         `json:"tokenSymbol,omitempty"`
	Spender      common.Address `json:"spender"`
	Allowance    *big.Int       `json:"allowance"`
	Unlimited    bool           `json:"unlimited"`
	UpdatedBlock int64          `json:"lastUpdatedBlock"`
	SpenderRisk  RiskLevel      `json:"spenderRiskLevel"`
}

// RevokeTemplate is an unsigned approve(spender, 0) transaction the user can
// sign to cancel an allowance.
type RevokeTemplate struct {
	To      common.Address `json:"to"` // the token contract
	Data    string         `json:"data"`
	Value   string         `json:"value"`
	ChainID int64          `json:"chainId"`
}

// RescueReport is the wallet-hygiene scan output.
type RescueReport struct {
	Wallet        common.Address   `json:"wallet"`
	ChainID       int64            `json:"chainId"`
	Approvals     []ApprovalRecord `json:"approvals"`
	Revokes       []RevokeTemplate `json:"revokes"`
	WhatItMeans   string           `json:"whatItMeans"`
	WhatYouCanDo  string           `json:"whatYouCanDo"`
	HighRiskCount int              `json:"highRiskCount"`
	ScannedAt     time.Time        `json:"scannedAt"`
}

// AlertKind classifies a mempool alert.
type AlertKind string

const (
	AlertSandwich           AlertKind = "sandwich"
	AlertFrontrun           AlertKind = "frontrun"
	AlertSuspiciousApproval AlertKind = "suspicious-approval"
)

// MempoolAlert is a detected in-flight attack pattern.
type MempoolAlert struct {
	ID         string         `json:"id"`
	ChainID    int64          `json:"chainId"`
	Kind       AlertKind      `json:"kind"`
	VictimTx   common.Hash    `json:"victimTxHash"`
	Attacker   common.Address `json:"attackerAddress"`
	DetectedAt time.Time      `json:"detectedAt"`
}

// CampaignContract is one member of a correlated deployment cluster.
type CampaignContract struct {
	ChainID   int64          `json:"chainId"`
	Address   common.Address `json:"address"`
	Deployer  common.Address `json:"deployer"`
	Composite float64        `json:"composite"`
	HighRisk  bool           `json:"highRisk"`
}

// CampaignSummary is the cross-chain cluster view returned by the campaign query.
type CampaignSummary struct {
	IsCampaign    bool               `json:"isCampaign"`
	Severity      string             `json:"severity"` // "low"/"medium"/"high"
	FunderRoot    *common.Address    `json:"funderRoot,omitempty"`
	Deployers     []common.Address   `json:"deployers"`
	Contracts     []CampaignContract `json:"contracts"`
	HighRiskRatio float64            `json:"highRiskRatio"`
	Indicators    []string           `json:"indicators,omitempty"`
	FirstSeen     time.Time          `json:"firstSeen,omitempty"`
}
