// Package chain provides deadline-bounded, idempotent access to EVM chain
// data: bytecode, verified source metadata, view calls, calldata decoding,
// gas estimation, simulation, and approval-log scans. One adapter per chain.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txshield/firewall-engine/pkg/models"
)

// VerificationInfo is the explorer-backed contract metadata.
type VerificationInfo struct {
	Verified   bool
	SourceHash string
	AgeSeconds int64
	Creator    *common.Address
	SourceCode string // verified source, empty when unverified
}

// DecodedCall is the parsed calldata view analyzers consume.
type DecodedCall struct {
	Selector [4]byte
	Name     string // empty when the selector is unknown
	Sig      string // full signature when known, e.g. "approve(address,uint256)"
	Args     []any  // decoded args when the signature is known
	Raw      []byte
}

// CallMsg is the transaction shape passed to estimation and simulation.
type CallMsg struct {
	From  *common.Address
	To    *common.Address
	Value *big.Int
	Data  []byte
	Gas   uint64
}

// AssetDelta is one balance change observed in a simulation.
type AssetDelta struct {
	Token   *common.Address // nil for the native asset
	Holder  common.Address
	Amount  *big.Int // negative = outflow
}

// SimulationResult is the optional dry-run output. Its absence degrades
// honeypot and intent analysis but is not an error.
type SimulationResult struct {
	Success      bool
	GasUsed      uint64
	AssetDeltas  []AssetDelta
	RevertReason string
}

// TokenMeta is basic ERC-20 metadata with on-chain fallback.
type TokenMeta struct {
	Name     string
	Symbol   string
	Decimals uint8
}

// Adapter is the per-chain data access capability set. Every method honors
// the context deadline and returns faults-typed errors; NotFound from
// Bytecode means the address is an EOA, which callers treat as data.
type Adapter interface {
	ChainID() int64

	Bytecode(ctx context.Context, addr common.Address) (code []byte, isContract bool, err error)
	VerificationInfo(ctx context.Context, addr common.Address) (VerificationInfo, error)
	ReadView(ctx context.Context, addr common.Address, selector [4]byte, args []byte) ([]byte, error)
	DecodeCall(data []byte) DecodedCall
	EstimateGas(ctx context.Context, msg CallMsg) (uint64, error)
	Simulate(ctx context.Context, msg CallMsg) (*SimulationResult, error)
	ListApprovals(ctx context.Context, wallet common.Address, cursor string, limit int) ([]models.ApprovalRecord, string, error)
	TokenMeta(ctx context.Context, addr common.Address) (TokenMeta, error)

	// Healthy reports whether at least one RPC endpoint breaker is closed.
	Healthy() bool
}
