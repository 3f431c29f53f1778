// Package analyzer holds the per-request analysis context, the analyzer
// contract, and the six risk analyzers that feed the risk engine.
package analyzer

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/txshield/firewall-engine/internal/chain"
	"github.com/txshield/firewall-engine/pkg/models"
)

// Context is the immutable per-request bundle shared by all analyzers. It is
// created by the entry handler and destroyed when the verdict is emitted;
// only the request-scoped cache inside it is mutable.
type Context struct {
	RequestID string
	ChainID   int64
	Target    common.Address
	From      *common.Address
	Value     *big.Int
	Calldata  []byte
	Call      chain.DecodedCall

	// Signature flows only.
	TypedData  *apitypes.TypedData
	SignMethod string

	Mode     models.PolicyMode
	Deadline time.Time

	cache *requestCache
}

// NewContext builds an analysis context. The decoded call is derived from
// the calldata through the adapter's selector table.
func NewContext(requestID string, chainID int64, target common.Address, calldata []byte) *Context {
	return &Context{
		RequestID: requestID,
		ChainID:   chainID,
		Target:    target,
		Calldata:  calldata,
		Call:      chain.DecodedCall{Raw: calldata},
		Mode:      models.PolicyBalanced,
		cache:     newRequestCache(),
	}
}

// Memo returns the cached value for key, computing it once per request via
// load. Concurrent analyzers asking for the same key share one load.
func (c *Context) Memo(key string, load func() (any, error)) (any, error) {
	return c.cache.memo(key, load)
}

// requestCache is the only mutable state in a Context. It is accessed only
// by the analyzers of its owning request.
type requestCache struct {
	mu      sync.Mutex
	entries map[string]*cacheSlot
}

type cacheSlot struct {
	once  sync.Once
	value any
	err   error
}

func newRequestCache() *requestCache {
	return &requestCache{entries: make(map[string]*cacheSlot)}
}

func (rc *requestCache) memo(key string, load func() (any, error)) (any, error) {
	rc.mu.Lock()
	slot, ok := rc.entries[key]
	if !ok {
		slot = &cacheSlot{}
		rc.entries[key] = slot
	}
	rc.mu.Unlock()

	slot.once.Do(func() {
		slot.value, slot.err = load()
	})
	return slot.value, slot.err
}
