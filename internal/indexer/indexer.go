// Package indexer builds the deployer graph in the background and correlates
// deployments into scam campaigns.
package indexer

import (
	"context"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txshield/firewall-engine/internal/db"
	"github.com/txshield/firewall-engine/internal/faults"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultBatchSize    = 20
	maxAttempts         = 5
)

// CreationSource resolves a contract's deployer and an address's first
// funding transfer. Implemented by chain.ExplorerClient.
type CreationSource interface {
	ContractCreation(ctx context.Context, addr common.Address) (common.Address, time.Time, error)
	FirstFunding(ctx context.Context, addr common.Address) (common.Address, time.Time, error)
}

// knownExchanges marks hot wallets whose funding edges carry no attribution
// signal. Two deployers funded by the same exchange are not related.
var knownExchanges = map[common.Address]string{
	common.HexToAddress("0x28C6c06298d514Db089934071355E5743bf21d60"): "binance",
	common.HexToAddress("0x21a31Ee1afC51d94C2eFcCAa2092aD1028285549"): "binance",
	common.HexToAddress("0xDFd5293D8e347dFe59E90eFd55b2956a1343963d"): "binance",
	common.HexToAddress("0x46340b20830761efd32832A74d7169B29FEB9758"): "crypto.com",
	common.HexToAddress("0x9696f59E4d72E237BE84fFD425DCaD154Bf96976"): "binance",
	common.HexToAddress("0x6cC5F688a315f3dC28A7781717a9A798a59fDA7b"): "okx",
	common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc454e4438f44e"): "bitfinex",
	common.HexToAddress("0x2910543Af39abA0Cd09dBb2D50200b3E800A63D2"): "kraken",
	common.HexToAddress("0x3cD751E6b0078Be393132286c442345e5DC49699"): "coinbase",
	common.HexToAddress("0xb5d85CBf7cB3EE0D56b3bB207D5Fc4B82f43F511"): "coinbase",
}

// Indexer drains the backlog of addresses the firewall has seen, resolving
// each one to its deployer and the deployer's first funder, and persisting
// the edges. Runs as a single background worker; failed lookups go back to
// the queue until maxAttempts.
type Indexer struct {
	store    *db.Store
	explorer map[int64]CreationSource
	interval time.Duration
	batch    int
}

func New(store *db.Store, explorer map[int64]CreationSource) *Indexer {
	return &Indexer{
		store:    store,
		explorer: explorer,
		interval: defaultPollInterval,
		batch:    defaultBatchSize,
	}
}

// Run drains the backlog until the context is cancelled.
func (ix *Indexer) Run(ctx context.Context) {
	ticker := time.NewTicker(ix.interval)
	defer ticker.Stop()

	log.Printf("[Indexer] deployer indexer started (batch=%d, interval=%s)", ix.batch, ix.interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("[Indexer] stopped")
			return
		case <-ticker.C:
			ix.drain(ctx)
		}
	}
}

func (ix *Indexer) drain(ctx context.Context) {
	items, err := ix.store.ClaimBacklog(ctx, ix.batch, maxAttempts)
	if err != nil {
		log.Printf("[Indexer] backlog claim failed: %v", err)
		return
	}
	for _, item := range items {
		if err := ix.index(ctx, item.ChainID, item.Address); err != nil {
			if faults.KindOf(err) == faults.KindNotFound || item.Attempts >= maxAttempts {
				// Nothing to find, or poisoned; drop it.
				_ = ix.store.CompleteBacklog(ctx, item.ChainID, item.Address)
			}
			// Transient failures stay queued for the next pass.
			continue
		}
		if err := ix.store.CompleteBacklog(ctx, item.ChainID, item.Address); err != nil {
			log.Printf("[Indexer] backlog complete failed for %s: %v", item.Address.Hex(), err)
		}
	}
}

// index resolves one contract's deployer and funder edges and persists them.
func (ix *Indexer) index(ctx context.Context, chainID int64, contract common.Address) error {
	src, ok := ix.explorer[chainID]
	if !ok {
		return faults.Newf(faults.KindNotFound, "indexer", "no explorer for chain %d", chainID)
	}

	deployer, _, err := src.ContractCreation(ctx, contract)
	if err != nil {
		return err
	}

	var funder *common.Address
	funderIsExchange := false
	if f, _, err := src.FirstFunding(ctx, deployer); err == nil {
		funder = &f
		_, funderIsExchange = knownExchanges[f]
	}
	// A missing funding edge is fine: the deployer may be an old address
	// with history beyond the lookback window.

	return ix.store.SaveDeployment(ctx, chainID, contract, deployer, funder, funderIsExchange)
}
