// Package mempool watches pending transactions for in-flight attack
// patterns: sandwich setups, calldata front-running, and approvals granted
// to known-bad spenders.
package mempool

import (
	"context"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"

	"github.com/txshield/firewall-engine/internal/chain"
	"github.com/txshield/firewall-engine/pkg/models"
)

const (
	pollInterval   = 3 * time.Second
	seenResetEvery = 1 * time.Hour
	windowSize     = 2000
	maxPerTick     = 200
)

// AlertSink persists detected alerts.
type AlertSink interface {
	SaveAlert(ctx context.Context, a models.MempoolAlert) error
	GetReputation(ctx context.Context, chainID int64, address string) (*models.ContractReputation, error)
}

// Broadcaster pushes alerts to live stream subscribers.
type Broadcaster interface {
	BroadcastAlert(a models.MempoolAlert)
}

// pendingTx is the slice of a pending transaction the detectors need.
type pendingTx struct {
	hash     common.Hash
	from     common.Address
	to       common.Address
	gasPrice *big.Int
	dataHash common.Hash
	call     chain.DecodedCall
	seenAt   time.Time
}

// Watcher polls the pending block and runs the detectors over a rolling
// window of recently seen transactions.
type Watcher struct {
	chainID int64
	client  *ethclient.Client
	adapter chain.Adapter
	sink    AlertSink
	hub     Broadcaster
	signer  types.Signer

	seen   map[common.Hash]bool
	window []pendingTx
}

func NewWatcher(chainID int64, rpcURL string, adapter chain.Adapter, sink AlertSink, hub Broadcaster) (*Watcher, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		chainID: chainID,
		client:  client,
		adapter: adapter,
		sink:    sink,
		hub:     hub,
		signer:  types.LatestSignerForChainID(big.NewInt(chainID)),
		seen:    make(map[common.Hash]bool),
	}, nil
}

func (w *Watcher) Run(ctx context.Context) {
	log.Printf("[Mempool] watcher started for chain %d", w.chainID)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	// Reset seen periodically to bound memory on long uptimes.
	cleanupTicker := time.NewTicker(seenResetEvery)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Mempool] watcher stopped for chain %d", w.chainID)
			return
		case <-cleanupTicker.C:
			w.seen = make(map[common.Hash]bool)
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watcher) tick(ctx context.Context) {
	block, err := w.client.BlockByNumber(ctx, big.NewInt(int64(rpc.PendingBlockNumber)))
	if err != nil {
		log.Printf("[Mempool] pending block fetch failed: %v", err)
		return
	}

	processed := 0
	for _, tx := range block.Transactions() {
		if processed >= maxPerTick {
			break
		}
		if w.seen[tx.Hash()] || tx.To() == nil {
			continue
		}
		w.seen[tx.Hash()] = true
		processed++

		from, err := types.Sender(w.signer, tx)
		if err != nil {
			continue
		}
		pt := pendingTx{
			hash:     tx.Hash(),
			from:     from,
			to:       *tx.To(),
			gasPrice: tx.GasPrice(),
			dataHash: crypto.Keccak256Hash(tx.Data()),
			seenAt:   time.Now(),
		}
		if len(tx.Data()) >= 4 {
			pt.call = w.adapter.DecodeCall(tx.Data())
		}

		w.detectFrontrun(ctx, pt)
		w.detectSandwich(ctx, pt)
		w.detectSuspiciousApproval(ctx, pt, tx.Data())

		w.window = append(w.window, pt)
		if len(w.window) > windowSize {
			w.window = w.window[len(w.window)-windowSize:]
		}
	}
}

// detectFrontrun fires when a new pending tx copies an earlier pending tx's
// calldata to the same target with a higher gas price from a different
// sender. The earlier tx is the victim.
func (w *Watcher) detectFrontrun(ctx context.Context, pt pendingTx) {
	if pt.dataHash == crypto.Keccak256Hash(nil) {
		return
	}
	for i := len(w.window) - 1; i >= 0; i-- {
		prev := w.window[i]
		if prev.to != pt.to || prev.dataHash != pt.dataHash || prev.from == pt.from {
			continue
		}
		if pt.gasPrice != nil && prev.gasPrice != nil && pt.gasPrice.Cmp(prev.gasPrice) > 0 {
			w.emit(ctx, models.MempoolAlert{
				Kind:     models.AlertFrontrun,
				VictimTx: prev.hash,
				Attacker: pt.from,
			})
		}
		return
	}
}

// detectSandwich fires when one sender has pending txs to the same target
// with gas prices straddling another sender's tx: the classic buy-above /
// sell-below bracket around a victim swap.
func (w *Watcher) detectSandwich(ctx context.Context, pt pendingTx) {
	var above, below bool
	var victim *pendingTx
	for i := range w.window {
		prev := &w.window[i]
		if prev.to != pt.to || prev.gasPrice == nil || pt.gasPrice == nil {
			continue
		}
		if prev.from == pt.from {
			continue
		}
		// pt's sender already has a tx priced above this candidate victim;
		// the new tx priced below completes the bracket (and vice versa).
		for j := range w.window {
			mate := &w.window[j]
			if mate.from != pt.from || mate.to != pt.to || mate.gasPrice == nil {
				continue
			}
			if mate.gasPrice.Cmp(prev.gasPrice) > 0 && pt.gasPrice.Cmp(prev.gasPrice) < 0 {
				above, below, victim = true, true, prev
			}
			if mate.gasPrice.Cmp(prev.gasPrice) < 0 && pt.gasPrice.Cmp(prev.gasPrice) > 0 {
				above, below, victim = true, true, prev
			}
		}
	}
	if above && below && victim != nil {
		w.emit(ctx, models.MempoolAlert{
			Kind:     models.AlertSandwich,
			VictimTx: victim.hash,
			Attacker: pt.from,
		})
	}
}

// detectSuspiciousApproval fires when a pending approval grants spending
// power to an address already known to be high risk.
func (w *Watcher) detectSuspiciousApproval(ctx context.Context, pt pendingTx, data []byte) {
	var spender common.Address
	switch pt.call.Name {
	case "approve", "increaseAllowance", "setApprovalForAll":
		if len(pt.call.Args) > 0 {
			if s, ok := pt.call.Args[0].(common.Address); ok {
				spender = s
			}
		}
	default:
		return
	}
	if spender == (common.Address{}) || w.sink == nil {
		return
	}

	rep, err := w.sink.GetReputation(ctx, w.chainID, spender.Hex())
	if err != nil || rep == nil {
		return
	}
	if rep.Level == models.RiskHigh || rep.ScamListed {
		w.emit(ctx, models.MempoolAlert{
			Kind:     models.AlertSuspiciousApproval,
			VictimTx: pt.hash,
			Attacker: spender,
		})
	}
}

func (w *Watcher) emit(ctx context.Context, a models.MempoolAlert) {
	a.ID = uuid.NewString()
	a.ChainID = w.chainID
	a.DetectedAt = time.Now().UTC()

	if w.sink != nil {
		if err := w.sink.SaveAlert(ctx, a); err != nil {
			log.Printf("[Mempool] alert persist failed: %v", err)
		}
	}
	if w.hub != nil {
		w.hub.BroadcastAlert(a)
	}
	log.Printf("[Mempool] %s detected on chain %d (victim=%s attacker=%s)",
		a.Kind, a.ChainID, a.VictimTx.Hex(), a.Attacker.Hex())
}
