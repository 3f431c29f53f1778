// Package rescue implements the wallet-hygiene scan: enumerate outstanding
// token approvals, classify each spender, and prepare unsigned revoke
// transactions the wallet can sign. The engine never holds keys.
package rescue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/txshield/firewall-engine/internal/chain"
	"github.com/txshield/firewall-engine/internal/faults"
	"github.com/txshield/firewall-engine/internal/services"
	"github.com/txshield/firewall-engine/pkg/models"
)

// SpenderReputation is the persistence view the scanner classifies against.
type SpenderReputation interface {
	GetReputation(ctx context.Context, chainID int64, address string) (*models.ContractReputation, error)
}

// Scanner walks a wallet's approval history and builds the rescue report.
type Scanner struct {
	adapters map[int64]chain.Adapter
	store    SpenderReputation
	scamList services.ScamListFetcher
	maxScan  int
}

func NewScanner(adapters map[int64]chain.Adapter, store SpenderReputation, scamList services.ScamListFetcher, maxScan int) *Scanner {
	if maxScan <= 0 {
		maxScan = 500
	}
	return &Scanner{adapters: adapters, store: store, scamList: scamList, maxScan: maxScan}
}

// Scan enumerates active approvals for the wallet, classifies each spender,
// and attaches a ready-to-sign revoke template per approval. Spender
// classification failures degrade the risk label, never the scan.
func (s *Scanner) Scan(ctx context.Context, chainID int64, wallet common.Address) (*models.RescueReport, error) {
	adapter, ok := s.adapters[chainID]
	if !ok {
		return nil, faults.Newf(faults.KindNotFound, "rescue", "unsupported chain %d", chainID)
	}

	report := &models.RescueReport{
		Wallet:    wallet,
		ChainID:   chainID,
		ScannedAt: time.Now().UTC(),
	}

	cursor := ""
	scanned := 0
	for scanned < s.maxScan {
		batch := s.maxScan - scanned
		if batch > 100 {
			batch = 100
		}
		approvals, next, err := adapter.ListApprovals(ctx, wallet, cursor, batch)
		if err != nil {
			if scanned == 0 {
				return nil, err
			}
			// Partial scan is still useful; report what we have.
			log.Printf("[Rescue] approval scan truncated for %s: %v", wallet.Hex(), err)
			break
		}
		for i := range approvals {
			rec := approvals[i]
			rec.SpenderRisk = s.classify(ctx, chainID, rec.Spender)
			if meta, err := adapter.TokenMeta(ctx, rec.Token); err == nil {
				rec.TokenSymbol = meta.Symbol
			}
			if rec.SpenderRisk == models.RiskHigh {
				report.HighRiskCount++
			}
			report.Approvals = append(report.Approvals, rec)
			report.Revokes = append(report.Revokes, revokeTemplate(chainID, rec))
			scanned++
		}
		if next == "" || len(approvals) == 0 {
			break
		}
		cursor = next
	}

	report.WhatItMeans, report.WhatYouCanDo = narrative(report)
	return report, nil
}

// classify labels a spender by stored reputation first, scam lists second.
// Unknown spenders with unlimited power still read as MEDIUM to the caller
// through the approval record itself.
func (s *Scanner) classify(ctx context.Context, chainID int64, spender common.Address) models.RiskLevel {
	if s.store != nil {
		if rep, err := s.store.GetReputation(ctx, chainID, spender.Hex()); err == nil && rep != nil {
			if rep.ScamListed || rep.Level == models.RiskHigh {
				return models.RiskHigh
			}
			return rep.Level
		}
	}
	if s.scamList != nil {
		if rec, err := s.scamList.Fetch(ctx, chainID, spender); err == nil && rec.Listed() {
			return models.RiskHigh
		}
	}
	return models.RiskLow
}

// revokeTemplate builds the unsigned approve(spender, 0) transaction.
func revokeTemplate(chainID int64, rec models.ApprovalRecord) models.RevokeTemplate {
	return models.RevokeTemplate{
		To:      rec.Token,
		Data:    hexutil.Encode(chain.BuildRevokeCalldata(rec.Spender)),
		Value:   "0x0",
		ChainID: chainID,
	}
}

// narrative renders the plain-language summary paragraphs.
func narrative(r *models.RescueReport) (means, cando string) {
	switch {
	case len(r.Approvals) == 0:
		return "No active token approvals were found for this wallet. Nothing can spend your tokens without a new signature from you.",
			"No action needed. Re-run this scan after interacting with new contracts."
	case r.HighRiskCount > 0:
		return fmt.Sprintf("This wallet has %d active approvals, %d of which grant spending power to high-risk contracts. Those contracts can move the approved tokens at any time without further signatures.",
				len(r.Approvals), r.HighRiskCount),
			"Sign the prepared revoke transactions for the high-risk spenders first. Each one cancels a single approval and costs only gas."
	default:
		unlimited := 0
		for _, a := range r.Approvals {
			if a.Unlimited {
				unlimited++
			}
		}
		if unlimited > 0 {
			return fmt.Sprintf("This wallet has %d active approvals; %d are unlimited. None of the spenders currently look malicious, but an unlimited approval outlives the app it was made for.",
					len(r.Approvals), unlimited),
				"Consider revoking unlimited approvals for apps you no longer use. The prepared transactions below cancel them one at a time."
		}
		return fmt.Sprintf("This wallet has %d active approvals, all to spenders that currently look safe and all for limited amounts.", len(r.Approvals)),
			"No urgent action needed. Revoke approvals for apps you no longer use to keep the surface small."
	}
}
