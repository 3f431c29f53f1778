package analyzer

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txshield/firewall-engine/internal/chain"
	"github.com/txshield/firewall-engine/internal/services"
	"github.com/txshield/firewall-engine/pkg/models"
)

// severeReputationThreshold is the wallet score at or below which the
// counterparty's history alone is a strong signal.
const severeReputationThreshold = 20

// CampaignLookup resolves an address to its deployer cluster. Implemented by
// the campaign correlator.
type CampaignLookup interface {
	Campaign(ctx context.Context, chainID int64, addr common.Address) (models.CampaignSummary, error)
}

// Behavioral evaluates the actors around the transaction: the sender's
// reputation, the contract creator's history, and deployer-cluster links.
type Behavioral struct {
	walletRep services.WalletRepFetcher
	scamList  services.ScamListFetcher
	campaigns CampaignLookup
	adapters  map[int64]chain.Adapter
	weight    float64
}

func NewBehavioral(walletRep services.WalletRepFetcher, scamList services.ScamListFetcher,
	campaigns CampaignLookup, adapters map[int64]chain.Adapter, weight float64) *Behavioral {
	if weight <= 0 {
		weight = 0.20
	}
	return &Behavioral{walletRep: walletRep, scamList: scamList, campaigns: campaigns, adapters: adapters, weight: weight}
}

func (b *Behavioral) Tag() models.Category { return models.CategoryBehavioral }
func (b *Behavioral) Weight() float64      { return b.weight }
func (b *Behavioral) Required() []string {
	return []string{services.SourceWalletRep, services.SourceScamList}
}
func (b *Behavioral) Optional() []string { return []string{services.SourceReputation} }

func (b *Behavioral) Run(ctx context.Context, actx *Context) models.AnalyzerResult {
	res := models.AnalyzerResult{Category: models.CategoryBehavioral}

	score := 0.0
	responded := 0
	asked := 0

	// Target on a scam list is the cheapest, strongest signal.
	asked++
	if rec, err := b.scamList.Fetch(ctx, actx.ChainID, actx.Target); err != nil {
		res.Partial = true
		res.FailedSources = append(res.FailedSources, services.SourceScamList)
	} else {
		responded++
		if rec.Listed() {
			score += 35
			res.Flags = append(res.Flags, models.FlagScamListed)
			for _, hit := range rec.Hits {
				res.Findings = append(res.Findings, models.Finding{
					Code:    "scamlist_hit",
					Message: hit.Source + ": " + hit.Category,
				})
			}
		}
	}

	// Sender reputation, when a sender is known.
	if actx.From != nil {
		asked++
		if rec, err := b.walletRep.Fetch(ctx, actx.ChainID, *actx.From); err != nil {
			res.Partial = true
			res.FailedSources = append(res.FailedSources, services.SourceWalletRep)
		} else {
			responded++
			if rec.Score <= severeReputationThreshold {
				score += 40
				res.Findings = append(res.Findings, models.Finding{Code: "sender_reputation", Message: "sender has severe negative history"})
			}
		}
	}

	// Creator history: reputation plus scam-list standing.
	if creator := b.creator(ctx, actx); creator != nil {
		asked++
		creatorHit := false
		if rec, err := b.scamList.Fetch(ctx, actx.ChainID, *creator); err == nil {
			responded++
			creatorHit = rec.Listed()
		} else {
			res.Partial = true
			res.FailedSources = append(res.FailedSources, services.SourceScamList)
		}
		if !creatorHit {
			if rec, err := b.walletRep.Fetch(ctx, actx.ChainID, *creator); err == nil && rec.Flagged {
				creatorHit = true
			}
		}
		if creatorHit {
			score += 35
			res.Findings = append(res.Findings, models.Finding{Code: "creator_flagged", Message: "contract creator is flagged"})
		}

		// Deployer-cluster correlation.
		if b.campaigns != nil {
			if summary, err := b.campaigns.Campaign(ctx, actx.ChainID, actx.Target); err == nil && summary.IsCampaign {
				switch summary.Severity {
				case "high":
					score += 25
				case "medium":
					score += 15
				default:
					score += 8
				}
				if summary.FunderRoot != nil {
					score += 30
					res.Findings = append(res.Findings, models.Finding{
						Code:    "campaign_cluster",
						Message: "creator funded from a correlated scam-deployment cluster",
					})
				}
			}
		}
	}

	if score > 100 {
		score = 100
	}
	res.Score = score
	if asked > 0 {
		res.Confidence = float64(responded) / float64(asked)
	}
	return res
}

// creator resolves the contract creator, reusing the structural analyzer's
// memoized verification lookup when available.
func (b *Behavioral) creator(ctx context.Context, actx *Context) *common.Address {
	adapter, ok := b.adapters[actx.ChainID]
	if !ok {
		return nil
	}
	infoAny, err := actx.Memo("verification", func() (any, error) {
		info, err := adapter.VerificationInfo(ctx, actx.Target)
		return info, err
	})
	if err != nil {
		return nil
	}
	info := infoAny.(chain.VerificationInfo)
	return info.Creator
}
