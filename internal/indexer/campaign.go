package indexer

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txshield/firewall-engine/internal/db"
	"github.com/txshield/firewall-engine/pkg/models"
)

const (
	// A cluster becomes a campaign at 3+ contracts with 60%+ scoring high.
	campaignMinSize       = 3
	campaignHighRiskRatio = 0.6

	// Funder expansion stops two hops from the origin deployer.
	maxFunderDepth = 2

	highRiskComposite = 71.0
)

// Correlator answers "is this contract part of a serial scam operation" by
// walking the deployer graph: everything the deployer deployed, plus
// everything deployed by sibling deployers sharing the same non-exchange
// funder, expanded breadth-first up to maxFunderDepth hops.
type Correlator struct {
	store *db.Store
}

func NewCorrelator(store *db.Store) *Correlator {
	return &Correlator{store: store}
}

// Campaign implements the lookup the behavioral analyzer consumes.
func (c *Correlator) Campaign(ctx context.Context, chainID int64, addr common.Address) (models.CampaignSummary, error) {
	origin, err := c.store.DeploymentFor(ctx, chainID, addr)
	if err != nil {
		return models.CampaignSummary{}, err
	}
	if origin == nil {
		// Not indexed yet; queue it and answer conservatively.
		_ = c.store.EnqueueBacklog(ctx, chainID, addr)
		return models.CampaignSummary{}, nil
	}

	cluster, funderRoot, err := c.expand(ctx, origin)
	if err != nil {
		return models.CampaignSummary{}, err
	}

	summary := models.CampaignSummary{
		FunderRoot: funderRoot,
	}

	deployerSet := map[common.Address]bool{}
	highRisk := 0
	var firstSeen time.Time
	for _, dep := range cluster {
		deployerSet[dep.Deployer] = true
		if firstSeen.IsZero() || dep.IndexedAt.Before(firstSeen) {
			firstSeen = dep.IndexedAt
		}

		member := models.CampaignContract{
			ChainID:  dep.ChainID,
			Address:  dep.Contract,
			Deployer: dep.Deployer,
		}
		if rep, err := c.store.GetReputation(ctx, dep.ChainID, dep.Contract.Hex()); err == nil && rep != nil {
			member.Composite = rep.Composite
			member.HighRisk = rep.Composite >= highRiskComposite || rep.ScamListed
		}
		if member.HighRisk {
			highRisk++
		}
		summary.Contracts = append(summary.Contracts, member)
	}

	for d := range deployerSet {
		summary.Deployers = append(summary.Deployers, d)
	}
	sort.Slice(summary.Deployers, func(i, j int) bool {
		return summary.Deployers[i].Hex() < summary.Deployers[j].Hex()
	})
	summary.FirstSeen = firstSeen

	if len(cluster) > 0 {
		summary.HighRiskRatio = float64(highRisk) / float64(len(cluster))
	}
	summary.IsCampaign = len(cluster) >= campaignMinSize && summary.HighRiskRatio >= campaignHighRiskRatio
	if !summary.IsCampaign {
		summary.FunderRoot = nil
		return summary, nil
	}

	summary.Severity = severityFor(len(cluster), summary.HighRiskRatio, len(summary.Deployers))
	summary.Indicators = indicators(summary, funderRoot)
	return summary, nil
}

// expand walks the graph breadth-first: deployer -> deployments, then
// deployer's funder -> sibling deployers, up to maxFunderDepth hops. Returns
// the contract cluster and the shared funder root when one exists.
func (c *Correlator) expand(ctx context.Context, origin *db.Deployment) ([]db.Deployment, *common.Address, error) {
	seenContracts := map[string]bool{}
	seenDeployers := map[common.Address]bool{}
	var cluster []db.Deployment
	var funderRoot *common.Address

	type hop struct {
		deployer common.Address
		depth    int
	}
	queue := []hop{{origin.Deployer, 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seenDeployers[cur.deployer] {
			continue
		}
		seenDeployers[cur.deployer] = true

		deps, err := c.store.ContractsByDeployer(ctx, cur.deployer)
		if err != nil {
			return nil, nil, err
		}
		for _, dep := range deps {
			key := depKey(dep)
			if seenContracts[key] {
				continue
			}
			seenContracts[key] = true
			cluster = append(cluster, dep)

			if cur.depth >= maxFunderDepth {
				continue
			}
			if dep.FirstFunder == nil || dep.FunderIsExchange {
				continue
			}
			// Siblings: other deployers first funded by the same wallet.
			siblings, err := c.store.DeploymentsByFunder(ctx, *dep.FirstFunder)
			if err != nil {
				return nil, nil, err
			}
			if len(siblings) > 1 {
				funderRoot = dep.FirstFunder
			}
			for _, sib := range siblings {
				if !seenDeployers[sib.Deployer] {
					queue = append(queue, hop{sib.Deployer, cur.depth + 1})
				}
			}
		}
	}
	return cluster, funderRoot, nil
}

func depKey(d db.Deployment) string {
	return strconv.FormatInt(d.ChainID, 10) + ":" + d.Contract.Hex()
}

func severityFor(size int, ratio float64, deployers int) string {
	switch {
	case (size >= 5 || deployers >= 3) && ratio >= 0.6:
		return "high"
	case size >= 5 || deployers >= 3:
		return "medium"
	default:
		return "low"
	}
}

func indicators(s models.CampaignSummary, funderRoot *common.Address) []string {
	var out []string
	if funderRoot != nil {
		out = append(out, "shared funding wallet across deployers")
	}
	if len(s.Deployers) >= 3 {
		out = append(out, "multiple deployer addresses in one cluster")
	}
	if s.HighRiskRatio >= 0.8 {
		out = append(out, "most cluster contracts scored high risk")
	}
	chains := map[int64]bool{}
	for _, m := range s.Contracts {
		chains[m.ChainID] = true
	}
	if len(chains) > 1 {
		out = append(out, "cluster spans multiple chains")
	}
	return out
}
