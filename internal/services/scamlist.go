package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txshield/firewall-engine/internal/config"
)

// ScamHit is one blocklist entry naming an address.
type ScamHit struct {
	Source   string `json:"source"`
	Category string `json:"category"` // "phishing"/"rug"/"drainer"/"reported"
	Evidence string `json:"evidence,omitempty"`
}

// ScamListRecord is the normalized blocklist lookup result.
type ScamListRecord struct {
	Hits []ScamHit `json:"hits"`
}

func (r ScamListRecord) Listed() bool { return len(r.Hits) > 0 }

type ScamListFetcher interface {
	Name() string
	Healthy() bool
	Fetch(ctx context.Context, chainID int64, addr common.Address) (ScamListRecord, error)
}

// ScamListService periodically pulls a remote blocklist feed and answers
// lookups from the in-memory snapshot. Lookups never hit the network, so a
// feed outage degrades freshness rather than availability.
type ScamListService struct {
	base
	feedURL string
}

func NewScamListService(feedURL string, circuit config.CircuitConfig) *ScamListService {
	return &ScamListService{
		base:    newBase(SourceScamList, 10*time.Minute, circuit),
		feedURL: feedURL,
	}
}

type scamFeedWire struct {
	Entries []struct {
		Address  string `json:"address"`
		ChainID  int64  `json:"chainId"` // 0 = all chains
		Source   string `json:"source"`
		Category string `json:"category"`
		Evidence string `json:"evidence"`
	} `json:"entries"`
}

type scamSnapshot map[string][]ScamHit

func (s *ScamListService) snapshot(ctx context.Context) (scamSnapshot, error) {
	out, err := s.do(ctx, "feed", func(ctx context.Context) (any, error) {
		var wire scamFeedWire
		if err := s.getJSON(ctx, s.feedURL, &wire); err != nil {
			return nil, err
		}
		snap := scamSnapshot{}
		for _, e := range wire.Entries {
			if !common.IsHexAddress(e.Address) {
				continue
			}
			key := snapKey(e.ChainID, common.HexToAddress(e.Address))
			snap[key] = append(snap[key], ScamHit{
				Source:   e.Source,
				Category: strings.ToLower(e.Category),
				Evidence: e.Evidence,
			})
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(scamSnapshot), nil
}

func (s *ScamListService) Fetch(ctx context.Context, chainID int64, addr common.Address) (ScamListRecord, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return ScamListRecord{}, err
	}
	var hits []ScamHit
	hits = append(hits, snap[snapKey(chainID, addr)]...)
	hits = append(hits, snap[snapKey(0, addr)]...) // chain-agnostic entries
	return ScamListRecord{Hits: hits}, nil
}

func snapKey(chainID int64, addr common.Address) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToLower(addr.Hex()))
}
