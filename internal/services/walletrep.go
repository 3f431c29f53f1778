package services

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txshield/firewall-engine/internal/config"
)

// WalletRepRecord is the normalized wallet reputation result. Score is
// 0-100 where low means bad history.
type WalletRepRecord struct {
	Score   int      `json:"score"`
	Flagged bool     `json:"flagged"`
	Labels  []string `json:"labels,omitempty"`
}

type WalletRepFetcher interface {
	Name() string
	Healthy() bool
	Fetch(ctx context.Context, chainID int64, wallet common.Address) (WalletRepRecord, error)
}

// WalletRepService normalizes an address-reputation provider.
type WalletRepService struct {
	base
	apiBase string
}

func NewWalletRepService(apiBase string, circuit config.CircuitConfig) *WalletRepService {
	return &WalletRepService{
		base:    newBase(SourceWalletRep, 5*time.Minute, circuit),
		apiBase: apiBase,
	}
}

type walletRepWire struct {
	TrustScore int      `json:"trust_score"`
	Flagged    bool     `json:"flagged"`
	Tags       []string `json:"tags"`
}

func (s *WalletRepService) Fetch(ctx context.Context, chainID int64, wallet common.Address) (WalletRepRecord, error) {
	key := fmt.Sprintf("%d:%s", chainID, wallet.Hex())
	out, err := s.do(ctx, key, func(ctx context.Context) (any, error) {
		var wire walletRepWire
		url := fmt.Sprintf("%s/address/%s?chain_id=%d", s.apiBase, wallet.Hex(), chainID)
		if err := s.getJSON(ctx, url, &wire); err != nil {
			return nil, err
		}
		score := wire.TrustScore
		if score < 0 {
			score = 0
		}
		if score > 100 {
			score = 100
		}
		return WalletRepRecord{Score: score, Flagged: wire.Flagged, Labels: wire.Tags}, nil
	})
	if err != nil {
		return WalletRepRecord{}, err
	}
	return out.(WalletRepRecord), nil
}
