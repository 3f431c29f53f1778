package services

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txshield/firewall-engine/internal/config"
)

// MarketRecord is the normalized DEX market view. All monetary fields are
// USD; ages are seconds.
type MarketRecord struct {
	HasPair        bool    `json:"hasPair"`
	LiquidityUSD   float64 `json:"liquidityUsd"`
	PairAgeSeconds int64   `json:"pairAgeSeconds"`
	FDVUSD         float64 `json:"fdvUsd"`
	Volume24hUSD   float64 `json:"volume24hUsd"`
	WashScore      float64 `json:"washScore"` // 0-1
}

type MarketFetcher interface {
	Name() string
	Healthy() bool
	Fetch(ctx context.Context, chainID int64, token common.Address) (MarketRecord, error)
}

// MarketService normalizes a dexscreener-style pairs API.
type MarketService struct {
	base
	apiBase string
}

func NewMarketService(apiBase string, circuit config.CircuitConfig) *MarketService {
	return &MarketService{
		base:    newBase(SourceMarket, 60*time.Second, circuit),
		apiBase: apiBase,
	}
}

type marketWire struct {
	Pairs []struct {
		Liquidity struct {
			USD float64 `json:"usd"`
		} `json:"liquidity"`
		FDV           float64 `json:"fdv"`
		PairCreatedAt int64   `json:"pairCreatedAt"` // unix millis
		Volume        struct {
			H24 float64 `json:"h24"`
		} `json:"volume"`
		Txns struct {
			H24 struct {
				Buys  int `json:"buys"`
				Sells int `json:"sells"`
			} `json:"h24"`
		} `json:"txns"`
	} `json:"pairs"`
}

func (s *MarketService) Fetch(ctx context.Context, chainID int64, token common.Address) (MarketRecord, error) {
	key := fmt.Sprintf("%d:%s", chainID, token.Hex())
	out, err := s.do(ctx, key, func(ctx context.Context) (any, error) {
		var wire marketWire
		url := fmt.Sprintf("%s/tokens/%s", s.apiBase, token.Hex())
		if err := s.getJSON(ctx, url, &wire); err != nil {
			return nil, err
		}
		return normalizeMarket(wire), nil
	})
	if err != nil {
		return MarketRecord{}, err
	}
	return out.(MarketRecord), nil
}

func normalizeMarket(wire marketWire) MarketRecord {
	rec := MarketRecord{}
	if len(wire.Pairs) == 0 {
		return rec
	}

	// Deepest pair represents the token; others add to aggregate volume.
	deepest := wire.Pairs[0]
	for _, p := range wire.Pairs {
		rec.Volume24hUSD += p.Volume.H24
		if p.Liquidity.USD > deepest.Liquidity.USD {
			deepest = p
		}
	}

	rec.HasPair = true
	rec.LiquidityUSD = deepest.Liquidity.USD
	rec.FDVUSD = deepest.FDV
	if deepest.PairCreatedAt > 0 {
		rec.PairAgeSeconds = int64(time.Since(time.UnixMilli(deepest.PairCreatedAt)).Seconds())
	}
	rec.WashScore = washScore(deepest.Txns.H24.Buys, deepest.Txns.H24.Sells, deepest.Volume.H24, deepest.Liquidity.USD)
	return rec
}

// washScore estimates wash-trading likelihood from trade symmetry and the
// volume/liquidity ratio. Perfectly mirrored buys/sells over thin liquidity
// is the classic fingerprint.
func washScore(buys, sells int, vol24, liq float64) float64 {
	if buys+sells < 20 || liq <= 0 {
		return 0
	}

	symmetry := 1.0 - abs(float64(buys-sells))/float64(buys+sells)
	turnover := vol24 / liq
	turnoverFactor := 0.0
	if turnover > 5 {
		turnoverFactor = turnover / 50.0
		if turnoverFactor > 1 {
			turnoverFactor = 1
		}
	}

	score := symmetry * 0.6 * turnoverFactor
	if score > 1 {
		score = 1
	}
	return score
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
