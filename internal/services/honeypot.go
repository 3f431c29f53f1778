package services

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txshield/firewall-engine/internal/config"
)

// HoneypotRecord is the normalized sell-simulation result. Taxes are
// fractions (0.99 = 99%), never percentages.
type HoneypotRecord struct {
	IsHoneypot Tri     `json:"isHoneypot"`
	BuyTax     float64 `json:"buyTax"`
	SellTax    float64 `json:"sellTax"`
	CanBuy     Tri     `json:"canBuy"`
	CanSell    Tri     `json:"canSell"`
	Reason     string  `json:"reason,omitempty"`
}

// HoneypotFetcher exposes the honeypot service contract.
type HoneypotFetcher interface {
	Name() string
	Healthy() bool
	Fetch(ctx context.Context, chainID int64, token common.Address) (HoneypotRecord, error)
}

// HoneypotService normalizes a honeypot.is-style simulation provider.
type HoneypotService struct {
	base
	apiBase string
}

func NewHoneypotService(apiBase string, circuit config.CircuitConfig) *HoneypotService {
	return &HoneypotService{
		base:    newBase(SourceHoneypot, 5*time.Minute, circuit),
		apiBase: apiBase,
	}
}

// honeypotWire is the provider payload shape before normalization.
type honeypotWire struct {
	HoneypotResult *struct {
		IsHoneypot bool   `json:"isHoneypot"`
		Reason     string `json:"honeypotReason"`
	} `json:"honeypotResult"`
	SimulationResult *struct {
		BuyTax  float64 `json:"buyTax"`  // provider sends percentages
		SellTax float64 `json:"sellTax"`
		BuyGas  string  `json:"buyGas"`
		SellGas string  `json:"sellGas"`
	} `json:"simulationResult"`
	SimulationSuccess bool `json:"simulationSuccess"`
}

func (s *HoneypotService) Fetch(ctx context.Context, chainID int64, token common.Address) (HoneypotRecord, error) {
	key := fmt.Sprintf("%d:%s", chainID, token.Hex())
	out, err := s.do(ctx, key, func(ctx context.Context) (any, error) {
		var wire honeypotWire
		url := fmt.Sprintf("%s?address=%s&chainID=%d", s.apiBase, token.Hex(), chainID)
		if err := s.getJSON(ctx, url, &wire); err != nil {
			return nil, err
		}
		return normalizeHoneypot(wire), nil
	})
	if err != nil {
		return HoneypotRecord{IsHoneypot: TriUnknown, CanBuy: TriUnknown, CanSell: TriUnknown}, err
	}
	return out.(HoneypotRecord), nil
}

func normalizeHoneypot(wire honeypotWire) HoneypotRecord {
	rec := HoneypotRecord{IsHoneypot: TriUnknown, CanBuy: TriUnknown, CanSell: TriUnknown}

	if !wire.SimulationSuccess && wire.HoneypotResult == nil {
		return rec
	}
	if wire.HoneypotResult != nil {
		rec.Reason = wire.HoneypotResult.Reason
		if wire.HoneypotResult.IsHoneypot {
			rec.IsHoneypot = TriYes
			rec.CanSell = TriNo
		} else {
			rec.IsHoneypot = TriNo
			rec.CanSell = TriYes
		}
	}
	if wire.SimulationResult != nil {
		// Percent on the wire, fraction in the record.
		rec.BuyTax = wire.SimulationResult.BuyTax / 100.0
		rec.SellTax = wire.SimulationResult.SellTax / 100.0
		if wire.SimulationSuccess {
			rec.CanBuy = TriYes
		}
	}
	return rec
}
