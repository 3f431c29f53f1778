package services

import (
	"context"

	"github.com/txshield/firewall-engine/internal/chain"
	"github.com/txshield/firewall-engine/internal/faults"
)

// SimulationService fronts the per-chain adapters' Simulate capability with
// the data-service contract (name + health probe). Simulations are not
// cached: the same calldata against fresh state can legitimately differ.
type SimulationService struct {
	adapters map[int64]chain.Adapter
}

func NewSimulationService(adapters map[int64]chain.Adapter) *SimulationService {
	return &SimulationService{adapters: adapters}
}

func (s *SimulationService) Name() string { return SourceSimulation }

func (s *SimulationService) Healthy() bool {
	for _, a := range s.adapters {
		if a.Healthy() {
			return true
		}
	}
	return false
}

func (s *SimulationService) Run(ctx context.Context, chainID int64, msg chain.CallMsg) (*chain.SimulationResult, error) {
	adapter, ok := s.adapters[chainID]
	if !ok {
		return nil, faults.Newf(faults.KindValidation, SourceSimulation, "chain %d unsupported", chainID)
	}
	return adapter.Simulate(ctx, msg)
}
