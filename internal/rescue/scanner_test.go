package rescue

import (
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txshield/firewall-engine/internal/services"
	"github.com/txshield/firewall-engine/pkg/models"
)

type stubReputation struct {
	reps map[string]*models.ContractReputation
}

func (s *stubReputation) GetReputation(_ context.Context, _ int64, address string) (*models.ContractReputation, error) {
	return s.reps[strings.ToLower(address)], nil
}

type stubScamList struct {
	listed map[common.Address]bool
}

func (s *stubScamList) Name() string    { return "scamlist" }
func (s *stubScamList) Healthy() bool   { return true }
func (s *stubScamList) Fetch(_ context.Context, _ int64, addr common.Address) (services.ScamListRecord, error) {
	if s.listed[addr] {
		return services.ScamListRecord{Hits: []services.ScamHit{{Source: "feed", Category: "drainer"}}}, nil
	}
	return services.ScamListRecord{}, nil
}

func TestClassifyPrecedence(t *testing.T) {
	highRep := common.HexToAddress("0x0000000000000000000000000000000000000a01")
	scamOnly := common.HexToAddress("0x0000000000000000000000000000000000000a02")
	unknown := common.HexToAddress("0x0000000000000000000000000000000000000a03")
	mediumRep := common.HexToAddress("0x0000000000000000000000000000000000000a04")

	s := NewScanner(nil, &stubReputation{reps: map[string]*models.ContractReputation{
		strings.ToLower(highRep.Hex()):   {Level: models.RiskHigh},
		strings.ToLower(mediumRep.Hex()): {Level: models.RiskMedium},
	}}, &stubScamList{listed: map[common.Address]bool{scamOnly: true}}, 100)

	tests := []struct {
		name    string
		spender common.Address
		want    models.RiskLevel
	}{
		{"stored high reputation", highRep, models.RiskHigh},
		{"stored medium reputation", mediumRep, models.RiskMedium},
		{"scam list only", scamOnly, models.RiskHigh},
		{"unknown spender", unknown, models.RiskLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.classify(context.Background(), 1, tt.spender); got != tt.want {
				t.Errorf("classify(%s) = %s, want %s", tt.spender.Hex(), got, tt.want)
			}
		})
	}
}

func TestClassifyWithoutStoreFallsBackToScamList(t *testing.T) {
	scam := common.HexToAddress("0x0000000000000000000000000000000000000b01")
	s := NewScanner(nil, nil, &stubScamList{listed: map[common.Address]bool{scam: true}}, 100)
	if got := s.classify(context.Background(), 1, scam); got != models.RiskHigh {
		t.Errorf("classify = %s, want HIGH", got)
	}
}

func TestRevokeTemplate(t *testing.T) {
	rec := models.ApprovalRecord{
		Token:   common.HexToAddress("0x0000000000000000000000000000000000000c01"),
		Spender: common.HexToAddress("0x0000000000000000000000000000000000000c02"),
	}
	tpl := revokeTemplate(1, rec)
	if tpl.To != rec.Token {
		t.Errorf("revoke targets %s, want the token contract", tpl.To.Hex())
	}
	if tpl.Value != "0x0" {
		t.Errorf("revoke value = %s, want 0x0", tpl.Value)
	}
	// approve selector + two 32-byte words, hex encoded with 0x prefix.
	if len(tpl.Data) != 2+2*(4+64) {
		t.Errorf("revoke data length = %d", len(tpl.Data))
	}
	if !strings.HasPrefix(tpl.Data, "0x095ea7b3") {
		t.Errorf("revoke data = %s, want approve calldata", tpl.Data[:10])
	}
}

func TestNarrativeBranches(t *testing.T) {
	empty := &models.RescueReport{}
	means, cando := narrative(empty)
	if !strings.Contains(means, "No active token approvals") || !strings.Contains(cando, "No action needed") {
		t.Errorf("empty narrative wrong: %q / %q", means, cando)
	}

	risky := &models.RescueReport{
		Approvals:     []models.ApprovalRecord{{}, {}, {}},
		HighRiskCount: 2,
	}
	means, cando = narrative(risky)
	if !strings.Contains(means, "high-risk") || !strings.Contains(cando, "revoke") {
		t.Errorf("high-risk narrative wrong: %q / %q", means, cando)
	}

	unlimited := &models.RescueReport{
		Approvals: []models.ApprovalRecord{{Unlimited: true}, {}},
	}
	means, _ = narrative(unlimited)
	if !strings.Contains(means, "unlimited") {
		t.Errorf("unlimited narrative wrong: %q", means)
	}

	clean := &models.RescueReport{
		Approvals: []models.ApprovalRecord{{}, {}},
	}
	means, cando = narrative(clean)
	if !strings.Contains(means, "look safe") || !strings.Contains(cando, "No urgent action") {
		t.Errorf("clean narrative wrong: %q / %q", means, cando)
	}
}
