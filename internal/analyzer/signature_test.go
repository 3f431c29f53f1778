package analyzer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/txshield/firewall-engine/pkg/models"
)

const maxUintStr = "115792089237316195423570985008687907853269984665640564039457584007913129639935"

func typedDataContext(primaryType string, message map[string]any) *Context {
	actx := NewContext("req", 1, common.HexToAddress("0xaa"), nil)
	actx.TypedData = &apitypes.TypedData{
		PrimaryType: primaryType,
		Message:     message,
	}
	actx.SignMethod = "eth_signTypedData_v4"
	return actx
}

func TestSignatureUnlimitedPermitToUnknownSpender(t *testing.T) {
	actx := typedDataContext("Permit", map[string]any{
		"spender":  "0x00000000000000000000000000000000000Bad01",
		"value":    maxUintStr,
		"deadline": fmt.Sprintf("%d", time.Now().Add(time.Hour).Unix()),
	})
	res := NewSignature().Run(context.Background(), actx)
	if !res.HasFlag(models.FlagPermitUnlimited) {
		t.Errorf("unlimited permit to unknown spender should flag, got %+v", res)
	}
}

func TestSignatureUnlimitedPermitToAllowlistedSpenderIsClean(t *testing.T) {
	actx := typedDataContext("Permit", map[string]any{
		"spender":  "0x000000000022D473030F116dDEE9F6B43aC78BA3", // canonical Permit2
		"value":    maxUintStr,
		"deadline": fmt.Sprintf("%d", time.Now().Add(time.Hour).Unix()),
	})
	res := NewSignature().Run(context.Background(), actx)
	if res.HasFlag(models.FlagPermitUnlimited) {
		t.Error("permit to allowlisted spender should not flag")
	}
}

func TestSignaturePermit2NestedAmount(t *testing.T) {
	actx := typedDataContext("PermitSingle", map[string]any{
		"spender": "0x00000000000000000000000000000000000Bad02",
		"details": map[string]any{
			"token":  "0x00000000000000000000000000000000000000ee",
			"amount": maxUintStr,
		},
	})
	res := NewSignature().Run(context.Background(), actx)
	if !res.HasFlag(models.FlagPermitUnlimited) {
		t.Error("Permit2 nested unlimited amount should flag")
	}
}

func TestSignatureBoundedPermitIsClean(t *testing.T) {
	actx := typedDataContext("Permit", map[string]any{
		"spender": "0x00000000000000000000000000000000000Bad01",
		"value":   "1000000000000000000",
	})
	res := NewSignature().Run(context.Background(), actx)
	if res.HasFlag(models.FlagPermitUnlimited) {
		t.Error("bounded permit should not flag")
	}
}

func TestSignatureZeroPriceOrder(t *testing.T) {
	tests := []struct {
		name string
		msg  map[string]any
		want bool
	}{
		{
			name: "offer with no consideration",
			msg: map[string]any{
				"offer": []any{map[string]any{"token": "0xee", "startAmount": "1"}},
			},
			want: true,
		},
		{
			name: "zero total consideration",
			msg: map[string]any{
				"offer":         []any{map[string]any{"startAmount": "1"}},
				"consideration": []any{map[string]any{"startAmount": "0"}},
			},
			want: true,
		},
		{
			name: "proceeds to burn address",
			msg: map[string]any{
				"offer": []any{map[string]any{"startAmount": "1"}},
				"consideration": []any{map[string]any{
					"startAmount": "1000000",
					"recipient":   "0x000000000000000000000000000000000000dEaD",
				}},
			},
			want: true,
		},
		{
			name: "normal sale",
			msg: map[string]any{
				"offer": []any{map[string]any{"startAmount": "1"}},
				"consideration": []any{map[string]any{
					"startAmount": "500000000000000000",
					"recipient":   "0x00000000000000000000000000000000000000a1",
				}},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actx := typedDataContext("OrderComponents", tt.msg)
			res := NewSignature().Run(context.Background(), actx)
			if got := res.HasFlag(models.FlagZeroPriceOrder); got != tt.want {
				t.Errorf("ZERO_PRICE_ORDER = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSignatureDistantDeadline(t *testing.T) {
	far := fmt.Sprintf("%d", time.Now().Add(90*24*time.Hour).Unix())
	actx := typedDataContext("Permit", map[string]any{
		"spender":  "0x00000000000000000000000000000000000Bad01",
		"value":    "1000",
		"deadline": far,
	})
	res := NewSignature().Run(context.Background(), actx)
	if res.Score == 0 {
		t.Error("deadline months out should contribute score")
	}
	found := false
	for _, f := range res.Findings {
		if f.Code == "distant_deadline" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected distant_deadline finding, got %+v", res.Findings)
	}
}

func TestSignatureTransactionFlowScoresZero(t *testing.T) {
	actx := NewContext("req", 1, common.HexToAddress("0xaa"), []byte{0x01, 0x02, 0x03, 0x04})
	res := NewSignature().Run(context.Background(), actx)
	if res.Score != 0 || len(res.Flags) != 0 {
		t.Errorf("transaction flow produced %+v, want empty result", res)
	}
}
