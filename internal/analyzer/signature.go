package analyzer

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txshield/firewall-engine/pkg/models"
)

// permitSpenderAllowlist holds contracts that legitimately request broad
// permits (canonical Permit2 and the major router deployments).
var permitSpenderAllowlist = map[common.Address]string{
	common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3"): "Permit2",
	common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"): "UniswapV2Router",
	common.HexToAddress("0xE592427A0AEce92De3Edee1F18E0157C05861564"): "UniswapV3Router",
	common.HexToAddress("0x1111111254EEB25477B68fb85Ed929f73A960582"): "1inchRouter",
}

var burnAddresses = map[common.Address]bool{
	common.HexToAddress("0x0000000000000000000000000000000000000000"): true,
	common.HexToAddress("0x000000000000000000000000000000000000dEaD"): true,
}

// Signature inspects EIP-712 typed-data signing requests: token permits,
// Permit2 grants, and marketplace orders. Additive bonus, signature flows
// only; transaction flows score 0 here.
type Signature struct{}

func NewSignature() *Signature { return &Signature{} }

func (s *Signature) Tag() models.Category { return models.CategorySignature }
func (s *Signature) Weight() float64      { return 0 }
func (s *Signature) Required() []string   { return nil }
func (s *Signature) Optional() []string   { return nil }

func (s *Signature) Run(_ context.Context, actx *Context) models.AnalyzerResult {
	res := models.AnalyzerResult{Category: models.CategorySignature, Confidence: 1.0}
	if actx.TypedData == nil {
		return res
	}

	td := actx.TypedData
	msg := td.Message
	score := 0.0

	primary := strings.ToLower(td.PrimaryType)
	isPermit := strings.Contains(primary, "permit") || (msg["spender"] != nil && msg["value"] != nil)
	isOrder := strings.Contains(primary, "order") || msg["consideration"] != nil || msg["offer"] != nil

	if isPermit {
		spender, hasSpender := msgAddress(msg, "spender")
		value := msgBig(msg, "value")
		if value == nil {
			// Permit2 nests the amount under details.
			if details, ok := msg["details"].(map[string]any); ok {
				value = anyBig(details["amount"])
				if !hasSpender {
					spender, hasSpender = msgAddress(msg, "spender")
				}
			}
		}
		if hasSpender && value != nil && isUnlimited(value) {
			if _, allowed := permitSpenderAllowlist[spender]; !allowed {
				score += 40
				res.Flags = append(res.Flags, models.FlagPermitUnlimited)
				res.Payload = map[string]any{"spender": spender.Hex()}
			}
		}
	}

	if isOrder && zeroPriceOrder(msg) {
		score += 60
		res.Flags = append(res.Flags, models.FlagZeroPriceOrder)
	}

	// A distant deadline turns a one-shot grant into a standing one.
	if deadline := firstBig(msg, "deadline", "sigDeadline", "expiry", "endTime"); deadline != nil {
		expiry := time.Unix(deadline.Int64(), 0)
		if deadline.IsInt64() && time.Until(expiry) > 30*24*time.Hour && (isPermit || isOrder) {
			score += 15
			res.Findings = append(res.Findings, models.Finding{
				Code:    "distant_deadline",
				Message: "signature stays valid for more than 30 days",
			})
		}
	}

	res.Score = score
	return res
}

// zeroPriceOrder detects a marketplace order that gives assets away: a
// non-empty offer with zero total consideration, or proceeds routed to a
// burn address.
func zeroPriceOrder(msg map[string]any) bool {
	offers, _ := msg["offer"].([]any)
	considerations, _ := msg["consideration"].([]any)

	if len(offers) > 0 && len(considerations) == 0 {
		return true
	}

	total := new(big.Int)
	for _, c := range considerations {
		item, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if amt := anyBig(item["startAmount"]); amt != nil {
			total.Add(total, amt)
		} else if amt := anyBig(item["amount"]); amt != nil {
			total.Add(total, amt)
		}
		if recipient, ok := anyAddress(item["recipient"]); ok && burnAddresses[recipient] {
			return true
		}
	}
	return len(offers) > 0 && len(considerations) > 0 && total.Sign() == 0
}

func msgAddress(msg map[string]any, key string) (common.Address, bool) {
	return anyAddress(msg[key])
}

func anyAddress(v any) (common.Address, bool) {
	s, ok := v.(string)
	if !ok || !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func msgBig(msg map[string]any, key string) *big.Int {
	return anyBig(msg[key])
}

func firstBig(msg map[string]any, keys ...string) *big.Int {
	for _, key := range keys {
		if v := anyBig(msg[key]); v != nil {
			return v
		}
	}
	return nil
}

// anyBig parses the number shapes typed-data JSON produces: decimal strings,
// 0x-hex strings, and floats.
func anyBig(v any) *big.Int {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, "0x") {
			if n, ok := new(big.Int).SetString(val[2:], 16); ok {
				return n
			}
			return nil
		}
		if n, ok := new(big.Int).SetString(val, 10); ok {
			return n
		}
	case float64:
		return big.NewInt(int64(val))
	}
	return nil
}
