package chain

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestSelectorForMatchesCanonicalValues(t *testing.T) {
	// Selectors published in the ERC-20/721 standards.
	tests := []struct {
		sig  string
		want string
	}{
		{"approve(address,uint256)", "095ea7b3"},
		{"transfer(address,uint256)", "a9059cbb"},
		{"transferFrom(address,address,uint256)", "23b872dd"},
		{"setApprovalForAll(address,bool)", "a22cb465"},
		{"owner()", "8da5cb5b"},
		{"totalSupply()", "18160ddd"},
	}
	for _, tt := range tests {
		sel := SelectorFor(tt.sig)
		if got := hex.EncodeToString(sel[:]); got != tt.want {
			t.Errorf("SelectorFor(%s) = %s, want %s", tt.sig, got, tt.want)
		}
	}
}

func TestDecodeCalldataApprove(t *testing.T) {
	spender := common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")
	amount := new(big.Int).Lsh(big.NewInt(1), 200)

	sel := SelectorFor("approve(address,uint256)")
	data := append(sel[:], common.LeftPadBytes(spender.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)

	dc := Decode(data)
	if dc.Name != "approve" {
		t.Fatalf("Name = %q, want approve", dc.Name)
	}
	if got, ok := dc.Args[0].(common.Address); !ok || got != spender {
		t.Errorf("arg0 = %v, want %v", dc.Args[0], spender)
	}
	if got, ok := dc.Args[1].(*big.Int); !ok || got.Cmp(amount) != 0 {
		t.Errorf("arg1 = %v, want %v", dc.Args[1], amount)
	}
}

func TestDecodeCalldataUnknownSelectorKeepsBytes(t *testing.T) {
	data := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}
	dc := Decode(data)
	if dc.Name != "" || dc.Sig != "" {
		t.Errorf("unknown selector should not resolve, got %q/%q", dc.Name, dc.Sig)
	}
	if dc.Selector != [4]byte{0xde, 0xad, 0xbe, 0xef} {
		t.Errorf("Selector = %x", dc.Selector)
	}
}

func TestDecodeCalldataShortInput(t *testing.T) {
	dc := Decode([]byte{0x09, 0x5e})
	if dc.Name != "" || len(dc.Args) != 0 {
		t.Errorf("short calldata should decode to nothing, got %+v", dc)
	}
}

func TestArgCountConsistent(t *testing.T) {
	sel := SelectorFor("approve(address,uint256)")
	full := append(sel[:], make([]byte, 64)...)
	truncated := append(sel[:], make([]byte, 32)...)

	if !ArgCountConsistent(Decode(full)) {
		t.Error("full approve calldata flagged as inconsistent")
	}
	if ArgCountConsistent(Decode(truncated)) {
		t.Error("truncated approve calldata passed the consistency check")
	}
	// Unknown selectors are always consistent; there is nothing to compare.
	if !ArgCountConsistent(Decode([]byte{0xde, 0xad, 0xbe, 0xef})) {
		t.Error("unknown selector should be treated as consistent")
	}
}

func TestBuildRevokeCalldataRoundTrips(t *testing.T) {
	spender := common.HexToAddress("0x1111111254EEB25477B68fb85Ed929f73A960582")
	data := BuildRevokeCalldata(spender)

	if len(data) != 4+64 {
		t.Fatalf("revoke calldata length = %d, want 68", len(data))
	}
	dc := Decode(data)
	if dc.Name != "approve" {
		t.Fatalf("revoke decodes to %q, want approve", dc.Name)
	}
	if got := dc.Args[0].(common.Address); got != spender {
		t.Errorf("spender = %v, want %v", got, spender)
	}
	if amount := dc.Args[1].(*big.Int); amount.Sign() != 0 {
		t.Errorf("revoke amount = %v, want 0", amount)
	}
}

func TestEncodeViewCall(t *testing.T) {
	sel := SelectorFor("balanceOf(address)")
	holder := common.LeftPadBytes(common.HexToAddress("0xaa").Bytes(), 32)
	data := EncodeViewCall(sel, holder)
	if !bytes.Equal(data[:4], sel[:]) || !bytes.Equal(data[4:], holder) {
		t.Errorf("EncodeViewCall mismatch: %x", data)
	}
}
