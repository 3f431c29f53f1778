package analyzer

import (
	"bytes"

	"github.com/txshield/firewall-engine/internal/chain"
)

// bytecodeTraits are the dangerous capabilities detectable from deployed
// bytecode without source.
type bytecodeTraits struct {
	Selfdestruct     bool
	DelegatecallArg  bool
	UpgradeableProxy bool
	MintOpen         bool
	BlacklistFn      bool
	PauseOpen        bool
	SetFeeOpen       bool
	MaxTxOpen        bool
}

// EIP-1967 implementation slot, present verbatim in proxy bytecode.
var eip1967Slot = []byte{
	0x36, 0x08, 0x94, 0xa1, 0x3b, 0xa1, 0xa3, 0x21, 0x06, 0x67, 0xc8, 0x28,
	0x49, 0x2d, 0xb9, 0x8d, 0xca, 0x3e, 0x20, 0x76, 0xcc, 0x37, 0x35, 0xa9,
	0x20, 0xa3, 0xca, 0x50, 0x5d, 0x38, 0x2b, 0xbc,
}

// EIP-1167 minimal proxy preamble.
var minimalProxyPrefix = []byte{0x36, 0x3d, 0x3d, 0x37, 0x3d, 0x3d, 0x3d, 0x36, 0x3d}

// scanBytecode walks the opcode stream (skipping PUSH immediates so data
// bytes cannot fake opcodes) and searches the raw bytes for dispatch-table
// selectors of privileged functions.
func scanBytecode(code []byte) bytecodeTraits {
	var t bytecodeTraits

	for i := 0; i < len(code); i++ {
		op := code[i]
		if op >= 0x60 && op <= 0x7f { // PUSH1..PUSH32
			i += int(op - 0x5f)
			continue
		}
		switch op {
		case 0xff: // SELFDESTRUCT
			t.Selfdestruct = true
		case 0xf4: // DELEGATECALL
			t.DelegatecallArg = true
		}
	}

	if bytes.Contains(code, eip1967Slot) || bytes.Contains(code, minimalProxyPrefix) {
		t.UpgradeableProxy = true
	}

	t.MintOpen = hasSelector(code, "mint(address,uint256)")
	t.BlacklistFn = hasSelector(code, "blacklist(address)")
	t.PauseOpen = hasSelector(code, "pause()")
	t.SetFeeOpen = hasSelector(code, "setTaxFee(uint256)")
	t.MaxTxOpen = hasSelector(code, "setMaxTxAmount(uint256)")
	return t
}

// hasSelector checks for a PUSH4 of the function selector, the compiler's
// dispatch-table fingerprint.
func hasSelector(code []byte, sig string) bool {
	sel := chain.SelectorFor(sig)
	needle := append([]byte{0x63}, sel[:]...) // PUSH4 <selector>
	return bytes.Contains(code, needle)
}
