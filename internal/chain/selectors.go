package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Known function signatures. Selectors are derived with keccak at init so the
// table can never drift from the signature strings.
var knownSignatures = []string{
	// ERC-20 surface
	"approve(address,uint256)",
	"transfer(address,uint256)",
	"transferFrom(address,address,uint256)",
	"increaseAllowance(address,uint256)",
	"decreaseAllowance(address,uint256)",
	"totalSupply()",
	"balanceOf(address)",
	"allowance(address,address)",
	"name()",
	"symbol()",
	"decimals()",
	// ERC-721 / operator approvals
	"setApprovalForAll(address,bool)",
	"safeTransferFrom(address,address,uint256)",
	// EIP-2612
	"permit(address,address,uint256,uint256,uint8,bytes32,bytes32)",
	// ownership / privileged
	"owner()",
	"renounceOwnership()",
	"transferOwnership(address)",
	"mint(address,uint256)",
	"pause()",
	"unpause()",
	"setTaxFee(uint256)",
	"setMaxTxAmount(uint256)",
	"blacklist(address)",
	// routers
	"swapExactTokensForTokens(uint256,uint256,address[],address,uint256)",
	"swapExactETHForTokens(uint256,address[],address,uint256)",
	"multicall(bytes[])",
	"execTransaction(address,uint256,bytes,uint8,uint256,uint256,uint256,address,address,bytes)",
}

var (
	selectorToSig = map[[4]byte]string{}
	sigToSelector = map[string][4]byte{}
)

func init() {
	for _, sig := range knownSignatures {
		sel := SelectorFor(sig)
		selectorToSig[sel] = sig
		sigToSelector[sig] = sel
	}
}

// SelectorFor returns the 4-byte selector of a canonical signature.
func SelectorFor(sig string) [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(sig))[:4])
	return sel
}

// SelectorByName returns the selector for a known signature, looked up by
// bare function name. Used by the disguised-selector check.
func SelectorByName(name string) ([4]byte, bool) {
	for sig, sel := range sigToSelector {
		if strings.HasPrefix(sig, name+"(") {
			return sel, true
		}
	}
	return [4]byte{}, false
}

// Decode parses calldata against the known-selector table. Unknown
// selectors still yield the selector bytes so downstream checks can run.
func Decode(data []byte) DecodedCall {
	dc := DecodedCall{Raw: data}
	if len(data) < 4 {
		return dc
	}
	copy(dc.Selector[:], data[:4])

	sig, ok := selectorToSig[dc.Selector]
	if !ok {
		return dc
	}
	dc.Sig = sig
	dc.Name = sig[:strings.Index(sig, "(")]
	dc.Args = decodeStaticArgs(sig, data[4:])
	return dc
}

// decodeStaticArgs decodes head words for the static types we care about
// (address, uint256, uint8, bool, bytes32). Dynamic params keep their raw
// head word; that is enough for every rule the analyzers apply.
func decodeStaticArgs(sig string, body []byte) []any {
	open := strings.Index(sig, "(")
	params := strings.TrimSuffix(sig[open+1:], ")")
	if params == "" {
		return nil
	}

	var args []any
	for i, typ := range strings.Split(params, ",") {
		word := headWord(body, i)
		if word == nil {
			break
		}
		switch typ {
		case "address":
			args = append(args, common.BytesToAddress(word[12:]))
		case "uint256", "uint":
			args = append(args, new(big.Int).SetBytes(word))
		case "uint8":
			args = append(args, word[31])
		case "bool":
			args = append(args, word[31] == 1)
		default:
			raw := make([]byte, 32)
			copy(raw, word)
			args = append(args, raw)
		}
	}
	return args
}

func headWord(body []byte, i int) []byte {
	off := i * 32
	if len(body) < off+32 {
		return nil
	}
	return body[off : off+32]
}

// ArgCountConsistent reports whether the calldata body length can hold the
// head words the known signature declares. Dynamic tails legitimately extend
// the body, so only a too-short body is inconsistent.
func ArgCountConsistent(dc DecodedCall) bool {
	if dc.Sig == "" {
		return true
	}
	open := strings.Index(dc.Sig, "(")
	params := strings.TrimSuffix(dc.Sig[open+1:], ")")
	if params == "" {
		return len(dc.Raw) == 4
	}
	want := len(strings.Split(params, ",")) * 32
	return len(dc.Raw)-4 >= want
}

// BuildRevokeCalldata encodes approve(spender, 0).
func BuildRevokeCalldata(spender common.Address) []byte {
	sel := sigToSelector["approve(address,uint256)"]
	data := make([]byte, 0, 4+64)
	data = append(data, sel[:]...)
	data = append(data, common.LeftPadBytes(spender.Bytes(), 32)...)
	data = append(data, make([]byte, 32)...)
	return data
}

// EncodeViewCall builds calldata for a zero-arg or static-arg view call.
func EncodeViewCall(selector [4]byte, args []byte) []byte {
	data := make([]byte, 0, 4+len(args))
	data = append(data, selector[:]...)
	data = append(data, args...)
	return data
}
