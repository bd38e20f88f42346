package codec

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/evmindexer/core/internal/chaintypes"
)

// CallType is a single byte index into a fixed enumeration, frozen by
// the codec version — changing this list is a codec version bump.
type CallType byte

const (
	CallTypeCall CallType = iota
	CallTypeCallCode
	CallTypeDelegateCall
	CallTypeStaticCall
	CallTypeCreate
	CallTypeCreate2
	CallTypeSelfDestruct
	callTypeUnknown
)

var callTypeNames = map[string]CallType{
	"CALL":         CallTypeCall,
	"CALLCODE":     CallTypeCallCode,
	"DELEGATECALL": CallTypeDelegateCall,
	"STATICCALL":   CallTypeStaticCall,
	"CREATE":       CallTypeCreate,
	"CREATE2":      CallTypeCreate2,
	"SELFDESTRUCT": CallTypeSelfDestruct,
}

var callTypeStrings = func() map[CallType]string {
	m := make(map[CallType]string, len(callTypeNames))
	for s, t := range callTypeNames {
		m[t] = s
	}
	return m
}()

func parseCallType(s string) CallType {
	if t, ok := callTypeNames[s]; ok {
		return t
	}
	return callTypeUnknown
}

func (t CallType) String() string {
	if s, ok := callTypeStrings[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// Trace slot positions. A trace record holds one transaction's call
// tree, keyed externally by the transaction's tx_num.
const (
	trcTxHash = iota
	trcRootCall
	trcSlotCount
)

// Trace is a lazily-decoded call tree for one transaction.
type Trace struct {
	fields []lazyField
}

// EncodeTrace builds the on-disk bytes for one transaction's trace.
func EncodeTrace(txHash common.Hash, root *chaintypes.CallFrame) ([]byte, error) {
	rootSlot, err := encodeCallFrame(root)
	if err != nil {
		return nil, err
	}
	slots := make([]rawValue, trcSlotCount)
	slots[trcTxHash] = encodeSlot(txHash.Bytes(), true)
	slots[trcRootCall] = rootSlot
	return encodeRecord(slots)
}

// callFrame slot positions, nested per call.
const (
	cfType = iota
	cfFrom
	cfTo // optional: absent for e.g. SELFDESTRUCT targets pre-merge
	cfValue
	cfGas
	cfGasUsed
	cfInput
	cfOutput // optional
	cfError  // optional
	cfCalls  // present-empty distinguishes "no nested calls" from "calls field omitted entirely"
	cfSlotCount
)

func encodeCallFrame(f *chaintypes.CallFrame) (rawValue, error) {
	nested := make([]rawValue, len(f.Calls))
	for i := range f.Calls {
		enc, err := encodeCallFrame(&f.Calls[i])
		if err != nil {
			return nil, err
		}
		nested[i] = enc
	}
	var callsSlot rawValue
	if f.Calls == nil {
		callsSlot = encodeSlot(nil, false)
	} else {
		body, err := encodeRecordBody(nested)
		if err != nil {
			return nil, err
		}
		callsSlot = body
	}

	slots := make([]rawValue, cfSlotCount)
	slots[cfType] = encodeSlot([]byte{byte(parseCallType(f.Type))}, true)
	slots[cfFrom] = encodeSlot(f.From.Bytes(), true)
	slots[cfTo] = encodeSlot(optionalAddr(f.To), f.To != nil)
	slots[cfValue] = encodeSlot(optionalBig(f.Value), f.Value != nil)
	slots[cfGas] = encodeSlot(uint64Bytes(uint64(f.Gas)), true)
	slots[cfGasUsed] = encodeSlot(uint64Bytes(uint64(f.GasUsed)), true)
	slots[cfInput] = encodeSlot([]byte(f.Input), true)
	slots[cfOutput] = encodeSlot([]byte(f.Output), f.Output != nil)
	slots[cfError] = encodeSlot([]byte(f.Error), f.Error != "")
	slots[cfCalls] = callsSlot
	return encodeRecordBody(slots)
}

// DecodeTrace parses the codec header for a trace record.
func DecodeTrace(data []byte) (*Trace, error) {
	slots, err := splitRecord(data, trcSlotCount)
	if err != nil {
		return nil, err
	}
	return &Trace{fields: newLazyFields(slots)}, nil
}

func (r *Trace) TxHash() common.Hash {
	b, _ := r.fields[trcTxHash].get()
	return common.BytesToHash(b)
}

// DecodedCall mirrors chaintypes.CallFrame for values reconstructed
// out of the nested RLP call tree.
type DecodedCall struct {
	Type    CallType
	From    common.Address
	To      *common.Address
	Value   *big.Int
	Gas     uint64
	GasUsed uint64
	Input   []byte
	Output  []byte
	Error   string
	Calls   []DecodedCall // nil means "calls field was absent", not "no children"
}

func (r *Trace) RootCall() (DecodedCall, error) {
	raw := r.fields[trcRootCall].rawBytes()
	return decodeCallFrame(raw)
}

func decodeCallFrame(raw []byte) (DecodedCall, error) {
	s := rlpStream(raw)
	if _, err := s.List(); err != nil {
		return DecodedCall{}, err
	}

	typeRaw, err := s.Raw()
	if err != nil {
		return DecodedCall{}, err
	}
	typeBytes, _ := decodeSlot(typeRaw)
	var ct CallType
	if len(typeBytes) == 1 {
		ct = CallType(typeBytes[0])
	}

	fromRaw, err := s.Raw()
	if err != nil {
		return DecodedCall{}, err
	}
	fromBytes, _ := decodeSlot(fromRaw)

	toRaw, err := s.Raw()
	if err != nil {
		return DecodedCall{}, err
	}
	toBytes, toPresent := decodeSlot(toRaw)

	valueRaw, err := s.Raw()
	if err != nil {
		return DecodedCall{}, err
	}
	valueBytes, valuePresent := decodeSlot(valueRaw)

	gasRaw, err := s.Raw()
	if err != nil {
		return DecodedCall{}, err
	}
	gasBytes, _ := decodeSlot(gasRaw)

	gasUsedRaw, err := s.Raw()
	if err != nil {
		return DecodedCall{}, err
	}
	gasUsedBytes, _ := decodeSlot(gasUsedRaw)

	inputRaw, err := s.Raw()
	if err != nil {
		return DecodedCall{}, err
	}
	inputBytes, _ := decodeSlot(inputRaw)

	outputRaw, err := s.Raw()
	if err != nil {
		return DecodedCall{}, err
	}
	outputBytes, _ := decodeSlot(outputRaw)

	errRaw, err := s.Raw()
	if err != nil {
		return DecodedCall{}, err
	}
	errBytes, _ := decodeSlot(errRaw)

	callsRaw, err := s.Raw()
	if err != nil {
		return DecodedCall{}, err
	}
	// The calls slot is never a byte-string value: it is either the
	// absent sentinel (0x80, "calls field omitted") or an RLP list
	// (0xc0 upward, "calls field present" — possibly with zero
	// elements). decodeSlot's byte-string decode does not apply here.
	callsPresent := !bytes.Equal(callsRaw, absentSentinel)

	if err := s.ListEnd(); err != nil {
		return DecodedCall{}, err
	}

	out := DecodedCall{
		Type:    ct,
		From:    common.BytesToAddress(fromBytes),
		Gas:     bytesToUint64(gasBytes),
		GasUsed: bytesToUint64(gasUsedBytes),
		Input:   inputBytes,
		Output:  outputBytes,
		Error:   string(errBytes),
	}
	if toPresent {
		addr := common.BytesToAddress(toBytes)
		out.To = &addr
	}
	if valuePresent {
		out.Value = bytesToBig(valueBytes)
	}
	if callsPresent {
		calls, err := decodeNestedCalls(callsRaw)
		if err != nil {
			return DecodedCall{}, err
		}
		out.Calls = calls
	}
	return out, nil
}

// decodeNestedCalls distinguishes the calls slot's two non-absent
// shapes: an empty RLP list (no children) or a populated RLP list of
// nested call frames. Unlike scalar fields, "present" here always
// means "is a list", so decodeSlot's byte-string decode is bypassed.
func decodeNestedCalls(raw []byte) ([]DecodedCall, error) {
	s := rlpStream(raw)
	if _, err := s.List(); err != nil {
		return nil, err
	}
	calls := []DecodedCall{}
	for {
		item, err := s.Raw()
		if err == rlpEOL {
			break
		}
		if err != nil {
			return nil, err
		}
		c, err := decodeCallFrame(item)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	if err := s.ListEnd(); err != nil {
		return nil, err
	}
	return calls, nil
}
