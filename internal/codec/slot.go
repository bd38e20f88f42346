// Package codec implements the on-disk record format for blocks,
// transactions and traces: a one-byte format tag followed by an
// RLP-encoded tuple of fields in fixed positional order, decoded
// lazily one field at a time.
package codec

import (
	"bytes"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
)

// FormatTag is the leading version byte every encoded record carries.
const FormatTag byte = 0x01

// ErrUnknownFormat is returned when a record's leading tag byte does
// not match a recognized codec version.
var ErrUnknownFormat = errors.New("codec: unknown format tag")

// absentSentinel is the RLP encoding reserved to mean "this optional
// field was not present on the source object at all". It is the
// canonical empty RLP byte string.
var absentSentinel = []byte{0x80}

// emptySentinel is the RLP encoding reserved to mean "this field was
// present on the source object and its value was legitimately empty".
// It is the canonical empty RLP list.
var emptySentinel = []byte{0xc0}

// encodeSlot turns a field's raw byte value into the RLP item that
// occupies its positional slot in the tuple. present=false always
// yields the absent sentinel regardless of value.
func encodeSlot(value []byte, present bool) rlp.RawValue {
	if !present {
		return rlp.RawValue(absentSentinel)
	}
	if len(value) == 0 {
		return rlp.RawValue(emptySentinel)
	}
	enc, err := rlp.EncodeToBytes(value)
	if err != nil {
		// value is a []byte; rlp can always encode a byte string.
		panic("codec: unreachable rlp encode failure: " + err.Error())
	}
	return rlp.RawValue(enc)
}

// decodeSlot interprets a raw RLP item previously produced by
// encodeSlot, returning the field's value and whether it was present.
func decodeSlot(raw []byte) (value []byte, present bool) {
	if bytes.Equal(raw, absentSentinel) {
		return nil, false
	}
	if bytes.Equal(raw, emptySentinel) {
		return []byte{}, true
	}
	var out []byte
	if err := rlp.DecodeBytes(raw, &out); err != nil {
		// A malformed slot is reported as absent rather than as an
		// error; splitRecord has already validated the slot count.
		return nil, false
	}
	return out, true
}

// lazyField memoizes the decode of a single positional slot. Decoding
// a record only reads the raw bytes of every slot (see splitRecord);
// interpreting a slot's contents happens here, on first access.
type lazyField struct {
	once    sync.Once
	raw     []byte
	value   []byte
	present bool
}

func (f *lazyField) get() ([]byte, bool) {
	f.once.Do(func() {
		f.value, f.present = decodeSlot(f.raw)
	})
	return f.value, f.present
}

// rawBytes returns the slot's raw RLP item untouched. Used for fields
// whose slot is itself a nested RLP list (never a scalar byte string),
// where the absent/empty-byte-string sentinel scheme does not apply.
func (f *lazyField) rawBytes() []byte {
	return f.raw
}

// rawSlots splits the body of a top-level RLP list (everything after
// the format tag byte) into its positional items without interpreting
// any of them — the minimal amount of work needed before any lazy
// field can be accessed.
func rawSlots(body []byte) ([][]byte, error) {
	s := rlp.NewStream(bytes.NewReader(body), uint64(len(body)))
	if _, err := s.List(); err != nil {
		return nil, err
	}
	var slots [][]byte
	for {
		raw, err := s.Raw()
		if err == rlp.EOL {
			break
		}
		if err != nil {
			return nil, err
		}
		slots = append(slots, raw)
	}
	if err := s.ListEnd(); err != nil {
		return nil, err
	}
	return slots, nil
}

// encodeRecord assembles the final on-disk bytes for a tuple of
// already-encoded slots: the format tag, then the outer RLP list.
func encodeRecord(slots []rlp.RawValue) ([]byte, error) {
	body, err := rlp.EncodeToBytes(slots)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, FormatTag)
	out = append(out, body...)
	return out, nil
}

// splitRecord validates and strips the leading format tag, returning
// the positional raw slots underneath.
func splitRecord(data []byte, wantSlots int) ([][]byte, error) {
	if len(data) == 0 || data[0] != FormatTag {
		return nil, ErrUnknownFormat
	}
	slots, err := rawSlots(data[1:])
	if err != nil {
		return nil, err
	}
	if len(slots) != wantSlots {
		return nil, errors.New("codec: slot count mismatch for record kind")
	}
	return slots, nil
}

func newLazyFields(slots [][]byte) []lazyField {
	fields := make([]lazyField, len(slots))
	for i, raw := range slots {
		fields[i].raw = raw
	}
	return fields
}

// fieldSpec is a single positional slot awaiting encoding: its index
// (used only for self-documentation at call sites), its raw value
// bytes, and whether the field is present at all.
type fieldSpec struct {
	index   int
	value   []byte
	present bool
}

// encodeFields lays out a full record's slots in order and wraps them
// in the outer RLP list plus format tag. slotCount guards against a
// caller forgetting to list every positional field.
func encodeFields(items []fieldSpec, slotCount int) ([]byte, error) {
	slots, err := fieldSlots(items, slotCount)
	if err != nil {
		return nil, err
	}
	return encodeRecord(slots)
}

// fieldSlots is encodeFields without the final wrap, for record kinds
// (transactions) that need to overwrite a nested-list slot after the
// flat fields have been laid out.
func fieldSlots(items []fieldSpec, slotCount int) ([]rlp.RawValue, error) {
	if len(items) != slotCount {
		return nil, errors.New("codec: field spec count mismatch for record kind")
	}
	slots := make([]rlp.RawValue, len(items))
	for _, it := range items {
		slots[it.index] = encodeSlot(it.value, it.present)
	}
	return slots, nil
}

// rawValue is a readability alias for an already-RLP-encoded item.
type rawValue = rlp.RawValue

// encodeRecordBody wraps a slice of already-encoded items into one
// RLP list item, without the format-tag byte — used for nested lists
// (trace call trees, transaction logs) embedded inside a slot.
func encodeRecordBody(items []rawValue) (rawValue, error) {
	enc, err := rlp.EncodeToBytes(items)
	if err != nil {
		return nil, err
	}
	return rawValue(enc), nil
}

// rlpEOL is re-exported so sibling files in this package don't need to
// import rlp solely for the end-of-list sentinel.
var rlpEOL = rlp.EOL

// rlpStream wraps a raw RLP item's bytes for sequential reads.
func rlpStream(raw []byte) *rlp.Stream {
	return rlp.NewStream(bytes.NewReader(raw), uint64(len(raw)))
}
