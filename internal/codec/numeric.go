package codec

import "math/big"

// bigBytes returns the big-endian, leading-zero-stripped byte
// representation of a non-negative integer, as required for numeric
// codec fields. A nil pointer is treated as absent by the caller, not
// here.
func bigBytes(x *big.Int) []byte {
	if x == nil {
		return nil
	}
	return x.Bytes()
}

func bytesToBig(b []byte) *big.Int {
	if len(b) == 0 {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(b)
}

func uint64Bytes(v uint64) []byte {
	return new(big.Int).SetUint64(v).Bytes()
}

func bytesToUint64(b []byte) uint64 {
	return bytesToBig(b).Uint64()
}
