package codec

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/evmindexer/core/internal/chaintypes"
)

// Block slot positions. Required fields are always present; the
// remainder are optional chain-extension fields whose absence must
// round-trip as absence, not as a zero value.
const (
	blkParentHash = iota
	blkSha3Uncles
	blkMiner
	blkStateRoot
	blkTransactionsRoot
	blkReceiptsRoot
	blkLogsBloom
	blkDifficulty
	blkNumber
	blkGasLimit
	blkGasUsed
	blkTimestamp
	blkExtraData
	blkMixHash
	blkNonce
	blkHash
	blkTxCount
	blkBaseFeePerGas    // optional
	blkWithdrawalsRoot  // optional
	blkBlobGasUsed      // optional
	blkExcessBlobGas    // optional
	blkParentBeaconRoot // optional
	blkSlotCount
)

// Block is a lazily-decoded block record: header fields minus the
// embedded transaction list, augmented with a transaction count.
type Block struct {
	fields []lazyField
}

// EncodeBlock builds the on-disk bytes for a block header plus its
// transaction count, in the codec's fixed positional order.
func EncodeBlock(b *chaintypes.RawBlock, txCount int) ([]byte, error) {
	items := []fieldSpec{
		{blkParentHash, b.ParentHash.Bytes(), true},
		{blkSha3Uncles, b.Sha3Uncles.Bytes(), true},
		{blkMiner, b.Miner.Bytes(), true},
		{blkStateRoot, b.StateRoot.Bytes(), true},
		{blkTransactionsRoot, b.TransactionsRoot.Bytes(), true},
		{blkReceiptsRoot, b.ReceiptsRoot.Bytes(), true},
		{blkLogsBloom, []byte(b.LogsBloom), true},
		{blkDifficulty, bigBytes(b.Difficulty.ToInt()), true},
		{blkNumber, bigBytes(b.Number.ToInt()), true},
		{blkGasLimit, uint64Bytes(uint64(b.GasLimit)), true},
		{blkGasUsed, uint64Bytes(uint64(b.GasUsed)), true},
		{blkTimestamp, uint64Bytes(uint64(b.Timestamp)), true},
		{blkExtraData, []byte(b.ExtraData), true},
		{blkMixHash, b.MixHash.Bytes(), true},
		{blkNonce, []byte(b.Nonce), true},
		{blkHash, b.Hash.Bytes(), true},
		{blkTxCount, uint64Bytes(uint64(txCount)), true},
		{blkBaseFeePerGas, optionalBig(b.BaseFeePerGas), b.BaseFeePerGas != nil},
		{blkWithdrawalsRoot, optionalHash(b.WithdrawalsRoot), b.WithdrawalsRoot != nil},
		{blkBlobGasUsed, optionalUint64(b.BlobGasUsed), b.BlobGasUsed != nil},
		{blkExcessBlobGas, optionalUint64(b.ExcessBlobGas), b.ExcessBlobGas != nil},
		{blkParentBeaconRoot, optionalHash(b.ParentBeaconRoot), b.ParentBeaconRoot != nil},
	}
	return encodeFields(items, blkSlotCount)
}

// DecodeBlock parses the codec header and splits out positional raw
// slots; no field content is interpreted until its accessor is called.
func DecodeBlock(data []byte) (*Block, error) {
	slots, err := splitRecord(data, blkSlotCount)
	if err != nil {
		return nil, err
	}
	return &Block{fields: newLazyFields(slots)}, nil
}

func (r *Block) ParentHash() common.Hash {
	b, _ := r.fields[blkParentHash].get()
	return common.BytesToHash(b)
}
func (r *Block) Sha3Uncles() common.Hash {
	b, _ := r.fields[blkSha3Uncles].get()
	return common.BytesToHash(b)
}
func (r *Block) Miner() common.Address {
	b, _ := r.fields[blkMiner].get()
	return common.BytesToAddress(b)
}
func (r *Block) StateRoot() common.Hash {
	b, _ := r.fields[blkStateRoot].get()
	return common.BytesToHash(b)
}
func (r *Block) TransactionsRoot() common.Hash {
	b, _ := r.fields[blkTransactionsRoot].get()
	return common.BytesToHash(b)
}
func (r *Block) ReceiptsRoot() common.Hash {
	b, _ := r.fields[blkReceiptsRoot].get()
	return common.BytesToHash(b)
}
func (r *Block) LogsBloom() []byte {
	b, _ := r.fields[blkLogsBloom].get()
	return b
}
func (r *Block) Difficulty() *big.Int {
	b, _ := r.fields[blkDifficulty].get()
	return bytesToBig(b)
}
func (r *Block) Number() uint64 {
	b, _ := r.fields[blkNumber].get()
	return bytesToUint64(b)
}
func (r *Block) GasLimit() uint64 {
	b, _ := r.fields[blkGasLimit].get()
	return bytesToUint64(b)
}
func (r *Block) GasUsed() uint64 {
	b, _ := r.fields[blkGasUsed].get()
	return bytesToUint64(b)
}
func (r *Block) Timestamp() uint64 {
	b, _ := r.fields[blkTimestamp].get()
	return bytesToUint64(b)
}
func (r *Block) ExtraData() []byte {
	b, _ := r.fields[blkExtraData].get()
	return b
}
func (r *Block) MixHash() common.Hash {
	b, _ := r.fields[blkMixHash].get()
	return common.BytesToHash(b)
}
func (r *Block) Nonce() []byte {
	b, _ := r.fields[blkNonce].get()
	return b
}
func (r *Block) Hash() common.Hash {
	b, _ := r.fields[blkHash].get()
	return common.BytesToHash(b)
}
func (r *Block) TxCount() int {
	b, _ := r.fields[blkTxCount].get()
	return int(bytesToUint64(b))
}

// BaseFeePerGas returns (value, present). Absence means the field was
// never set on the source block (pre-EIP-1559 chain history).
func (r *Block) BaseFeePerGas() (*big.Int, bool) {
	b, present := r.fields[blkBaseFeePerGas].get()
	if !present {
		return nil, false
	}
	return bytesToBig(b), true
}

func (r *Block) WithdrawalsRoot() (common.Hash, bool) {
	b, present := r.fields[blkWithdrawalsRoot].get()
	if !present {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

func (r *Block) BlobGasUsed() (uint64, bool) {
	b, present := r.fields[blkBlobGasUsed].get()
	if !present {
		return 0, false
	}
	return bytesToUint64(b), true
}

func (r *Block) ExcessBlobGas() (uint64, bool) {
	b, present := r.fields[blkExcessBlobGas].get()
	if !present {
		return 0, false
	}
	return bytesToUint64(b), true
}

func (r *Block) ParentBeaconRoot() (common.Hash, bool) {
	b, present := r.fields[blkParentBeaconRoot].get()
	if !present {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

func optionalBig(x *hexutil.Big) []byte {
	if x == nil {
		return nil
	}
	return bigBytes(x.ToInt())
}

func optionalUint64(x *hexutil.Uint64) []byte {
	if x == nil {
		return nil
	}
	return uint64Bytes(uint64(*x))
}

func optionalHash(h *common.Hash) []byte {
	if h == nil {
		return nil
	}
	return h.Bytes()
}
