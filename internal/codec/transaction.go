package codec

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/evmindexer/core/internal/chaintypes"
)

// Transaction slot positions. A transaction record bundles the tx
// itself, its receipt, and the enclosing block's timestamp into one
// self-contained unit, per the tx_num keying invariant.
const (
	txHash = iota
	txBlockNumber
	txIndex
	txFrom
	txTo // optional: nil for contract creation
	txValue
	txGas
	txGasPrice
	txNonce
	txInput
	txType
	txBlockTimestamp
	txStatus // optional: pre-Byzantium receipts have a root, not a status
	txGasUsed
	txCumulativeGasUsed
	txContractAddress // optional
	txLogsBloom
	txLogs
	txMaxFeePerGas         // optional
	txMaxPriorityFeePerGas // optional
	txEffectiveGasPrice    // optional
	txBlobGasUsed          // optional
	txBlobGasPrice         // optional
	txSlotCount
)

// Log mirrors chaintypes.RawLog positionally within a nested RLP list.
const (
	logAddress = iota
	logTopics
	logData
	logIndex
	logRemoved
	logSlotCount
)

// Transaction is a lazily-decoded (tx, receipt, block_timestamp) unit.
type Transaction struct {
	fields []lazyField
}

// EncodeTransaction builds the on-disk bytes for one transaction
// record from its wire tx, wire receipt, and enclosing block
// timestamp.
func EncodeTransaction(tx *chaintypes.RawTransaction, rc *chaintypes.RawReceipt, blockTimestamp uint64) ([]byte, error) {
	items := []fieldSpec{
		{txHash, tx.Hash.Bytes(), true},
		{txBlockNumber, bigBytes(rc.BlockNumber.ToInt()), true},
		{txIndex, uint64Bytes(uint64(rc.TransactionIndex)), true},
		{txFrom, rc.From.Bytes(), true},
		{txTo, optionalAddr(rc.To), rc.To != nil},
		{txValue, bigBytes(tx.Value.ToInt()), true},
		{txGas, uint64Bytes(uint64(tx.Gas)), true},
		{txGasPrice, bigBytes(tx.GasPrice.ToInt()), true},
		{txNonce, uint64Bytes(uint64(tx.Nonce)), true},
		{txInput, []byte(tx.Input), true},
		{txType, optionalUint64(tx.Type), tx.Type != nil},
		{txBlockTimestamp, uint64Bytes(blockTimestamp), true},
		{txStatus, optionalUint64(rc.Status), rc.Status != nil},
		{txGasUsed, uint64Bytes(uint64(rc.GasUsed)), true},
		{txCumulativeGasUsed, uint64Bytes(uint64(rc.CumulativeGasUsed)), true},
		{txContractAddress, optionalAddr(rc.ContractAddress), rc.ContractAddress != nil},
		{txLogsBloom, []byte(rc.LogsBloom), true},
		{txLogs, nil, true}, // overwritten below; logs are a nested list, not a byte field
		{txMaxFeePerGas, optionalBig(tx.MaxFeePerGas), tx.MaxFeePerGas != nil},
		{txMaxPriorityFeePerGas, optionalBig(tx.MaxPriorityFeePerGas), tx.MaxPriorityFeePerGas != nil},
		{txEffectiveGasPrice, optionalBig(rc.EffectiveGasPrice), rc.EffectiveGasPrice != nil},
		{txBlobGasUsed, optionalUint64(rc.BlobGasUsed), rc.BlobGasUsed != nil},
		{txBlobGasPrice, optionalBig(rc.BlobGasPrice), rc.BlobGasPrice != nil},
	}
	slots, err := fieldSlots(items, txSlotCount)
	if err != nil {
		return nil, err
	}
	logsSlot, err := encodeLogs(rc.Logs)
	if err != nil {
		return nil, err
	}
	slots[txLogs] = logsSlot
	return encodeRecord(slots)
}

func encodeLogs(logs []chaintypes.RawLog) (rawValue, error) {
	items := make([]rawValue, len(logs))
	for i, lg := range logs {
		topics := make([]rawValue, len(lg.Topics))
		for j, t := range lg.Topics {
			topics[j] = encodeSlot(t.Bytes(), true)
		}
		topicsList, err := encodeRecordBody(topics)
		if err != nil {
			return nil, err
		}
		fields := []rawValue{
			encodeSlot(lg.Address.Bytes(), true),
			topicsList,
			encodeSlot([]byte(lg.Data), true),
			encodeSlot(uint64Bytes(uint64(lg.LogIndex)), true),
			encodeSlot(boolByte(lg.Removed), true),
		}
		enc, err := encodeRecordBody(fields)
		if err != nil {
			return nil, err
		}
		items[i] = enc
	}
	return encodeRecordBody(items)
}

func boolByte(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{}
}

// DecodeTransaction parses the codec header and splits out positional
// raw slots.
func DecodeTransaction(data []byte) (*Transaction, error) {
	slots, err := splitRecord(data, txSlotCount)
	if err != nil {
		return nil, err
	}
	return &Transaction{fields: newLazyFields(slots)}, nil
}

func (r *Transaction) Hash() common.Hash {
	b, _ := r.fields[txHash].get()
	return common.BytesToHash(b)
}
func (r *Transaction) BlockNumber() uint64 {
	b, _ := r.fields[txBlockNumber].get()
	return bytesToUint64(b)
}
func (r *Transaction) TxIndex() uint64 {
	b, _ := r.fields[txIndex].get()
	return bytesToUint64(b)
}
func (r *Transaction) TxNum() uint64 {
	return (r.BlockNumber() << 16) | r.TxIndex()
}
func (r *Transaction) From() common.Address {
	b, _ := r.fields[txFrom].get()
	return common.BytesToAddress(b)
}
func (r *Transaction) To() (common.Address, bool) {
	b, present := r.fields[txTo].get()
	if !present {
		return common.Address{}, false
	}
	return common.BytesToAddress(b), true
}
func (r *Transaction) Value() *big.Int {
	b, _ := r.fields[txValue].get()
	return bytesToBig(b)
}
func (r *Transaction) Gas() uint64 {
	b, _ := r.fields[txGas].get()
	return bytesToUint64(b)
}
func (r *Transaction) GasPrice() *big.Int {
	b, _ := r.fields[txGasPrice].get()
	return bytesToBig(b)
}
func (r *Transaction) Nonce() uint64 {
	b, _ := r.fields[txNonce].get()
	return bytesToUint64(b)
}
func (r *Transaction) Input() []byte {
	b, _ := r.fields[txInput].get()
	return b
}
func (r *Transaction) Type() (uint64, bool) {
	b, present := r.fields[txType].get()
	if !present {
		return 0, false
	}
	return bytesToUint64(b), true
}
func (r *Transaction) BlockTimestamp() uint64 {
	b, _ := r.fields[txBlockTimestamp].get()
	return bytesToUint64(b)
}
func (r *Transaction) Status() (uint64, bool) {
	b, present := r.fields[txStatus].get()
	if !present {
		return 0, false
	}
	return bytesToUint64(b), true
}
func (r *Transaction) GasUsed() uint64 {
	b, _ := r.fields[txGasUsed].get()
	return bytesToUint64(b)
}
func (r *Transaction) CumulativeGasUsed() uint64 {
	b, _ := r.fields[txCumulativeGasUsed].get()
	return bytesToUint64(b)
}
func (r *Transaction) ContractAddress() (common.Address, bool) {
	b, present := r.fields[txContractAddress].get()
	if !present {
		return common.Address{}, false
	}
	return common.BytesToAddress(b), true
}
func (r *Transaction) LogsBloom() []byte {
	b, _ := r.fields[txLogsBloom].get()
	return b
}

// DecodedLog mirrors chaintypes.RawLog for values reconstructed out of
// the nested RLP list stored in the logs slot.
type DecodedLog struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
	Index   uint64
	Removed bool
}

func (r *Transaction) Logs() ([]DecodedLog, error) {
	raw := r.fields[txLogs].rawBytes()
	s := rlpStream(raw)
	if _, err := s.List(); err != nil {
		return nil, err
	}
	var out []DecodedLog
	for {
		entryRaw, err := s.Raw()
		if err == rlpEOL {
			break
		}
		if err != nil {
			return nil, err
		}
		lg, err := decodeLogEntry(entryRaw)
		if err != nil {
			return nil, err
		}
		out = append(out, lg)
	}
	if err := s.ListEnd(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Transaction) MaxFeePerGas() (*big.Int, bool) {
	b, present := r.fields[txMaxFeePerGas].get()
	if !present {
		return nil, false
	}
	return bytesToBig(b), true
}
func (r *Transaction) MaxPriorityFeePerGas() (*big.Int, bool) {
	b, present := r.fields[txMaxPriorityFeePerGas].get()
	if !present {
		return nil, false
	}
	return bytesToBig(b), true
}
func (r *Transaction) EffectiveGasPrice() (*big.Int, bool) {
	b, present := r.fields[txEffectiveGasPrice].get()
	if !present {
		return nil, false
	}
	return bytesToBig(b), true
}
func (r *Transaction) BlobGasUsed() (uint64, bool) {
	b, present := r.fields[txBlobGasUsed].get()
	if !present {
		return 0, false
	}
	return bytesToUint64(b), true
}
func (r *Transaction) BlobGasPrice() (*big.Int, bool) {
	b, present := r.fields[txBlobGasPrice].get()
	if !present {
		return nil, false
	}
	return bytesToBig(b), true
}

func optionalAddr(a *common.Address) []byte {
	if a == nil {
		return nil
	}
	return a.Bytes()
}

// decodeLogEntry parses one nested-list log entry in the fixed order
// written by encodeLogs.
func decodeLogEntry(raw []byte) (DecodedLog, error) {
	s := rlpStream(raw)
	if _, err := s.List(); err != nil {
		return DecodedLog{}, err
	}

	addrRaw, err := s.Raw()
	if err != nil {
		return DecodedLog{}, err
	}
	addrBytes, _ := decodeSlot(addrRaw)

	topicsRaw, err := s.Raw()
	if err != nil {
		return DecodedLog{}, err
	}
	topics, err := decodeTopics(topicsRaw)
	if err != nil {
		return DecodedLog{}, err
	}

	dataRaw, err := s.Raw()
	if err != nil {
		return DecodedLog{}, err
	}
	dataBytes, _ := decodeSlot(dataRaw)

	idxRaw, err := s.Raw()
	if err != nil {
		return DecodedLog{}, err
	}
	idxBytes, _ := decodeSlot(idxRaw)

	removedRaw, err := s.Raw()
	if err != nil {
		return DecodedLog{}, err
	}
	removedBytes, _ := decodeSlot(removedRaw)

	if err := s.ListEnd(); err != nil {
		return DecodedLog{}, err
	}

	return DecodedLog{
		Address: common.BytesToAddress(addrBytes),
		Topics:  topics,
		Data:    dataBytes,
		Index:   bytesToUint64(idxBytes),
		Removed: len(removedBytes) > 0,
	}, nil
}

func decodeTopics(raw []byte) ([]common.Hash, error) {
	s := rlpStream(raw)
	if _, err := s.List(); err != nil {
		return nil, err
	}
	var topics []common.Hash
	for {
		item, err := s.Raw()
		if err == rlpEOL {
			break
		}
		if err != nil {
			return nil, err
		}
		b, _ := decodeSlot(item)
		topics = append(topics, common.BytesToHash(b))
	}
	if err := s.ListEnd(); err != nil {
		return nil, err
	}
	return topics, nil
}
