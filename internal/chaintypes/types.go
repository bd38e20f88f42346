// Package chaintypes models the JSON shapes returned by an EVM JSON-RPC
// node, as consumed by the harvester and fed into the codec.
package chaintypes

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// RawBlock is the body of an eth_getBlockByNumber(n, true) response.
// Transactions is left as raw JSON because a block's transactions may
// come back as bare hash strings or full transaction objects depending
// on the "full_transactions" flag and the upstream node's mood.
type RawBlock struct {
	Number           *hexutil.Big      `json:"number"`
	Hash             common.Hash       `json:"hash"`
	ParentHash       common.Hash       `json:"parentHash"`
	Sha3Uncles       common.Hash       `json:"sha3Uncles"`
	Miner            common.Address    `json:"miner"`
	StateRoot        common.Hash       `json:"stateRoot"`
	TransactionsRoot common.Hash       `json:"transactionsRoot"`
	ReceiptsRoot     common.Hash       `json:"receiptsRoot"`
	LogsBloom        hexutil.Bytes     `json:"logsBloom"`
	Difficulty       *hexutil.Big      `json:"difficulty"`
	GasLimit         hexutil.Uint64    `json:"gasLimit"`
	GasUsed          hexutil.Uint64    `json:"gasUsed"`
	Timestamp        hexutil.Uint64    `json:"timestamp"`
	ExtraData        hexutil.Bytes     `json:"extraData"`
	MixHash          common.Hash       `json:"mixHash"`
	Nonce            hexutil.Bytes     `json:"nonce"`
	BaseFeePerGas    *hexutil.Big      `json:"baseFeePerGas,omitempty"`
	WithdrawalsRoot  *common.Hash      `json:"withdrawalsRoot,omitempty"`
	BlobGasUsed      *hexutil.Uint64   `json:"blobGasUsed,omitempty"`
	ExcessBlobGas    *hexutil.Uint64   `json:"excessBlobGas,omitempty"`
	ParentBeaconRoot *common.Hash      `json:"parentBeaconBlockRoot,omitempty"`
	Transactions     []json.RawMessage `json:"transactions"`
}

// TxHash extracts the hash of a transactions[] entry, whether it is a
// bare "0x..." hash string or a full transaction object.
func TxHash(raw json.RawMessage) (common.Hash, error) {
	var asHash common.Hash
	if err := json.Unmarshal(raw, &asHash); err == nil {
		return asHash, nil
	}
	var full struct {
		Hash common.Hash `json:"hash"`
	}
	if err := json.Unmarshal(raw, &full); err != nil {
		return common.Hash{}, err
	}
	return full.Hash, nil
}

// RawTransaction is a full transaction object as embedded in a block or
// returned by eth_getTransactionByHash.
type RawTransaction struct {
	Hash                 common.Hash     `json:"hash"`
	BlockHash            *common.Hash    `json:"blockHash"`
	BlockNumber          *hexutil.Big    `json:"blockNumber"`
	TransactionIndex     *hexutil.Uint64 `json:"transactionIndex"`
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to"`
	Value                *hexutil.Big    `json:"value"`
	Gas                  hexutil.Uint64  `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Input                hexutil.Bytes   `json:"input"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	Type                 *hexutil.Uint64 `json:"type,omitempty"`
	ChainID              *hexutil.Big    `json:"chainId,omitempty"`
	V                    *hexutil.Big    `json:"v"`
	R                    *hexutil.Big    `json:"r"`
	S                    *hexutil.Big    `json:"s"`
	BlobVersionedHashes  []common.Hash   `json:"blobVersionedHashes,omitempty"`
}

// RawLog is a single entry of a receipt's logs array.
type RawLog struct {
	Address          common.Address `json:"address"`
	Topics           []common.Hash  `json:"topics"`
	Data             hexutil.Bytes  `json:"data"`
	BlockNumber      hexutil.Uint64 `json:"blockNumber"`
	TransactionHash  common.Hash    `json:"transactionHash"`
	TransactionIndex hexutil.Uint64 `json:"transactionIndex"`
	BlockHash        common.Hash    `json:"blockHash"`
	LogIndex         hexutil.Uint64 `json:"logIndex"`
	Removed          bool           `json:"removed"`
}

// RawReceipt is the body of an eth_getTransactionReceipt response.
type RawReceipt struct {
	TransactionHash   common.Hash     `json:"transactionHash"`
	TransactionIndex  hexutil.Uint64  `json:"transactionIndex"`
	BlockHash         common.Hash     `json:"blockHash"`
	BlockNumber       *hexutil.Big    `json:"blockNumber"`
	From              common.Address  `json:"from"`
	To                *common.Address `json:"to"`
	CumulativeGasUsed hexutil.Uint64  `json:"cumulativeGasUsed"`
	GasUsed           hexutil.Uint64  `json:"gasUsed"`
	ContractAddress   *common.Address `json:"contractAddress"`
	Logs              []RawLog        `json:"logs"`
	LogsBloom         hexutil.Bytes   `json:"logsBloom"`
	Status            *hexutil.Uint64 `json:"status,omitempty"`
	Root              hexutil.Bytes   `json:"root,omitempty"`
	EffectiveGasPrice *hexutil.Big    `json:"effectiveGasPrice,omitempty"`
	Type              hexutil.Uint64  `json:"type"`
	BlobGasUsed       *hexutil.Uint64 `json:"blobGasUsed,omitempty"`
	BlobGasPrice      *hexutil.Big    `json:"blobGasPrice,omitempty"`
}

// CallFrame is one node of a debug_traceBlockByNumber callTracer tree.
type CallFrame struct {
	Type    string          `json:"type"`
	From    common.Address  `json:"from"`
	To      *common.Address `json:"to,omitempty"`
	Value   *hexutil.Big    `json:"value,omitempty"`
	Gas     hexutil.Uint64  `json:"gas"`
	GasUsed hexutil.Uint64  `json:"gasUsed"`
	Input   hexutil.Bytes   `json:"input"`
	Output  hexutil.Bytes   `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
	Calls   []CallFrame     `json:"calls,omitempty"`
}

// TxTraceResult is one element of a debug_traceBlockByNumber response
// array: the per-transaction call tree, or an error if tracing failed
// for that one transaction.
type TxTraceResult struct {
	TxHash common.Hash `json:"txHash"`
	Result *CallFrame  `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}
