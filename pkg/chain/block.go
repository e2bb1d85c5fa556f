package chain

import (
	"encoding/json"
	"fmt"
)

// GenesisPreviousHash is the previous hash recorded in the genesis block.
const GenesisPreviousHash = "0"

// Head identifies the current tip of the chain.
type Head struct {
	BlockNumber uint64 `json:"blockNumber"`
	Hash        string `json:"hash"`
}

// Block is the sidechain's unit of commitment.
type Block struct {
	BlockNumber    uint64         `json:"blockNumber"`
	RefBlockNumber uint64         `json:"refBlockNumber"`
	PreviousHash   string         `json:"previousHash"`
	Timestamp      string         `json:"timestamp"`
	Transactions   []*Transaction `json:"transactions"`
	Hash           string         `json:"hash"`
	MerkleRoot     string         `json:"merkleRoot"`
}

// NewBlock builds the candidate block extending head. The transaction list is
// fixed at construction; Finalize must be called once execution outcomes are
// attached.
func NewBlock(head Head, timestamp string, txs []*Transaction) *Block {
	if txs == nil {
		txs = []*Transaction{}
	}

	var ref uint64
	if len(txs) > 0 {
		ref = txs[0].RefBlockNumber
	}

	b := &Block{
		BlockNumber:    head.BlockNumber + 1,
		RefBlockNumber: ref,
		PreviousHash:   head.Hash,
		Timestamp:      timestamp,
		Transactions:   txs,
	}
	return b
}

// Genesis returns the first block of a chain.
func Genesis(timestamp string) (*Block, error) {
	b := &Block{
		BlockNumber:  0,
		PreviousHash: GenesisPreviousHash,
		Timestamp:    timestamp,
		Transactions: []*Transaction{},
	}
	if err := b.Finalize(); err != nil {
		return nil, err
	}
	return b, nil
}

// CalculateHash digests the previous hash, the timestamp and the serialized
// transaction list including attached logs.
func (b *Block) CalculateHash() (string, error) {
	txs := b.Transactions
	if txs == nil {
		txs = []*Transaction{}
	}
	data, err := json.Marshal(txs)
	if err != nil {
		return "", fmt.Errorf("failed to serialize transactions of block %d: %w", b.BlockNumber, err)
	}
	return Hash(b.PreviousHash + b.Timestamp + string(data)), nil
}

// Finalize computes the block hash and Merkle root. It must run after every
// transaction has its logs attached.
func (b *Block) Finalize() error {
	hash, err := b.CalculateHash()
	if err != nil {
		return err
	}
	b.Hash = hash
	b.MerkleRoot = TransactionsMerkleRoot(b.Transactions)
	return nil
}

// Head returns the chain head this block establishes.
func (b *Block) Head() Head {
	return Head{BlockNumber: b.BlockNumber, Hash: b.Hash}
}

// Verify checks that the block extends head and that its digests match its
// content.
func (b *Block) Verify(head Head) error {
	if b.BlockNumber != head.BlockNumber+1 {
		return fmt.Errorf("block number %d does not extend head %d", b.BlockNumber, head.BlockNumber)
	}
	if b.PreviousHash != head.Hash {
		return fmt.Errorf("block %d previous hash %s does not match head hash %s", b.BlockNumber, b.PreviousHash, head.Hash)
	}
	hash, err := b.CalculateHash()
	if err != nil {
		return err
	}
	if hash != b.Hash {
		return fmt.Errorf("block %d hash mismatch: recorded %s, computed %s", b.BlockNumber, b.Hash, hash)
	}
	if root := TransactionsMerkleRoot(b.Transactions); root != b.MerkleRoot {
		return fmt.Errorf("block %d merkle root mismatch: recorded %s, computed %s", b.BlockNumber, b.MerkleRoot, root)
	}
	return nil
}
