package chain

// MerkleRoot computes the commitment digest over the given leaf hashes.
//
// Levels are built bottom-up: elements are paired left to right and each pair
// is combined as Hash(left + right). When a level has an odd number of
// elements the last one is paired with itself, at every level. The first level
// is always built, so a single leaf h yields Hash(h + h). An empty leaf set
// yields "".
func MerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}

	level := leaves
	for {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, Hash(left+right))
		}

		if len(next) == 1 {
			return next[0]
		}
		level = next
	}
}

// TransactionsMerkleRoot computes the Merkle root over the transactions' hashes.
func TransactionsMerkleRoot(txs []*Transaction) string {
	leaves := make([]string, len(txs))
	for i, tx := range txs {
		leaves[i] = tx.Hash
	}
	return MerkleRoot(leaves)
}
