package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/dyluth/sidenode/pkg/chain"
)

// compressedSuffix marks a brotli compressed blocks log.
const compressedSuffix = ".br"

// ReadLog decodes a blocks log: one JSON encoded block per line, in chain
// order. Files ending in .br are brotli compressed.
func ReadLog(path string) ([]*chain.Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blocks log: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(strings.ToLower(path), compressedSuffix) {
		r = brotli.NewReader(f)
	}
	return DecodeLog(r)
}

// DecodeLog decodes blocks from r until EOF.
func DecodeLog(r io.Reader) ([]*chain.Block, error) {
	dec := json.NewDecoder(r)
	var blocks []*chain.Block
	for {
		var b chain.Block
		err := dec.Decode(&b)
		if errors.Is(err, io.EOF) {
			return blocks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("corrupt blocks log after %d blocks: %w", len(blocks), err)
		}
		if n := len(blocks); n > 0 && b.BlockNumber != blocks[n-1].BlockNumber+1 {
			return nil, fmt.Errorf("blocks log is not contiguous: block %d follows %d", b.BlockNumber, blocks[n-1].BlockNumber)
		}
		blocks = append(blocks, &b)
	}
}

// WriteLog encodes blocks to w in the format read by DecodeLog.
func WriteLog(w io.Writer, blocks []*chain.Block) error {
	enc := json.NewEncoder(w)
	for _, b := range blocks {
		if err := enc.Encode(b); err != nil {
			return fmt.Errorf("failed to write block %d: %w", b.BlockNumber, err)
		}
	}
	return nil
}
