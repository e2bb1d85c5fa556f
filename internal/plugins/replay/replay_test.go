package replay

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/andybalholm/brotli"
	"github.com/dyluth/sidenode/internal/config"
	"github.com/dyluth/sidenode/internal/plugin"
	"github.com/dyluth/sidenode/internal/plugins/blockchain"
	"github.com/dyluth/sidenode/internal/plugins/storage"
	"github.com/dyluth/sidenode/internal/supervisor"
	"github.com/dyluth/sidenode/pkg/chain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var registry = plugin.Registry{
	storage.Name:    storage.New,
	blockchain.Name: blockchain.New,
	Name:            New,
}

// startChain loads storage and blockchain against a fresh Redis and starts
// block production.
func startChain(t *testing.T) (*supervisor.Supervisor, config.NodeConfig) {
	t.Helper()
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sup := supervisor.New(supervisor.NewLocalSpawner(registry))
	go sup.Run(ctx)

	cfg := config.NodeConfig{Version: "1.0", Instance: "test", ChainID: "test-chain"}
	require.NoError(t, cfg.Validate())
	cfg.Storage.RedisURL = "redis://" + mr.Addr()
	cfg.Supervisor.RequestTimeout = 2 * time.Second

	for _, name := range []string{storage.Name, blockchain.Name} {
		_, err := sup.LoadPlugin(ctx, supervisor.Descriptor{Name: name}, cfg)
		require.NoError(t, err)
	}
	resp, err := sup.Send(ctx, blockchain.Name, blockchain.ActionStartBlockProduction, nil)
	require.NoError(t, err)
	require.True(t, resp.IsNull())
	return sup, cfg
}

// recordChain produces n blocks and returns them as stored, genesis first.
func recordChain(t *testing.T, n int) []*chain.Block {
	t.Helper()
	sup, _ := startChain(t)
	ctx := context.Background()

	for i := 1; i <= n; i++ {
		ref := uint64(100 + i)
		resp, err := sup.Send(ctx, blockchain.Name, blockchain.ActionProduceNewBlockSync, blockchain.ProduceArgs{
			Timestamp: fmt.Sprintf("2018-06-01T00:00:%02d", 3*i),
			Transactions: []*chain.Transaction{
				chain.NewTransaction(ref, "tx", "alice", "tokens", "transfer", `{"n":1}`),
				chain.NewTransaction(ref, "bad", "", "tokens", "transfer", ""),
			},
		})
		require.NoError(t, err)
		require.NoError(t, resp.Err())
	}

	var blocks []*chain.Block
	for i := 0; i <= n; i++ {
		resp, err := sup.Send(ctx, storage.Name, storage.ActionGetBlockInfo, storage.BlockArgs{BlockNumber: uint64(i)})
		require.NoError(t, err)
		var b chain.Block
		require.NoError(t, resp.Decode(&b))
		blocks = append(blocks, &b)
	}
	return blocks
}

func writeLog(t *testing.T, name string, blocks []*chain.Block) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteLog(&buf, blocks))

	data := buf.Bytes()
	if filepath.Ext(name) == compressedSuffix {
		var zbuf bytes.Buffer
		w := brotli.NewWriter(&zbuf)
		_, err := w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		data = zbuf.Bytes()
	}

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestReadLog(t *testing.T) {
	genesis, err := chain.Genesis("2018-06-01T00:00:00")
	require.NoError(t, err)
	b1 := chain.NewBlock(genesis.Head(), "ts", nil)
	require.NoError(t, b1.Finalize())

	for _, name := range []string{"blocks.log", "blocks.log.br"} {
		t.Run(name, func(t *testing.T) {
			blocks, err := ReadLog(writeLog(t, name, []*chain.Block{genesis, b1}))
			require.NoError(t, err)
			require.Len(t, blocks, 2)
			assert.Equal(t, b1.Hash, blocks[1].Hash)
		})
	}

	t.Run("gap", func(t *testing.T) {
		_, err := ReadLog(writeLog(t, "gap.log", []*chain.Block{genesis, {BlockNumber: 5}}))
		assert.ErrorContains(t, err, "not contiguous")
	})

	t.Run("corrupt", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.log")
		require.NoError(t, os.WriteFile(path, []byte("{\"blockNumber\":0}\nnot json\n"), 0o644))
		_, err := ReadLog(path)
		assert.ErrorContains(t, err, "corrupt blocks log after 1 blocks")
	})

	t.Run("missing", func(t *testing.T) {
		_, err := ReadLog(filepath.Join(t.TempDir(), "nope.log"))
		assert.Error(t, err)
	})
}

func TestReplayReproducesChain(t *testing.T) {
	recorded := recordChain(t, 3)

	for _, name := range []string{"blocks.log", "blocks.log.br"} {
		t.Run(name, func(t *testing.T) {
			path := writeLog(t, name, recorded)
			sup, cfg := startChain(t)
			ctx := context.Background()

			cfg.Replay.File = path
			_, err := sup.LoadPlugin(ctx, supervisor.Descriptor{Name: Name}, cfg)
			require.NoError(t, err)

			resp, err := sup.Send(ctx, Name, ActionReplayFile, nil)
			require.NoError(t, err)
			require.NoError(t, resp.Err())
			var target uint64
			require.NoError(t, resp.Decode(&target))
			assert.Equal(t, uint64(3), target)

			require.Eventually(t, func() bool {
				resp, err := sup.Send(ctx, storage.Name, storage.ActionGetLatestBlockInfo, nil)
				if err != nil {
					return false
				}
				var head chain.Block
				return resp.Decode(&head) == nil && head.BlockNumber >= target
			}, 5*time.Second, 20*time.Millisecond)

			for _, want := range recorded[1:] {
				resp, err := sup.Send(ctx, storage.Name, storage.ActionGetBlockInfo, storage.BlockArgs{BlockNumber: want.BlockNumber})
				require.NoError(t, err)
				var got chain.Block
				require.NoError(t, resp.Decode(&got))
				assert.Equal(t, want.Hash, got.Hash, "block %d", want.BlockNumber)
				assert.Equal(t, want.MerkleRoot, got.MerkleRoot)
			}

			resp, err = sup.UnloadPlugin(ctx, Name)
			require.NoError(t, err)
			var last uint64
			require.NoError(t, resp.Decode(&last))
			assert.Equal(t, uint64(103), last)
		})
	}
}

func TestReplaySkipsCommittedBlocks(t *testing.T) {
	recorded := recordChain(t, 2)
	sup, cfg := startChain(t)
	ctx := context.Background()

	// The chain already holds genesis; only blocks past it are replayed, and
	// replaying the same log twice against a caught-up chain is a no-op.
	cfg.Replay.File = writeLog(t, "blocks.log", recorded[:2])
	_, err := sup.LoadPlugin(ctx, supervisor.Descriptor{Name: Name}, cfg)
	require.NoError(t, err)

	resp, err := sup.Send(ctx, Name, ActionReplayFile, nil)
	require.NoError(t, err)
	var target uint64
	require.NoError(t, resp.Decode(&target))
	assert.Equal(t, uint64(1), target)

	require.Eventually(t, func() bool {
		resp, err := sup.Send(ctx, storage.Name, storage.ActionGetLatestBlockInfo, nil)
		var head chain.Block
		return err == nil && resp.Decode(&head) == nil && head.BlockNumber == 1
	}, 5*time.Second, 20*time.Millisecond)

	_, err = sup.UnloadPlugin(ctx, Name)
	require.NoError(t, err)
	_, err = sup.LoadPlugin(ctx, supervisor.Descriptor{Name: Name}, cfg)
	require.NoError(t, err)

	resp, err = sup.Send(ctx, Name, ActionReplayFile, FileArgs{File: cfg.Replay.File})
	require.NoError(t, err)
	require.NoError(t, resp.Decode(&target))
	assert.Equal(t, uint64(1), target)
}

func TestReplayMissingFile(t *testing.T) {
	sup, cfg := startChain(t)
	ctx := context.Background()
	cfg.Replay.File = filepath.Join(t.TempDir(), "missing.log")

	_, err := sup.LoadPlugin(ctx, supervisor.Descriptor{Name: Name}, cfg)
	require.NoError(t, err)
	resp, err := sup.Send(ctx, Name, ActionReplayFile, nil)
	require.NoError(t, err)
	assert.ErrorContains(t, resp.Err(), "failed to open blocks log")
}
