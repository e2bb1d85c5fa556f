package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/sidenode/internal/bus"
	"github.com/dyluth/sidenode/internal/config"
	"github.com/dyluth/sidenode/internal/plugins/replay"
	"github.com/dyluth/sidenode/pkg/chain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeNodeConfig(t *testing.T, redisAddr string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sidenode.yml")
	doc := fmt.Sprintf(`version: "1.0"
instance: cli-test
chain_id: test-chain
start_block: 50
storage:
  redis_url: redis://%s
api:
  addr: 127.0.0.1:0
logging:
  level: error
`, redisAddr)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func writeBlocksLog(t *testing.T) string {
	t.Helper()
	genesis, err := chain.Genesis(config.DefaultGenesisTimestamp)
	require.NoError(t, err)
	b1 := chain.NewBlock(genesis.Head(), "2018-06-01T00:00:03", []*chain.Transaction{
		chain.NewTransaction(55, "tx1", "alice", "tokens", "transfer", `{"quantity":"1"}`),
	})
	require.NoError(t, b1.Finalize())

	var buf bytes.Buffer
	require.NoError(t, replay.WriteLog(&buf, []*chain.Block{genesis, b1}))
	path := filepath.Join(t.TempDir(), "blocks.log")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.Flags().Set("replay", "")
		rootCmd.SetArgs(nil)
	})
	return rootCmd.Execute()
}

func TestRootCommand_ReplayPersistsResumeState(t *testing.T) {
	mr := miniredis.RunT(t)
	path := writeNodeConfig(t, mr.Addr())

	require.NoError(t, execute(t, "--config", path, "--replay", writeBlocksLog(t)))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(55), cfg.LastProcessedBlock)
	assert.Equal(t, uint64(56), cfg.NextBlock())
	assert.True(t, mr.Exists(bus.BlockKey("cli-test", 1)))
}

func TestRootCommand_StartupErrors(t *testing.T) {
	t.Run("missing config", func(t *testing.T) {
		err := execute(t, "--config", filepath.Join(t.TempDir(), "nope.yml"))
		assert.EqualError(t, err, "invalid configuration")
	})

	t.Run("storage unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		path := writeNodeConfig(t, mr.Addr())
		mr.Close()

		err := execute(t, "--config", path, "--replay", writeBlocksLog(t))
		assert.EqualError(t, err, "failed to start subsystem")
	})
}

func TestRootCommand_RejectsUnknownFlagsAndArgs(t *testing.T) {
	assert.Error(t, execute(t, "--unknown-flag", "value"))
	assert.Error(t, execute(t, "stray"))
}

func TestWatchCommand_InvalidOutput(t *testing.T) {
	err := execute(t, "watch", "--output", "xml")
	assert.EqualError(t, err, "invalid output format")
	watchOutputFormat = "default"
}

func TestWatchCommand_Until(t *testing.T) {
	mr := miniredis.RunT(t)
	path := writeNodeConfig(t, mr.Addr())
	require.NoError(t, mr.Set(bus.HeadKey("cli-test"), `{"blockNumber":3,"hash":"h3"}`))

	require.NoError(t, execute(t, "watch", "--config", path, "--until", "3"))
	watchUntil = 0
}

func TestCommandsRegistered(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "watch")
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	t.Cleanup(func() { forceInit, initDir, initInstance = false, ".", "default" })

	require.NoError(t, execute(t, "init", "--dir", dir, "--name", "prod"))
	cfg, err := config.Load(filepath.Join(dir, "sidenode.yml"))
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Instance)

	assert.EqualError(t, execute(t, "init", "--dir", dir), "project already initialized")
	require.NoError(t, execute(t, "init", "--dir", dir, "--force"))

	assert.EqualError(t, execute(t, "init", "--dir", t.TempDir(), "--name", "Bad_Name"), "invalid instance name")
}

func TestBlockCommands(t *testing.T) {
	mr := miniredis.RunT(t)
	path := writeNodeConfig(t, mr.Addr())
	require.NoError(t, execute(t, "--config", path, "--replay", writeBlocksLog(t)))
	t.Cleanup(func() { blocksOutputFormat, blocksSender = "default", "" })

	require.NoError(t, execute(t, "block", "1", "--config", path))
	assert.EqualError(t, execute(t, "block", "9", "--config", path), "block 9 not found")
	assert.EqualError(t, execute(t, "block", "nine", "--config", path), "invalid block number")

	require.NoError(t, execute(t, "blocks", "--config", path, "--output", "jsonl", "--sender", "alice"))
	assert.EqualError(t, execute(t, "blocks", "--config", path, "--output", "xml"), "invalid output format")
}
