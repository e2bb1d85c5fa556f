package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `version: "1.0"
instance: "mainnet"
chain_id: "ssc-mainnet1"
# first source block for a fresh node
start_block: 29056257
vm_timeout: 5s
streamer:
  nodes: ["https://api.steemit.com"]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sidenode.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	config, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "mainnet", config.Instance)
	assert.Equal(t, "ssc-mainnet1", config.ChainID)
	assert.Equal(t, uint64(29056257), config.StartBlock)
	assert.Equal(t, 5*time.Second, config.VMTimeout)
	assert.Equal(t, []string{"https://api.steemit.com"}, config.Streamer.Nodes)

	// Defaults
	assert.Equal(t, DefaultGenesisTimestamp, config.GenesisTimestamp)
	assert.Equal(t, RuntimeLocal, config.Runtime.Mode)
	assert.Equal(t, DefaultRedisURL, config.Storage.RedisURL)
	assert.Equal(t, DefaultAutosaveBlocks, config.Storage.AutosaveBlocks)
	assert.Equal(t, DefaultReplayPollInterval, config.Replay.PollInterval)
	assert.Equal(t, DefaultReplayFile, config.Replay.File)
	assert.Equal(t, DefaultAPIAddr, config.API.Addr)
	assert.Equal(t, DefaultRequestTimeout, config.Supervisor.RequestTimeout)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/sidenode.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	config, err := Load(writeConfig(t, "version: \"1.0\"\ninstance:\n  - this is invalid\n    yaml syntax\n"))
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestValidate(t *testing.T) {
	base := func() *NodeConfig {
		return &NodeConfig{Version: "1.0", Instance: "test", ChainID: "ssc-test"}
	}

	tests := []struct {
		name    string
		mutate  func(c *NodeConfig)
		wantErr string
	}{
		{"valid minimal config", func(c *NodeConfig) {}, ""},
		{"unsupported version", func(c *NodeConfig) { c.Version = "2.0" }, "unsupported version"},
		{"missing instance", func(c *NodeConfig) { c.Instance = "" }, "instance is required"},
		{"invalid instance", func(c *NodeConfig) { c.Instance = "Main_Net" }, "invalid instance name 'Main_Net'"},
		{"missing chain id", func(c *NodeConfig) { c.ChainID = "" }, "chain_id is required"},
		{"negative vm timeout", func(c *NodeConfig) { c.VMTimeout = -time.Second }, "vm_timeout"},
		{"negative request timeout", func(c *NodeConfig) { c.Supervisor.RequestTimeout = -time.Second }, "request_timeout"},
		{"unknown runtime", func(c *NodeConfig) { c.Runtime.Mode = "vm" }, "invalid runtime.mode"},
		{"docker without image", func(c *NodeConfig) { c.Runtime.Mode = RuntimeDocker }, "runtime.image is required"},
		{"docker with image", func(c *NodeConfig) {
			c.Runtime.Mode = RuntimeDocker
			c.Runtime.Image = "sidenode-plugin:latest"
		}, ""},
		{"negative autosave", func(c *NodeConfig) { c.Storage.AutosaveBlocks = -1 }, "autosave_blocks"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestNextBlock(t *testing.T) {
	c := &NodeConfig{StartBlock: 100}
	assert.Equal(t, uint64(100), c.NextBlock())

	c.LastProcessedBlock = 150
	assert.Equal(t, uint64(151), c.NextBlock())

	c.LastProcessedBlock = 50
	assert.Equal(t, uint64(100), c.NextBlock(), "start_block wins when it is ahead of the resume point")
}

func TestSaveResumeState(t *testing.T) {
	t.Run("adds the key and keeps comments", func(t *testing.T) {
		path := writeConfig(t, validConfig)
		require.NoError(t, SaveResumeState(path, 29056300))

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(raw), "# first source block for a fresh node")

		config, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, uint64(29056300), config.LastProcessedBlock)
		assert.Equal(t, uint64(29056257), config.StartBlock)
	})

	t.Run("overwrites an existing value", func(t *testing.T) {
		path := writeConfig(t, validConfig+"last_processed_block: 10\n")
		require.NoError(t, SaveResumeState(path, 20))

		config, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, uint64(20), config.LastProcessedBlock)
	})

	t.Run("missing file", func(t *testing.T) {
		err := SaveResumeState(filepath.Join(t.TempDir(), "missing.yml"), 1)
		assert.Error(t, err)
	})
}
