package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dyluth/sidenode/internal/instance"
	"github.com/dyluth/sidenode/internal/logging"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Validate.
const (
	DefaultGenesisTimestamp   = "2018-06-01T00:00:00"
	DefaultVMTimeout          = 10 * time.Second
	DefaultRequestTimeout     = 30 * time.Second
	DefaultRedisURL           = "redis://localhost:6379"
	DefaultAutosaveBlocks     = 100
	DefaultStreamPollInterval = 3 * time.Second
	DefaultReplayPollInterval = 500 * time.Millisecond
	DefaultReplayFile         = "blocks.log"
	DefaultAPIAddr            = ":5000"
)

// Runtime values for RuntimeConfig.Mode.
const (
	RuntimeLocal  = "local"
	RuntimeDocker = "docker"
)

// NodeConfig represents the top-level sidenode.yml configuration. The whole
// document is handed to every subsystem in its init request.
type NodeConfig struct {
	Version          string `yaml:"version" json:"version"`
	Instance         string `yaml:"instance" json:"instance"`
	ChainID          string `yaml:"chain_id" json:"chainId"`
	GenesisTimestamp string `yaml:"genesis_timestamp,omitempty" json:"genesisTimestamp"`

	// StartBlock is the first source chain block ingested by a fresh node.
	StartBlock uint64 `yaml:"start_block" json:"startBlock"`
	// LastProcessedBlock is rewritten on graceful shutdown so that ingestion
	// resumes after it.
	LastProcessedBlock uint64 `yaml:"last_processed_block,omitempty" json:"lastProcessedBlock"`

	// VMTimeout bounds each contract call.
	VMTimeout time.Duration `yaml:"vm_timeout,omitempty" json:"vmTimeout"`

	Supervisor SupervisorConfig `yaml:"supervisor,omitempty" json:"supervisor"`
	Runtime    RuntimeConfig    `yaml:"runtime,omitempty" json:"runtime"`
	Storage    StorageConfig    `yaml:"storage,omitempty" json:"storage"`
	Streamer   StreamerConfig   `yaml:"streamer,omitempty" json:"streamer"`
	Replay     ReplayConfig     `yaml:"replay,omitempty" json:"replay"`
	API        APIConfig        `yaml:"api,omitempty" json:"api"`
	Logging    logging.Config   `yaml:"logging,omitempty" json:"-"`
}

// SupervisorConfig specifies supervisor behaviour.
type SupervisorConfig struct {
	// RequestTimeout bounds every correlated request.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty" json:"requestTimeout"`
}

// RuntimeConfig selects how subsystems are isolated.
type RuntimeConfig struct {
	Mode    string `yaml:"mode,omitempty" json:"mode"`       // "local" (goroutine workers) or "docker"
	Image   string `yaml:"image,omitempty" json:"image"`     // Required for docker: image with /app/sidenode-plugin
	Network string `yaml:"network,omitempty" json:"network"` // Docker network shared with Redis
}

// StorageConfig configures the storage engine.
type StorageConfig struct {
	RedisURL       string `yaml:"redis_url,omitempty" json:"redisUrl"`
	AutosaveBlocks int    `yaml:"autosave_blocks,omitempty" json:"autosaveBlocks"` // Flush after this many blocks (0 = only on SAVE)
}

// StreamerConfig configures live ingestion from the source chain.
type StreamerConfig struct {
	Nodes        []string      `yaml:"nodes,omitempty" json:"nodes"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty" json:"pollInterval"`
}

// ReplayConfig configures replay from a blocks log.
type ReplayConfig struct {
	File         string        `yaml:"file,omitempty" json:"file"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty" json:"pollInterval"`
}

// APIConfig configures the external JSON-RPC API.
type APIConfig struct {
	Addr string `yaml:"addr,omitempty" json:"addr"`
}

// Validate performs strict validation on the configuration and applies
// defaults for omitted values.
func (c *NodeConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Instance == "" {
		return fmt.Errorf("instance is required")
	}
	if err := instance.ValidateName(c.Instance); err != nil {
		return err
	}

	if c.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	if c.GenesisTimestamp == "" {
		c.GenesisTimestamp = DefaultGenesisTimestamp
	}

	if c.VMTimeout == 0 {
		c.VMTimeout = DefaultVMTimeout
	}
	if c.VMTimeout < 0 {
		return fmt.Errorf("vm_timeout must be positive, got %s", c.VMTimeout)
	}

	if c.Supervisor.RequestTimeout == 0 {
		c.Supervisor.RequestTimeout = DefaultRequestTimeout
	}
	if c.Supervisor.RequestTimeout < 0 {
		return fmt.Errorf("supervisor.request_timeout must be positive, got %s", c.Supervisor.RequestTimeout)
	}

	switch c.Runtime.Mode {
	case "":
		c.Runtime.Mode = RuntimeLocal
	case RuntimeLocal:
	case RuntimeDocker:
		if c.Runtime.Image == "" {
			return fmt.Errorf("runtime.image is required when runtime.mode is 'docker'")
		}
	default:
		return fmt.Errorf("invalid runtime.mode: %s (must be 'local' or 'docker')", c.Runtime.Mode)
	}

	if c.Storage.RedisURL == "" {
		c.Storage.RedisURL = DefaultRedisURL
	}
	if c.Storage.AutosaveBlocks == 0 {
		c.Storage.AutosaveBlocks = DefaultAutosaveBlocks
	}
	if c.Storage.AutosaveBlocks < 0 {
		return fmt.Errorf("storage.autosave_blocks must be >= 0, got %d", c.Storage.AutosaveBlocks)
	}

	if c.Streamer.PollInterval == 0 {
		c.Streamer.PollInterval = DefaultStreamPollInterval
	}

	if c.Replay.File == "" {
		c.Replay.File = DefaultReplayFile
	}
	if c.Replay.PollInterval == 0 {
		c.Replay.PollInterval = DefaultReplayPollInterval
	}

	if c.API.Addr == "" {
		c.API.Addr = DefaultAPIAddr
	}

	return nil
}

// NextBlock returns the first source chain block to ingest.
func (c *NodeConfig) NextBlock() uint64 {
	if c.LastProcessedBlock > 0 && c.LastProcessedBlock+1 > c.StartBlock {
		return c.LastProcessedBlock + 1
	}
	return c.StartBlock
}

// Load reads and validates sidenode.yml from the specified path.
func Load(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config NodeConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SaveResumeState records the last source chain block processed in the config
// file at path. The document is edited in place so comments and key order
// survive.
func SaveResumeState(path string, lastProcessed uint64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("config root must be a mapping")
	}

	setScalar(doc.Content[0], "last_processed_block", strconv.FormatUint(lastProcessed, 10))

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func setScalar(mapping *yaml.Node, key, value string) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1].Kind = yaml.ScalarNode
			mapping.Content[i+1].Tag = "!!int"
			mapping.Content[i+1].Value = value
			return
		}
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: value},
	)
}
