// Package storage is the subsystem owning chain data: blocks, the chain head
// and deployed contracts. Every other subsystem reads and writes chain state
// through its actions.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dyluth/sidenode/internal/bus"
	"github.com/dyluth/sidenode/internal/config"
	"github.com/dyluth/sidenode/internal/plugin"
	"github.com/dyluth/sidenode/pkg/chain"
	"github.com/dyluth/sidenode/pkg/message"
	"github.com/inconshreveable/log15"
)

// Name is the registry name of the storage subsystem.
const Name = "storage"

// Actions served by the storage subsystem.
const (
	ActionGetLatestBlockInfo = "GET_LATEST_BLOCK_INFO"
	ActionGetBlockInfo       = "GET_BLOCK_INFO"
	ActionAddBlock           = "ADD_BLOCK"
	ActionGetContract        = "GET_CONTRACT"
	ActionAddContract        = "ADD_CONTRACT"
	ActionSave               = "SAVE"
)

// BlockArgs selects a block by number.
type BlockArgs struct {
	BlockNumber uint64 `json:"blockNumber"`
}

// AddBlockArgs is the payload of ADD_BLOCK: the block itself, plus the
// contracts its transactions deployed.
type AddBlockArgs struct {
	chain.Block
	DeployedContracts []*chain.Contract `json:"deployedContracts,omitempty"`
}

// ContractArgs selects a contract by name.
type ContractArgs struct {
	Name string `json:"name"`
}

// Plugin serves chain data from a Redis-backed Store.
type Plugin struct {
	log   log15.Logger
	bus   *bus.Client
	store *Store
}

// New returns an uninitialised storage subsystem.
func New() plugin.Plugin { return &Plugin{} }

// Init connects to Redis and loads the chain head.
func (p *Plugin) Init(ctx context.Context, host *plugin.Host, raw json.RawMessage) error {
	var cfg config.NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}
	p.log = host.Log()

	client, err := bus.Dial(cfg.Storage.RedisURL, cfg.Instance)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Storage.RedisURL, err)
	}

	store, err := Open(ctx, client.Redis(), cfg.Instance, cfg.Storage.AutosaveBlocks, cfg.GenesisTimestamp)
	if err != nil {
		client.Close()
		return err
	}

	p.bus = client
	p.store = store
	p.log.Info("storage_ready", "head", store.Head().BlockNumber, "hash", store.Head().Hash)
	return nil
}

// Handle serves one storage action.
func (p *Plugin) Handle(ctx context.Context, req *message.Message) (any, error) {
	if req.Type == message.TypeBroadcast {
		return nil, nil
	}

	switch req.Action {
	case ActionGetLatestBlockInfo:
		return p.store.Head(), nil

	case ActionGetBlockInfo:
		var args BlockArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return p.store.Block(ctx, args.BlockNumber)

	case ActionAddBlock:
		var args AddBlockArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return p.addBlock(ctx, &args.Block, args.DeployedContracts)

	case ActionGetContract:
		var args ContractArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return p.store.Contract(ctx, args.Name)

	case ActionAddContract:
		var c chain.Contract
		if err := req.Decode(&c); err != nil {
			return nil, err
		}
		return nil, p.store.AddContract(ctx, &c)

	case ActionSave:
		unsaved := p.store.Unsaved()
		if err := p.store.Save(ctx); err != nil {
			return nil, err
		}
		p.log.Info("chain_saved", "head", p.store.Head().BlockNumber, "blocks", unsaved)
		return nil, nil
	}
	return nil, plugin.ErrUnknownAction(req.Action)
}

func (p *Plugin) addBlock(ctx context.Context, b *chain.Block, contracts []*chain.Contract) (chain.Head, error) {
	saved, err := p.store.AddBlock(ctx, b, contracts...)
	if err != nil {
		p.log.Error("block_rejected", "block", b.BlockNumber, "error", err)
		return chain.Head{}, err
	}
	if saved {
		p.log.Debug("chain_autosaved", "head", b.BlockNumber)
	}

	event := BlockEvent{
		BlockNumber:    b.BlockNumber,
		RefBlockNumber: b.RefBlockNumber,
		Hash:           b.Hash,
		MerkleRoot:     b.MerkleRoot,
		Transactions:   len(b.Transactions),
	}
	if err := p.bus.PublishBlock(ctx, event); err != nil {
		p.log.Warn("block_event_failed", "block", b.BlockNumber, "error", err)
	}
	return b.Head(), nil
}

// BlockEvent is published on the instance's block events channel for every
// accepted block.
type BlockEvent struct {
	BlockNumber    uint64 `json:"blockNumber"`
	RefBlockNumber uint64 `json:"refBlockNumber"`
	Hash           string `json:"hash"`
	MerkleRoot     string `json:"merkleRoot"`
	Transactions   int    `json:"transactions"`
}

// Stop flushes buffered chain data and closes the connection.
func (p *Plugin) Stop(ctx context.Context) (any, error) {
	if p.store == nil {
		return nil, nil
	}
	err := p.store.Save(ctx)
	p.bus.Close()
	p.store = nil
	if err != nil {
		return nil, err
	}
	return nil, nil
}
