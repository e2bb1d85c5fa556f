// Package blockchain is the subsystem that turns transaction batches into
// committed sidechain blocks. It reads the chain head and contracts from the
// storage subsystem, runs the block producer over the WASM sandbox and hands
// the finalized block back to storage.
package blockchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dyluth/sidenode/internal/config"
	"github.com/dyluth/sidenode/internal/plugin"
	"github.com/dyluth/sidenode/internal/plugins/storage"
	"github.com/dyluth/sidenode/internal/producer"
	"github.com/dyluth/sidenode/internal/sandbox"
	"github.com/dyluth/sidenode/pkg/chain"
	"github.com/dyluth/sidenode/pkg/message"
	"github.com/inconshreveable/log15"
)

// Name is the registry name of the blockchain subsystem.
const Name = "blockchain"

// Actions served by the blockchain subsystem.
const (
	ActionStartBlockProduction = "START_BLOCK_PRODUCTION"
	ActionProduceNewBlockSync  = "PRODUCE_NEW_BLOCK_SYNC"
)

// ErrNotProducing is returned for a batch received before START_BLOCK_PRODUCTION.
var ErrNotProducing = errors.New("block production not started")

// ProduceArgs is the payload of PRODUCE_NEW_BLOCK_SYNC. RefBlockNumber names
// the source block the batch came from; a batch whose source block is already
// the head's is answered with the head instead of being produced again.
type ProduceArgs struct {
	RefBlockNumber uint64               `json:"refBlockNumber,omitempty"`
	Timestamp      string               `json:"timestamp"`
	Transactions   []*chain.Transaction `json:"transactions"`
}

// ProduceResult describes the committed block.
type ProduceResult struct {
	BlockNumber    uint64 `json:"blockNumber"`
	RefBlockNumber uint64 `json:"refBlockNumber"`
	Hash           string `json:"hash"`
	MerkleRoot     string `json:"merkleRoot"`
}

// Plugin produces blocks on request.
type Plugin struct {
	host      *plugin.Host
	log       log15.Logger
	producer  *producer.Producer
	contracts *contractStore

	mu        sync.Mutex
	producing bool
}

// New returns an uninitialised blockchain subsystem.
func New() plugin.Plugin { return &Plugin{} }

// Init builds the sandbox and producer. Contract storage goes through the
// storage subsystem.
func (p *Plugin) Init(ctx context.Context, host *plugin.Host, raw json.RawMessage) error {
	var cfg config.NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("invalid blockchain config: %w", err)
	}

	p.host = host
	p.log = host.Log()
	host.SetRequestTimeout(cfg.Supervisor.RequestTimeout)

	p.contracts = &contractStore{host: host}
	wasm := sandbox.NewWASM(p.contracts)
	p.producer = producer.New(sandbox.NewClient(wasm, cfg.VMTimeout), p.log)
	return nil
}

func (p *Plugin) Handle(ctx context.Context, req *message.Message) (any, error) {
	if req.Type == message.TypeBroadcast {
		return nil, nil
	}

	switch req.Action {
	case ActionStartBlockProduction:
		p.mu.Lock()
		p.producing = true
		p.mu.Unlock()
		p.log.Info("block_production_started")
		return nil, nil

	case ActionProduceNewBlockSync:
		var args ProduceArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return p.produce(ctx, args)
	}
	return nil, plugin.ErrUnknownAction(req.Action)
}

func (p *Plugin) produce(ctx context.Context, args ProduceArgs) (*ProduceResult, error) {
	p.mu.Lock()
	producing := p.producing
	p.mu.Unlock()
	if !producing {
		return nil, ErrNotProducing
	}

	// Incoming transactions are rebuilt so that hashes are recomputed and no
	// stale logs ride along.
	txs := make([]*chain.Transaction, 0, len(args.Transactions))
	for _, tx := range args.Transactions {
		if tx != nil {
			txs = append(txs, tx.Strip())
		}
	}

	var head chain.Block
	if err := p.host.Call(ctx, storage.Name, storage.ActionGetLatestBlockInfo, nil, &head); err != nil {
		return nil, p.fault(ctx, fmt.Errorf("failed to read chain head: %w", err))
	}

	if args.RefBlockNumber > 0 && head.BlockNumber > 0 && head.RefBlockNumber == args.RefBlockNumber {
		// A retried batch whose first attempt outlived the caller's deadline.
		p.log.Info("block_already_committed", "block", head.BlockNumber, "ref_block", head.RefBlockNumber)
		return resultOf(&head), nil
	}

	p.contracts.begin()
	block, err := p.producer.Produce(ctx, head.Head(), args.Timestamp, txs)
	deployed := p.contracts.take()
	if err != nil {
		if producer.IsFault(err) {
			return nil, p.fault(ctx, err)
		}
		return nil, err
	}

	commit := storage.AddBlockArgs{Block: *block, DeployedContracts: deployed}
	if err := p.host.Call(ctx, storage.Name, storage.ActionAddBlock, commit, nil); err != nil {
		return nil, p.fault(ctx, fmt.Errorf("failed to commit block %d: %w", block.BlockNumber, err))
	}
	return resultOf(block), nil
}

func resultOf(b *chain.Block) *ProduceResult {
	return &ProduceResult{
		BlockNumber:    b.BlockNumber,
		RefBlockNumber: b.RefBlockNumber,
		Hash:           b.Hash,
		MerkleRoot:     b.MerkleRoot,
	}
}

// fault reports err to the supervisor and returns it.
func (p *Plugin) fault(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	if rerr := p.host.ReportFault(ctx, err); rerr != nil {
		p.log.Warn("fault_report_failed", "error", rerr)
	}
	return err
}

// Stop halts production.
func (p *Plugin) Stop(ctx context.Context) (any, error) {
	p.mu.Lock()
	p.producing = false
	p.mu.Unlock()
	return nil, nil
}

// contractStore reads contracts through the storage subsystem. Contracts
// deployed while a block is produced stay staged here and reach storage only
// with the block's ADD_BLOCK, so an aborted block leaves no contract behind.
type contractStore struct {
	host *plugin.Host

	mu     sync.Mutex
	staged []*chain.Contract
}

// begin discards whatever a previous production staged.
func (s *contractStore) begin() {
	s.mu.Lock()
	s.staged = nil
	s.mu.Unlock()
}

// take returns the staged contracts in deployment order and clears them.
func (s *contractStore) take() []*chain.Contract {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := s.staged
	s.staged = nil
	return staged
}

func (s *contractStore) GetContract(ctx context.Context, name string) (*chain.Contract, error) {
	s.mu.Lock()
	for _, c := range s.staged {
		if c.Name == name {
			s.mu.Unlock()
			return c, nil
		}
	}
	s.mu.Unlock()

	var c *chain.Contract
	if err := s.host.Call(ctx, storage.Name, storage.ActionGetContract, storage.ContractArgs{Name: name}, &c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *contractStore) AddContract(ctx context.Context, c *chain.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, staged := range s.staged {
		if staged.Name == c.Name {
			return fmt.Errorf("%w: %s", storage.ErrContractExists, c.Name)
		}
	}
	s.staged = append(s.staged, c)
	return nil
}
