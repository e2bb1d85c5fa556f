// Package streamer is the subsystem that follows the source chain and feeds
// each block's sidechain transactions to the blockchain subsystem.
package streamer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/sidenode/internal/config"
	"github.com/dyluth/sidenode/internal/plugin"
	"github.com/dyluth/sidenode/internal/plugins/blockchain"
	"github.com/dyluth/sidenode/pkg/message"
	"github.com/inconshreveable/log15"
)

// Name is the registry name of the streamer subsystem.
const Name = "streamer"

// ActionGetStatus reports ingestion progress.
const ActionGetStatus = "GET_STATUS"

// Status is the reply to GET_STATUS.
type Status struct {
	NextBlock          uint64 `json:"nextBlock"`
	LastProcessedBlock uint64 `json:"lastProcessedBlock"`
}

// Plugin streams source chain blocks. Its stop response is the number of the
// last source block fully processed.
type Plugin struct {
	// NewSource overrides the RPC source; used by tests.
	NewSource func(nodes []string, log log15.Logger) (Source, error)

	host    *plugin.Host
	log     log15.Logger
	source  Source
	chainID string
	poll    time.Duration

	mu            sync.Mutex
	next          uint64
	lastProcessed uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an uninitialised streamer.
func New() plugin.Plugin { return &Plugin{} }

// Init connects to the source chain and starts streaming from the block after
// the last one processed.
func (p *Plugin) Init(ctx context.Context, host *plugin.Host, raw json.RawMessage) error {
	var cfg config.NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("invalid streamer config: %w", err)
	}

	newSource := p.NewSource
	if newSource == nil {
		newSource = func(nodes []string, log log15.Logger) (Source, error) {
			return NewRPCSource(nodes, log)
		}
	}
	source, err := newSource(cfg.Streamer.Nodes, host.Log())
	if err != nil {
		return err
	}

	p.host = host
	p.log = host.Log()
	p.source = source
	p.chainID = cfg.ChainID
	p.poll = cfg.Streamer.PollInterval
	p.next = cfg.NextBlock()
	if p.next > 0 {
		p.lastProcessed = p.next - 1
	}
	host.SetRequestTimeout(cfg.Supervisor.RequestTimeout)

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.stream(loopCtx)

	p.log.Info("streaming_started", "chain_id", p.chainID, "from_block", p.next, "nodes", len(cfg.Streamer.Nodes))
	return nil
}

func (p *Plugin) Handle(ctx context.Context, req *message.Message) (any, error) {
	if req.Type == message.TypeBroadcast {
		return nil, nil
	}
	if req.Action == ActionGetStatus {
		p.mu.Lock()
		defer p.mu.Unlock()
		return Status{NextBlock: p.next, LastProcessedBlock: p.lastProcessed}, nil
	}
	return nil, plugin.ErrUnknownAction(req.Action)
}

// Stop ends streaming and returns the last processed source block number.
func (p *Plugin) Stop(ctx context.Context) (any, error) {
	if p.cancel != nil {
		p.cancel()
		<-p.done
		p.cancel = nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log.Info("streaming_stopped", "last_processed_block", p.lastProcessed)
	return p.lastProcessed, nil
}

func (p *Plugin) stream(ctx context.Context) {
	defer close(p.done)

	for ctx.Err() == nil {
		advanced, err := p.step(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Warn("stream_step_failed", "block", p.nextBlock(), "error", err)
		}
		if advanced && err == nil {
			// Catching up; fetch the next block straight away.
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(p.poll):
		}
	}
}

// step processes the next source block if it is available.
func (p *Plugin) step(ctx context.Context) (bool, error) {
	number := p.nextBlock()
	block, err := p.source.GetBlock(ctx, number)
	if err != nil {
		return false, err
	}
	if block == nil {
		return false, nil
	}

	txs := block.SidechainTransactions(number, p.chainID, p.log)
	if len(txs) > 0 {
		// A timed out call is retried with the same source block; the
		// blockchain subsystem answers the retry from the committed head.
		var result blockchain.ProduceResult
		err := p.host.Call(ctx, blockchain.Name, blockchain.ActionProduceNewBlockSync, blockchain.ProduceArgs{
			RefBlockNumber: number,
			Timestamp:      block.Timestamp,
			Transactions:   txs,
		}, &result)
		if err != nil {
			return false, fmt.Errorf("failed to produce block for source block %d: %w", number, err)
		}
		p.log.Debug("source_block_processed", "block", number, "txs", len(txs), "sidechain_block", result.BlockNumber)
	}

	p.mu.Lock()
	p.lastProcessed = number
	p.next = number + 1
	p.mu.Unlock()
	return true, nil
}

func (p *Plugin) nextBlock() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}
