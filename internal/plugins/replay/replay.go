// Package replay is the subsystem that rebuilds the sidechain from a blocks
// log instead of the live source chain.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dyluth/sidenode/internal/config"
	"github.com/dyluth/sidenode/internal/plugin"
	"github.com/dyluth/sidenode/internal/plugins/blockchain"
	"github.com/dyluth/sidenode/internal/plugins/storage"
	"github.com/dyluth/sidenode/pkg/chain"
	"github.com/dyluth/sidenode/pkg/message"
	"github.com/inconshreveable/log15"
)

// Name is the registry name of the replay subsystem.
const Name = "replay"

// ActionReplayFile starts a replay. It responds immediately with the block
// number the chain head will reach once the replay completes.
const ActionReplayFile = "REPLAY_FILE"

// FileArgs optionally overrides the configured blocks log.
type FileArgs struct {
	File string `json:"file,omitempty"`
}

// Plugin replays a blocks log through the blockchain subsystem. Its stop
// response is the source chain block referenced by the last replayed block.
type Plugin struct {
	host *plugin.Host
	log  log15.Logger
	file string

	mu      sync.Mutex
	lastRef uint64
	running bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an uninitialised replay subsystem.
func New() plugin.Plugin { return &Plugin{} }

func (p *Plugin) Init(ctx context.Context, host *plugin.Host, raw json.RawMessage) error {
	var cfg config.NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("invalid replay config: %w", err)
	}
	p.host = host
	p.log = host.Log()
	p.file = cfg.Replay.File
	p.lastRef = cfg.LastProcessedBlock
	host.SetRequestTimeout(cfg.Supervisor.RequestTimeout)
	return nil
}

func (p *Plugin) Handle(ctx context.Context, req *message.Message) (any, error) {
	if req.Type == message.TypeBroadcast {
		return nil, nil
	}
	if req.Action != ActionReplayFile {
		return nil, plugin.ErrUnknownAction(req.Action)
	}

	var args FileArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	file := p.file
	if args.File != "" {
		file = args.File
	}
	return p.start(ctx, file)
}

// start loads the log and begins playback of every block past the current
// chain head.
func (p *Plugin) start(ctx context.Context, file string) (uint64, error) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return 0, fmt.Errorf("a replay is already running")
	}
	p.running = true
	p.mu.Unlock()

	target, pending, err := p.plan(ctx, file)
	if err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return 0, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.play(loopCtx, pending)

	p.log.Info("replay_started", "file", file, "blocks", len(pending), "target", target)
	return target, nil
}

func (p *Plugin) plan(ctx context.Context, file string) (uint64, []*chain.Block, error) {
	blocks, err := ReadLog(file)
	if err != nil {
		return 0, nil, err
	}

	var head chain.Block
	if err := p.host.Call(ctx, storage.Name, storage.ActionGetLatestBlockInfo, nil, &head); err != nil {
		return 0, nil, fmt.Errorf("failed to read chain head: %w", err)
	}

	target := head.BlockNumber
	var pending []*chain.Block
	for _, b := range blocks {
		if b.BlockNumber <= head.BlockNumber {
			continue
		}
		pending = append(pending, b)
		target = b.BlockNumber
	}
	if len(pending) > 0 && pending[0].BlockNumber != head.BlockNumber+1 {
		return 0, nil, fmt.Errorf("blocks log starts at block %d but the chain head is %d", pending[0].BlockNumber, head.BlockNumber)
	}
	return target, pending, nil
}

func (p *Plugin) play(ctx context.Context, blocks []*chain.Block) {
	defer close(p.done)

	for _, b := range blocks {
		var result blockchain.ProduceResult
		err := p.host.Call(ctx, blockchain.Name, blockchain.ActionProduceNewBlockSync, blockchain.ProduceArgs{
			RefBlockNumber: b.RefBlockNumber,
			Timestamp:      b.Timestamp,
			Transactions:   b.Transactions,
		}, &result)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("replay_failed", "block", b.BlockNumber, "error", err)
			// The head will not reach the target; the controller must stop waiting.
			if rerr := p.host.ReportFault(ctx, fmt.Errorf("replay stopped at block %d: %w", b.BlockNumber, err)); rerr != nil {
				p.log.Warn("fault_report_failed", "error", rerr)
			}
			return
		}
		if result.Hash != b.Hash {
			p.log.Warn("replay_divergence", "block", b.BlockNumber, "logged_hash", b.Hash, "replayed_hash", result.Hash)
		}

		p.mu.Lock()
		if b.RefBlockNumber > 0 {
			p.lastRef = b.RefBlockNumber
		}
		p.mu.Unlock()
	}
	p.log.Info("replay_finished", "blocks", len(blocks))
}

// Stop cancels playback and returns the last source block replayed.
func (p *Plugin) Stop(ctx context.Context) (any, error) {
	if p.cancel != nil {
		p.cancel()
		<-p.done
		p.cancel = nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	return p.lastRef, nil
}
