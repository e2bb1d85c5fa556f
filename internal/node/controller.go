// Package node sequences subsystem startup, replay and shutdown on top of the
// supervisor.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/dyluth/sidenode/internal/config"
	"github.com/dyluth/sidenode/internal/logging"
	"github.com/dyluth/sidenode/internal/plugins/api"
	"github.com/dyluth/sidenode/internal/plugins/blockchain"
	"github.com/dyluth/sidenode/internal/plugins/replay"
	"github.com/dyluth/sidenode/internal/plugins/storage"
	"github.com/dyluth/sidenode/internal/plugins/streamer"
	"github.com/dyluth/sidenode/internal/supervisor"
	"github.com/dyluth/sidenode/pkg/chain"
	"github.com/dyluth/sidenode/pkg/message"
	"github.com/inconshreveable/log15"
)

const faultBuffer = 16

// StepError reports a startup step whose response was not a success.
type StepError struct {
	Plugin string
	Action string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Plugin, e.Action, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Fault is a subsystem's report that it cannot make progress.
type Fault struct {
	Plugin string
	Err    error
}

// Controller drives one node. Run must be running for every other method to
// make progress.
type Controller struct {
	sup        *supervisor.Supervisor
	cfg        *config.NodeConfig
	configPath string
	log        log15.Logger
	faults     chan Fault
}

// New creates a controller loading subsystems through spawner. configPath is
// the file rewritten with the resumption point on shutdown; empty disables
// persistence.
func New(spawner supervisor.Spawner, cfg *config.NodeConfig, configPath string) *Controller {
	c := &Controller{
		cfg:        cfg,
		configPath: configPath,
		log:        logging.New("node", "instance", cfg.Instance),
		faults:     make(chan Fault, faultBuffer),
	}
	c.sup = supervisor.New(spawner,
		supervisor.WithRequestTimeout(cfg.Supervisor.RequestTimeout),
		supervisor.WithRequestHandler(c.onRequest),
		supervisor.WithLogger(logging.New("supervisor", "instance", cfg.Instance)),
	)
	return c
}

// Run runs the supervisor loop until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	return c.sup.Run(ctx)
}

// Supervisor returns the underlying supervisor.
func (c *Controller) Supervisor() *supervisor.Supervisor { return c.sup }

// Faults delivers subsystem fault reports. Reports are dropped when nobody
// reads them.
func (c *Controller) Faults() <-chan Fault { return c.faults }

// onRequest runs on the supervisor loop and must not block.
func (c *Controller) onRequest(req *message.Message) {
	if req.Action != message.ActionSupervisorFault {
		c.log.Warn("unhandled_request", "from", req.From, "action", req.Action)
		return
	}
	f := Fault{Plugin: req.From, Err: req.Err()}
	if f.Err == nil {
		f.Err = fmt.Errorf("unspecified fault")
	}
	c.log.Error("subsystem_fault", "plugin", f.Plugin, "error", f.Err)
	select {
	case c.faults <- f:
	default:
		c.log.Warn("fault_dropped", "plugin", f.Plugin)
	}
}

// Start brings up a live node: storage, then block production, then the
// streamer and the API. The first failing step aborts the sequence.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.startProduction(ctx); err != nil {
		return err
	}
	if err := c.load(ctx, streamer.Name); err != nil {
		return err
	}
	if err := c.load(ctx, api.Name); err != nil {
		return err
	}
	c.log.Info("node_started", "chain_id", c.cfg.ChainID, "from_block", c.cfg.NextBlock())
	return nil
}

// Replay rebuilds the chain from file and returns once the chain head has
// reached the last block of the log and storage saved it.
func (c *Controller) Replay(ctx context.Context, file string) error {
	if err := c.startProduction(ctx); err != nil {
		return err
	}
	if err := c.load(ctx, replay.Name); err != nil {
		return err
	}

	resp, err := c.sup.Send(ctx, replay.Name, replay.ActionReplayFile, replay.FileArgs{File: file})
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return &StepError{Plugin: replay.Name, Action: replay.ActionReplayFile, Err: err}
	}
	var target uint64
	if err := resp.Decode(&target); err != nil {
		return err
	}

	if err := c.waitForHead(ctx, target); err != nil {
		return err
	}

	resp, err = c.sup.Send(ctx, storage.Name, storage.ActionSave, nil)
	if err != nil {
		return err
	}
	if err := resp.StatusErr(); err != nil {
		return &StepError{Plugin: storage.Name, Action: storage.ActionSave, Err: err}
	}
	c.log.Info("replay_done", "blocks", target)
	return nil
}

func (c *Controller) waitForHead(ctx context.Context, target uint64) error {
	ticker := time.NewTicker(c.cfg.Replay.PollInterval)
	defer ticker.Stop()

	for {
		resp, err := c.sup.Send(ctx, storage.Name, storage.ActionGetLatestBlockInfo, nil)
		if err != nil {
			return err
		}
		var head chain.Block
		if err := resp.Decode(&head); err != nil {
			return err
		}
		if head.BlockNumber >= target {
			return nil
		}
		c.log.Info("replay_progress", "head", head.BlockNumber, "target", target)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-c.faults:
			return fmt.Errorf("replay aborted by %s: %w", f.Plugin, f.Err)
		case <-ticker.C:
		}
	}
}

func (c *Controller) startProduction(ctx context.Context) error {
	if err := c.load(ctx, storage.Name); err != nil {
		return err
	}
	if err := c.load(ctx, blockchain.Name); err != nil {
		return err
	}
	resp, err := c.sup.Send(ctx, blockchain.Name, blockchain.ActionStartBlockProduction, nil)
	if err != nil {
		return err
	}
	if err := resp.StatusErr(); err != nil {
		return &StepError{Plugin: blockchain.Name, Action: blockchain.ActionStartBlockProduction, Err: err}
	}
	return nil
}

func (c *Controller) load(ctx context.Context, name string) error {
	_, err := c.sup.LoadPlugin(ctx, supervisor.Descriptor{Name: name}, c.cfg)
	return err
}

// Shutdown unloads subsystems in reverse dependency order and records the
// last processed source block in the config file. Every step runs even when
// an earlier one failed.
func (c *Controller) Shutdown(ctx context.Context) error {
	errs := wrappers.Errs{}

	c.unload(ctx, api.Name, &errs)

	ingester := streamer.Name
	if loaded, _ := c.sup.IsLoaded(ctx, streamer.Name); !loaded {
		ingester = replay.Name
	}
	resp := c.unload(ctx, ingester, &errs)

	c.unload(ctx, blockchain.Name, &errs)
	c.unload(ctx, storage.Name, &errs)

	if resp != nil && resp.Err() == nil && !resp.IsNull() {
		var last uint64
		if err := resp.Decode(&last); err != nil {
			errs.Add(err)
		} else if last > 0 && c.configPath != "" {
			if err := config.SaveResumeState(c.configPath, last); err != nil {
				errs.Add(err)
			} else {
				c.log.Info("resume_state_saved", "last_processed_block", last, "path", c.configPath)
			}
		}
	}

	return errs.Err
}

func (c *Controller) unload(ctx context.Context, name string, errs *wrappers.Errs) *message.Message {
	resp, err := c.sup.UnloadPlugin(ctx, name)
	if err != nil {
		c.log.Error("unload_failed", "plugin", name, "error", err)
		errs.Add(fmt.Errorf("failed to unload %s: %w", name, err))
		return nil
	}
	return resp
}
