package supervisor

import (
	"context"
	"sync"

	"github.com/dyluth/sidenode/internal/logging"
	"github.com/dyluth/sidenode/internal/plugin"
	"github.com/dyluth/sidenode/pkg/message"
	"github.com/google/uuid"
	"github.com/inconshreveable/log15"
)

// LocalSpawner runs each plugin in its own goroutine inside the node process.
// Messages cross the boundary as JSON copies over an in-memory pipe and
// handler panics are contained by the runner, so a worker never shares state
// with the supervisor or with another worker.
type LocalSpawner struct {
	registry plugin.Registry
	log      log15.Logger
}

// NewLocalSpawner creates a spawner for the kinds in registry.
func NewLocalSpawner(registry plugin.Registry) *LocalSpawner {
	return &LocalSpawner{registry: registry, log: logging.New("worker")}
}

// Spawn instantiates desc's kind and starts serving it.
func (ls *LocalSpawner) Spawn(ctx context.Context, desc Descriptor, emit Emit) (Process, error) {
	p, err := ls.registry.New(desc.kind())
	if err != nil {
		return nil, err
	}

	supEnd, workerEnd := plugin.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())
	proc := &localProcess{
		id:     uuid.New().String(),
		conn:   supEnd,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	wlog := ls.log.New("plugin", desc.Name, "process", proc.id)

	ran := make(chan error, 1)
	go func() {
		ran <- plugin.Run(runCtx, desc.Name, workerEnd, p, wlog)
	}()
	go func() {
		// Run closes its end on return, so forward drains every message the
		// worker sent before reporting the exit.
		proc.forward(emit)
		proc.finish(<-ran)
	}()

	return proc, nil
}

type localProcess struct {
	id     string
	conn   plugin.Conn
	cancel context.CancelFunc

	done chan struct{}
	mu   sync.Mutex
	err  error
}

// forward hands every message the worker sends to the supervisor.
func (p *localProcess) forward(emit Emit) {
	for {
		msg, err := p.conn.Recv(context.Background())
		if err != nil {
			return
		}
		emit(msg)
	}
}

func (p *localProcess) finish(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

func (p *localProcess) ID() string { return p.id }

func (p *localProcess) Deliver(ctx context.Context, msg *message.Message) error {
	return p.conn.Send(ctx, msg)
}

// Terminate cancels the worker and waits for it to return.
func (p *localProcess) Terminate(ctx context.Context) error {
	p.cancel()
	p.conn.Close()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *localProcess) Done() <-chan struct{} { return p.done }

func (p *localProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
