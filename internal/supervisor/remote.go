package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/sidenode/internal/bus"
	"github.com/dyluth/sidenode/internal/logging"
	"github.com/dyluth/sidenode/pkg/message"
	"github.com/inconshreveable/log15"
)

// drainTimeout bounds how long a dead worker's queued output is awaited.
const drainTimeout = 3 * time.Second

// Worker is an out-of-process plugin started by a Launcher. Exited is closed
// when the worker has stopped running.
type Worker interface {
	ID() string
	Exited() <-chan struct{}
	Err() error
	Stop(ctx context.Context) error
}

// Launcher starts out-of-process workers that serve one plugin each over the
// bus.
type Launcher interface {
	Launch(ctx context.Context, desc Descriptor) (Worker, error)
}

// RemoteSpawner connects the supervisor to workers in other processes through
// per-plugin Redis queues.
type RemoteSpawner struct {
	bus      *bus.Client
	launcher Launcher
	log      log15.Logger
}

// NewRemoteSpawner creates a spawner that launches workers with launcher and
// talks to them through client.
func NewRemoteSpawner(client *bus.Client, launcher Launcher) *RemoteSpawner {
	return &RemoteSpawner{bus: client, launcher: launcher, log: logging.New("worker")}
}

// Spawn clears the plugin's queues, launches the worker and starts forwarding
// its output.
func (rs *RemoteSpawner) Spawn(ctx context.Context, desc Descriptor, emit Emit) (Process, error) {
	if err := rs.bus.Reset(ctx, desc.Name); err != nil {
		return nil, err
	}

	w, err := rs.launcher.Launch(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("failed to launch worker for %s: %w", desc.Name, err)
	}

	plog := rs.log.New("plugin", desc.Name, "process", w.ID())
	proc := &remoteProcess{
		worker: w,
		conn:   rs.bus.SupervisorConn(desc.Name, plog),
		log:    plog,
		done:   make(chan struct{}),
	}
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		proc.forward(emit)
	}()
	go proc.monitor(forwarded)

	return proc, nil
}

type remoteProcess struct {
	worker Worker
	conn   *bus.Conn
	log    log15.Logger

	done chan struct{}
	once sync.Once
}

func (p *remoteProcess) forward(emit Emit) {
	for {
		msg, err := p.conn.Recv(context.Background())
		if err != nil {
			return
		}
		emit(msg)
	}
}

// monitor waits for the worker to exit, lets the forwarder drain whatever the
// worker queued before dying, then reports the exit.
func (p *remoteProcess) monitor(forwarded <-chan struct{}) {
	<-p.worker.Exited()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		n, err := p.conn.Pending(ctx)
		if err != nil || n == 0 {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(50 * time.Millisecond):
			continue
		}
		p.log.Warn("worker_output_dropped", "pending", n)
		break
	}

	p.conn.Close()
	<-forwarded
	p.once.Do(func() { close(p.done) })
}

func (p *remoteProcess) ID() string { return p.worker.ID() }

func (p *remoteProcess) Deliver(ctx context.Context, msg *message.Message) error {
	return p.conn.Send(ctx, msg)
}

func (p *remoteProcess) Terminate(ctx context.Context) error {
	err := p.worker.Stop(ctx)
	select {
	case <-p.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (p *remoteProcess) Done() <-chan struct{} { return p.done }

func (p *remoteProcess) Err() error { return p.worker.Err() }
