package supervisor

import (
	"context"

	"github.com/dyluth/sidenode/pkg/message"
)

// Descriptor names a subsystem to load. Name is the routing address and
// registry key; Kind selects the implementation.
type Descriptor struct {
	Name  string
	Kind  string
	Image string // Container image; only used by container spawners
}

func (d Descriptor) kind() string {
	if d.Kind == "" {
		return d.Name
	}
	return d.Kind
}

// Emit hands a message produced by a worker to the supervisor. It never
// blocks for long and is safe to call from any goroutine.
type Emit func(msg *message.Message)

// Spawner starts isolated workers.
type Spawner interface {
	Spawn(ctx context.Context, desc Descriptor, emit Emit) (Process, error)
}

// Process is a running worker. Done is closed when the worker has exited, for
// whatever reason; Err then reports why (nil for a clean exit).
type Process interface {
	ID() string
	Deliver(ctx context.Context, msg *message.Message) error
	Terminate(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
}
