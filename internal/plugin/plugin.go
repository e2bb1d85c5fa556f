// Package plugin is the worker side of the subsystem protocol. A subsystem
// implements Plugin; Run serves it over a Conn, answering the supervisor's
// init and stop requests and dispatching every other request to Handle.
//
// A plugin talks to other subsystems through its Host. Host requests are
// correlated by a job id owned by the host, independent of the supervisor's.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/dyluth/sidenode/pkg/message"
)

// ErrClosed is returned by a Conn once it has been closed.
var ErrClosed = errors.New("connection closed")

// Conn is a worker's message channel to the supervisor. Recv returns io.EOF
// once the peer has closed the connection and every queued message was read.
// Send must be safe for concurrent use.
type Conn interface {
	Recv(ctx context.Context) (*message.Message, error)
	Send(ctx context.Context, msg *message.Message) error
	Close() error
}

// Plugin is a subsystem served by Run.
//
// Init receives the node configuration delivered with the init request. Handle
// serves every other request and broadcast; its result becomes the response
// payload. Stop releases resources; its result becomes the stop response
// payload. Requests are handed to the plugin one at a time, in arrival order.
type Plugin interface {
	Init(ctx context.Context, host *Host, config json.RawMessage) error
	Handle(ctx context.Context, req *message.Message) (any, error)
	Stop(ctx context.Context) (any, error)
}

// Factory creates a fresh plugin instance.
type Factory func() Plugin

// Registry maps a plugin kind to its factory.
type Registry map[string]Factory

// New instantiates a plugin of the given kind.
func (r Registry) New(kind string) (Plugin, error) {
	f, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("unknown plugin kind %q (known: %v)", kind, r.Kinds())
	}
	return f(), nil
}

// Kinds returns the registered kinds in sorted order.
func (r Registry) Kinds() []string {
	kinds := make([]string, 0, len(r))
	for k := range r {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ErrUnknownAction is returned by plugins for actions they do not serve.
func ErrUnknownAction(action string) error {
	return fmt.Errorf("unknown action %q", action)
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, ErrClosed)
}
