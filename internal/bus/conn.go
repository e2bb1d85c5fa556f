package bus

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/dyluth/sidenode/internal/plugin"
	"github.com/dyluth/sidenode/pkg/message"
	"github.com/inconshreveable/log15"
)

// DefaultPollTimeout bounds each blocking pop so Close and context
// cancellation are noticed promptly.
const DefaultPollTimeout = time.Second

// Conn is one end of a plugin's queue pair. It implements plugin.Conn.
type Conn struct {
	client      *Client
	sendKey     string
	recvKey     string
	pollTimeout time.Duration
	log         log15.Logger

	closed chan struct{}
	once   sync.Once
}

var _ plugin.Conn = (*Conn)(nil)

// SupervisorConn returns the supervisor's end of a plugin's queues: it sends to
// the inbox and receives from the outbox.
func (c *Client) SupervisorConn(pluginName string, log log15.Logger) *Conn {
	return c.newConn(InboxKey(c.instanceName, pluginName), OutboxKey(c.instanceName, pluginName), log)
}

// WorkerConn returns the worker's end of a plugin's queues.
func (c *Client) WorkerConn(pluginName string, log log15.Logger) *Conn {
	return c.newConn(OutboxKey(c.instanceName, pluginName), InboxKey(c.instanceName, pluginName), log)
}

func (c *Client) newConn(sendKey, recvKey string, log log15.Logger) *Conn {
	return &Conn{
		client:      c,
		sendKey:     sendKey,
		recvKey:     recvKey,
		pollTimeout: DefaultPollTimeout,
		log:         log,
		closed:      make(chan struct{}),
	}
}

// Recv blocks until a message arrives. Malformed entries are logged and
// skipped. Returns io.EOF once the Conn has been closed.
func (c *Conn) Recv(ctx context.Context) (*message.Message, error) {
	for {
		select {
		case <-c.closed:
			return nil, io.EOF
		default:
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, err := c.client.Pop(ctx, c.recvKey, c.pollTimeout)
		switch {
		case err == nil:
			return msg, nil
		case IsNotFound(err):
			continue
		case errors.Is(err, ErrMalformed):
			c.log.Warn("malformed_message", "queue", c.recvKey, "error", err)
			continue
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			select {
			case <-c.closed:
				return nil, io.EOF
			default:
			}
			return nil, err
		}
	}
}

// Send pushes a message onto the peer's queue.
func (c *Conn) Send(ctx context.Context, msg *message.Message) error {
	select {
	case <-c.closed:
		return plugin.ErrClosed
	default:
	}
	return c.client.Push(ctx, c.sendKey, msg)
}

// Pending returns the number of messages waiting to be received.
func (c *Conn) Pending(ctx context.Context) (int64, error) {
	return c.client.QueueLen(ctx, c.recvKey)
}

// Close stops the Conn. The underlying client stays open.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
