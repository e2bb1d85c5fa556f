package plugin

import (
	"context"
	"io"
	"sync"

	"github.com/dyluth/sidenode/internal/mailbox"
	"github.com/dyluth/sidenode/pkg/message"
)

// Pipe returns two connected in-memory Conns. Every message sent through the
// pipe is deep-copied, so the two ends never share memory.
func Pipe() (Conn, Conn) {
	a, b := mailbox.New(), mailbox.New()
	return &pipeConn{in: a, out: b}, &pipeConn{in: b, out: a}
}

type pipeConn struct {
	in   *mailbox.Mailbox
	out  *mailbox.Mailbox
	once sync.Once
}

func (c *pipeConn) Recv(ctx context.Context) (*message.Message, error) {
	msg, ok := c.in.Get(ctx.Done())
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return msg, nil
}

func (c *pipeConn) Send(ctx context.Context, msg *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp, err := message.Clone(msg)
	if err != nil {
		return err
	}
	if !c.out.Put(cp) {
		return ErrClosed
	}
	return nil
}

// Close closes both directions. The peer drains queued messages and then
// receives io.EOF.
func (c *pipeConn) Close() error {
	c.once.Do(func() {
		c.out.Close()
		c.in.Close()
	})
	return nil
}
