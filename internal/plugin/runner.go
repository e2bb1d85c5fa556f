package plugin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/dyluth/sidenode/internal/mailbox"
	"github.com/dyluth/sidenode/pkg/message"
	"github.com/inconshreveable/log15"
)

// PanicError is returned by Run when a plugin handler panicked.
type PanicError struct {
	Action string
	Value  any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("plugin panicked handling %s: %v", e.Action, e.Value)
}

// Run serves p over conn until a stop request has been answered, the
// connection is closed, or ctx is cancelled.
//
// Responses addressed to the plugin resolve its pending Host requests as soon
// as they arrive. Requests and broadcasts are queued and handed to the plugin
// strictly in arrival order, so a handler blocked on a Host request never
// stalls response delivery.
func Run(ctx context.Context, name string, conn Conn, p Plugin, log log15.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	host := newHost(name, conn, log)
	inbox := mailbox.New()
	readErr := make(chan error, 1)

	go func() {
		defer inbox.Close()
		for {
			msg, err := conn.Recv(ctx)
			if err != nil {
				readErr <- err
				return
			}
			if msg.Type == message.TypeResponse {
				host.resolve(msg)
				continue
			}
			inbox.Put(msg)
		}
	}()

	r := &runner{name: name, host: host, plugin: p, log: log}
	err := r.loop(ctx, inbox)

	host.shutdown(ErrClosed)
	if r.initialized && !r.stopped {
		// Abnormal exit; give the plugin a chance to release resources.
		if _, stopErr := p.Stop(context.Background()); stopErr != nil {
			log.Warn("plugin_stop_failed", "plugin", name, "error", stopErr)
		}
	}

	if err != nil {
		return err
	}
	select {
	case rerr := <-readErr:
		if rerr != nil && !isEOF(rerr) && !errors.Is(rerr, context.Canceled) {
			return fmt.Errorf("connection failed: %w", rerr)
		}
	default:
	}
	return nil
}

type runner struct {
	name        string
	host        *Host
	plugin      Plugin
	log         log15.Logger
	initialized bool
	stopped     bool
}

func (r *runner) loop(ctx context.Context, inbox *mailbox.Mailbox) error {
	for {
		msg, ok := inbox.Get(ctx.Done())
		if !ok {
			return nil
		}

		done, err := r.dispatch(ctx, msg)
		if err != nil || done {
			return err
		}
	}
}

// dispatch handles one inbound message. done is true once the plugin has
// answered a stop request.
func (r *runner) dispatch(ctx context.Context, msg *message.Message) (done bool, err error) {
	defer func() {
		if v := recover(); v != nil {
			r.log.Error("plugin_panic", "plugin", r.name, "action", msg.Action, "panic", v, "stack", string(debug.Stack()))
			perr := &PanicError{Action: msg.Action, Value: v}
			if msg.Type == message.TypeRequest {
				r.send(ctx, msg.Failure(perr))
			}
			done, err = true, perr
		}
	}()

	if msg.Type == message.TypeBroadcast {
		if _, herr := r.plugin.Handle(ctx, msg); herr != nil {
			r.log.Warn("broadcast_failed", "plugin", r.name, "from", msg.From, "action", msg.Action, "error", herr)
		}
		return false, nil
	}

	switch msg.Action {
	case message.ActionInit:
		if ierr := r.plugin.Init(ctx, r.host, msg.Payload); ierr != nil {
			r.log.Error("plugin_init_failed", "plugin", r.name, "error", ierr)
			r.send(ctx, msg.Failure(ierr))
			return false, nil
		}
		r.initialized = true
		r.reply(ctx, msg, nil)
		return false, nil

	case message.ActionStop:
		r.stopped = true
		result, serr := r.plugin.Stop(ctx)
		if serr != nil {
			r.send(ctx, msg.Failure(serr))
		} else {
			r.reply(ctx, msg, result)
		}
		return true, nil
	}

	result, herr := r.plugin.Handle(ctx, msg)
	if herr != nil {
		r.send(ctx, msg.Failure(herr))
		return false, nil
	}
	r.reply(ctx, msg, result)
	return false, nil
}

func (r *runner) reply(ctx context.Context, req *message.Message, result any) {
	resp, err := req.Reply(result)
	if err != nil {
		resp = req.Failure(err)
	}
	r.send(ctx, resp)
}

func (r *runner) send(ctx context.Context, resp *message.Message) {
	if err := r.host.reply(ctx, resp); err != nil {
		r.log.Warn("reply_failed", "plugin", r.name, "to", resp.To, "action", resp.Action, "jobId", resp.JobID, "error", err)
	}
}
