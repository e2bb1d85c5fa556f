package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/sidenode/pkg/message"
	"github.com/inconshreveable/log15"
)

// RequestError reports a host request that produced no usable response.
type RequestError struct {
	To     string
	Action string
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s to %s failed: %v", e.Action, e.To, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ErrRequestTimeout is wrapped by a RequestError when no response arrived in time.
var ErrRequestTimeout = errors.New("request timed out")

// Host is a plugin's handle on the rest of the node.
type Host struct {
	name string
	conn Conn
	log  log15.Logger

	mu        sync.Mutex
	lastJobID int64
	pending   map[int64]chan *message.Message
	timeout   time.Duration
	closed    error
}

func newHost(name string, conn Conn, log log15.Logger) *Host {
	return &Host{
		name:    name,
		conn:    conn,
		log:     log,
		pending: make(map[int64]chan *message.Message),
	}
}

// Name returns the plugin's registry name, used as the From address.
func (h *Host) Name() string { return h.name }

// Log returns the plugin's logger.
func (h *Host) Log() log15.Logger { return h.log }

// SetRequestTimeout bounds every subsequent Request (0 = no deadline).
func (h *Host) SetRequestTimeout(d time.Duration) {
	h.mu.Lock()
	h.timeout = d
	h.mu.Unlock()
}

// Request sends a request to another subsystem and waits for the correlated
// response. The response payload is returned as-is; use Message.Err to check
// for a failure payload.
func (h *Host) Request(ctx context.Context, to, action string, payload any) (*message.Message, error) {
	req, err := message.NewRequest(to, h.name, action, payload)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed != nil {
		err := h.closed
		h.mu.Unlock()
		return nil, &RequestError{To: to, Action: action, Err: err}
	}
	h.lastJobID++
	req.JobID = h.lastJobID
	ch := make(chan *message.Message, 1)
	h.pending[req.JobID] = ch
	timeout := h.timeout
	h.mu.Unlock()

	if err := h.conn.Send(ctx, req); err != nil {
		h.forget(req.JobID)
		return nil, &RequestError{To: to, Action: action, Err: err}
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, &RequestError{To: to, Action: action, Err: h.closedErr()}
		}
		return resp, nil
	case <-deadline:
		h.forget(req.JobID)
		return nil, &RequestError{To: to, Action: action, Err: fmt.Errorf("%w after %s", ErrRequestTimeout, timeout)}
	case <-ctx.Done():
		h.forget(req.JobID)
		return nil, &RequestError{To: to, Action: action, Err: ctx.Err()}
	}
}

// Call is Request followed by a check of the response's error payload and
// decoding of its data into out (which may be nil).
func (h *Host) Call(ctx context.Context, to, action string, payload any, out any) error {
	resp, err := h.Request(ctx, to, action, payload)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("%s %s: %w", to, action, err)
	}
	if out != nil {
		return resp.Decode(out)
	}
	return nil
}

// Broadcast sends a message to every other loaded subsystem.
func (h *Host) Broadcast(ctx context.Context, action string, payload any) error {
	msg, err := message.NewBroadcast(h.name, action, payload)
	if err != nil {
		return err
	}
	return h.conn.Send(ctx, msg)
}

// ReportFault notifies the supervisor that this subsystem cannot make
// progress. No response is expected.
func (h *Host) ReportFault(ctx context.Context, fault error) error {
	req, err := message.NewRequest(message.SupervisorName, h.name, message.ActionSupervisorFault, message.ErrorPayload{Error: fault.Error()})
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.lastJobID++
	req.JobID = h.lastJobID
	h.mu.Unlock()
	return h.conn.Send(ctx, req)
}

// reply sends a response on the plugin's connection.
func (h *Host) reply(ctx context.Context, resp *message.Message) error {
	return h.conn.Send(ctx, resp)
}

func (h *Host) resolve(resp *message.Message) {
	h.mu.Lock()
	ch, ok := h.pending[resp.JobID]
	if ok {
		delete(h.pending, resp.JobID)
	}
	h.mu.Unlock()

	if !ok {
		h.log.Warn("unmatched_response", "from", resp.From, "action", resp.Action, "jobId", resp.JobID)
		return
	}
	ch <- resp
}

func (h *Host) forget(jobID int64) {
	h.mu.Lock()
	delete(h.pending, jobID)
	h.mu.Unlock()
}

// shutdown fails every pending request and rejects new ones.
func (h *Host) shutdown(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed != nil {
		return
	}
	h.closed = err
	for id, ch := range h.pending {
		close(ch)
		delete(h.pending, id)
	}
}

func (h *Host) closedErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed != nil {
		return h.closed
	}
	return ErrClosed
}
