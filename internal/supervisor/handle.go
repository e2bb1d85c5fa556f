package supervisor

import (
	"context"

	"github.com/dyluth/sidenode/internal/mailbox"
	"github.com/dyluth/sidenode/pkg/message"
	"github.com/inconshreveable/log15"
)

// PluginHandle is the supervisor's record of one loaded subsystem. It is only
// touched by the supervisor loop, except for the mailbox which the pump
// goroutine drains.
type PluginHandle struct {
	Name  string
	Kind  string
	State State

	proc     Process
	box      *mailbox.Mailbox
	log      log15.Logger
	unloaded bool // exit was requested by UnloadPlugin or a failed init
}

func newHandle(desc Descriptor, proc Process, log log15.Logger) *PluginHandle {
	h := &PluginHandle{
		Name:  desc.Name,
		Kind:  desc.kind(),
		State: StateLoading,
		proc:  proc,
		box:   mailbox.New(),
		log:   log,
	}
	go h.pump()
	return h
}

// pump delivers queued messages in order until the mailbox is closed or the
// worker exits.
func (h *PluginHandle) pump() {
	for {
		msg, ok := h.box.Get(h.proc.Done())
		if !ok {
			return
		}
		if err := h.proc.Deliver(context.Background(), msg); err != nil {
			h.log.Warn("delivery_failed", "plugin", h.Name, "action", msg.Action, "jobId", msg.JobID, "error", err)
		}
	}
}

func (h *PluginHandle) enqueue(msg *message.Message) bool {
	return h.box.Put(msg)
}

func (h *PluginHandle) transition(to State) error {
	if err := checkTransition(h.State, to); err != nil {
		return err
	}
	h.log.Debug("plugin_state", "plugin", h.Name, "from", h.State, "to", to)
	h.State = to
	return nil
}

// ProcessID returns the id of the worker backing the handle.
func (h *PluginHandle) ProcessID() string { return h.proc.ID() }
