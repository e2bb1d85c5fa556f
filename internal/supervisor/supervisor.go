// Package supervisor loads, unloads and routes messages between isolated
// subsystems. A Supervisor owns the plugin registry and the job table; both
// are mutated only by the goroutine running Run, so neither needs a lock.
// Public methods hand closures to that goroutine and wait for them.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/sidenode/internal/logging"
	"github.com/dyluth/sidenode/pkg/message"
	"github.com/inconshreveable/log15"
)

// inboundBuffer sizes the queue of worker messages awaiting routing.
const inboundBuffer = 256

// RequestHandler receives requests addressed to the supervisor itself. It runs
// on the routing goroutine and must not block.
type RequestHandler func(req *message.Message)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRequestTimeout bounds every correlated request (0 = wait indefinitely).
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.requestTimeout = d }
}

// WithLogger replaces the default component logger.
func WithLogger(l log15.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithRequestHandler installs the hook for requests addressed to the
// supervisor.
func WithRequestHandler(h RequestHandler) Option {
	return func(s *Supervisor) { s.onRequest = h }
}

// envelope is one event for the routing goroutine: a message produced by a
// worker, or the worker's exit. Both travel on the same channel so a worker's
// last messages are routed before its exit is handled.
type envelope struct {
	source string
	msg    *message.Message
	exit   *PluginHandle
}

// Supervisor coordinates a set of subsystems.
type Supervisor struct {
	spawner        Spawner
	log            log15.Logger
	requestTimeout time.Duration
	onRequest      RequestHandler

	calls   chan func()
	inbound chan envelope
	stopped chan struct{}
	runOnce sync.Once

	// Owned by the routing goroutine.
	plugins       map[string]*PluginHandle
	reserved      map[string]bool
	jobs          map[int64]*Job
	lastJobID     int64
	routingErrors int
}

// New creates a supervisor that starts workers through spawner. Run must be
// called before any other method returns.
func New(spawner Spawner, opts ...Option) *Supervisor {
	s := &Supervisor{
		spawner:  spawner,
		log:      logging.New("supervisor"),
		calls:    make(chan func()),
		inbound:  make(chan envelope, inboundBuffer),
		stopped:  make(chan struct{}),
		plugins:  make(map[string]*PluginHandle),
		reserved: make(map[string]bool),
		jobs:     make(map[int64]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run routes messages until ctx is cancelled. On exit every pending job fails
// with ErrStopped and every remaining worker is terminated.
func (s *Supervisor) Run(ctx context.Context) error {
	first := false
	s.runOnce.Do(func() { first = true })
	if !first {
		return fmt.Errorf("supervisor is already running")
	}
	defer close(s.stopped)

	s.log.Info("supervisor_started", "request_timeout", s.requestTimeout)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case fn := <-s.calls:
			fn()
		case env := <-s.inbound:
			if env.exit != nil {
				s.handleExit(env.exit)
				continue
			}
			s.route(env)
		}
	}
}

// Done is closed once Run has returned.
func (s *Supervisor) Done() <-chan struct{} { return s.stopped }

// do runs fn on the routing goroutine and waits for it to finish.
func (s *Supervisor) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case s.calls <- wrapped:
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// emitter returns the Emit callback for the worker registered under name.
func (s *Supervisor) emitter(name string) Emit {
	return func(msg *message.Message) {
		select {
		case s.inbound <- envelope{source: name, msg: msg}:
		case <-s.stopped:
		}
	}
}

// LoadPlugin starts a worker for desc, sends it init with cfg and waits for the
// answer. The handle is registered once the worker is spawned; if init fails
// the worker is terminated, the entry removed and a PluginInitError returned.
func (s *Supervisor) LoadPlugin(ctx context.Context, desc Descriptor, cfg any) (*message.Message, error) {
	if desc.Name == "" || desc.Name == message.SupervisorName {
		return nil, fmt.Errorf("invalid plugin name %q", desc.Name)
	}
	payload, err := message.EncodePayload(cfg)
	if err != nil {
		return nil, err
	}

	var reserveErr error
	if err := s.do(ctx, func() {
		if _, ok := s.plugins[desc.Name]; ok || s.reserved[desc.Name] {
			reserveErr = fmt.Errorf("%w: %s", ErrAlreadyLoaded, desc.Name)
			return
		}
		s.reserved[desc.Name] = true
	}); err != nil {
		return nil, err
	}
	if reserveErr != nil {
		return nil, reserveErr
	}

	plog := s.log.New("plugin", desc.Name)
	proc, spawnErr := s.spawner.Spawn(ctx, desc, s.emitter(desc.Name))

	var (
		handle *PluginHandle
		job    *Job
	)
	if err := s.do(context.Background(), func() {
		delete(s.reserved, desc.Name)
		if spawnErr != nil {
			return
		}
		handle = newHandle(desc, proc, plog)
		s.plugins[desc.Name] = handle
		go s.watch(handle)
		job = s.dispatch(handle, message.ActionInit, payload)
	}); err != nil {
		if proc != nil {
			proc.Terminate(context.Background())
		}
		return nil, err
	}
	if spawnErr != nil {
		s.log.Error("plugin_spawn_failed", "plugin", desc.Name, "kind", desc.kind(), "error", spawnErr)
		return nil, fmt.Errorf("failed to spawn %s: %w", desc.Name, spawnErr)
	}

	s.log.Info("plugin_spawned", "plugin", desc.Name, "kind", handle.Kind, "process", proc.ID())

	resp, err := job.Wait(ctx)
	if err == nil {
		err = resp.StatusErr()
	}
	if err != nil {
		initErr := &PluginInitError{Plugin: desc.Name, Err: err}
		s.log.Error("plugin_init_failed", "plugin", desc.Name, "error", err)
		s.discard(handle, StateFailed)
		return resp, initErr
	}

	var readyErr error
	if err := s.do(ctx, func() {
		if s.plugins[desc.Name] != handle {
			readyErr = fmt.Errorf("%w during init: %s", ErrPluginExited, desc.Name)
			return
		}
		readyErr = handle.transition(StateReady)
	}); err != nil {
		return resp, err
	}
	if readyErr != nil {
		return resp, &PluginInitError{Plugin: desc.Name, Err: readyErr}
	}

	s.log.Info("plugin_loaded", "plugin", desc.Name, "kind", handle.Kind)
	return resp, nil
}

// UnloadPlugin sends stop to the named plugin, waits for the answer,
// terminates the worker and removes the registry entry. It returns the stop
// response, or nil if the plugin was not loaded.
func (s *Supervisor) UnloadPlugin(ctx context.Context, name string) (*message.Message, error) {
	var (
		handle  *PluginHandle
		job     *Job
		callErr error
	)
	if err := s.do(ctx, func() {
		h, ok := s.plugins[name]
		if !ok {
			return
		}
		if err := h.transition(StateStopping); err != nil {
			callErr = fmt.Errorf("cannot unload %s: %w", name, err)
			return
		}
		handle = h
		job = s.dispatch(h, message.ActionStop, nil)
	}); err != nil {
		return nil, err
	}
	if callErr != nil {
		return nil, callErr
	}
	if handle == nil {
		return nil, nil
	}

	resp, waitErr := job.Wait(ctx)
	if waitErr != nil {
		s.log.Warn("plugin_stop_unanswered", "plugin", name, "error", waitErr)
	}

	s.discard(handle, StateUnloaded)
	s.log.Info("plugin_unloaded", "plugin", name)
	return resp, waitErr
}

// discard removes a handle from the registry and terminates its worker. state
// is the transition applied before the removal (FAILED or UNLOADED).
func (s *Supervisor) discard(h *PluginHandle, state State) {
	s.do(context.Background(), func() {
		if state != StateUnloaded {
			h.transition(state)
		}
		h.unloaded = true
		if s.plugins[h.Name] == h {
			delete(s.plugins, h.Name)
		}
		h.box.Close()
	})

	tctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.proc.Terminate(tctx); err != nil {
		s.log.Warn("plugin_terminate_failed", "plugin", h.Name, "process", h.proc.ID(), "error", err)
	}

	s.do(context.Background(), func() {
		if h.State != StateUnloaded {
			h.transition(StateUnloaded)
		}
		s.failJobs(h, ErrPluginExited)
	})
}

// Request sends a request to a ready plugin and returns the pending job.
func (s *Supervisor) Request(ctx context.Context, name, action string, payload any) (*Job, error) {
	raw, err := message.EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	var (
		job     *Job
		callErr error
	)
	if err := s.do(ctx, func() {
		h, ok := s.plugins[name]
		if !ok {
			callErr = fmt.Errorf("%w: %s", ErrNotLoaded, name)
			return
		}
		if h.State != StateReady {
			callErr = fmt.Errorf("plugin %s is %s", name, h.State)
			return
		}
		job = s.dispatch(h, action, raw)
	}); err != nil {
		return nil, err
	}
	return job, callErr
}

// Send is Request followed by Wait.
func (s *Supervisor) Send(ctx context.Context, name, action string, payload any) (*message.Message, error) {
	job, err := s.Request(ctx, name, action, payload)
	if err != nil {
		return nil, err
	}
	return job.Wait(ctx)
}

// Broadcast delivers a message from the supervisor to every loaded plugin.
func (s *Supervisor) Broadcast(ctx context.Context, action string, payload any) error {
	msg, err := message.NewBroadcast(message.SupervisorName, action, payload)
	if err != nil {
		return err
	}
	return s.do(ctx, func() { s.forwardBroadcast(msg) })
}

// IsLoaded reports whether a handle is registered under name.
func (s *Supervisor) IsLoaded(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := s.do(ctx, func() { _, ok = s.plugins[name] })
	return ok, err
}

// PluginInfo describes one registered plugin.
type PluginInfo struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	State   State  `json:"state"`
	Process string `json:"process"`
	Queued  int    `json:"queued"`
}

// Stats is a snapshot of the supervisor's state.
type Stats struct {
	Plugins       []PluginInfo `json:"plugins"`
	PendingJobs   int          `json:"pendingJobs"`
	LastJobID     int64        `json:"lastJobId"`
	RoutingErrors int          `json:"routingErrors"`
}

// Stats returns a snapshot of the registry and job table.
func (s *Supervisor) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.do(ctx, func() {
		for _, h := range s.plugins {
			st.Plugins = append(st.Plugins, PluginInfo{
				Name:    h.Name,
				Kind:    h.Kind,
				State:   h.State,
				Process: h.proc.ID(),
				Queued:  h.box.Len(),
			})
		}
		sort.Slice(st.Plugins, func(i, j int) bool { return st.Plugins[i].Name < st.Plugins[j].Name })
		st.PendingJobs = len(s.jobs)
		st.LastJobID = s.lastJobID
		st.RoutingErrors = s.routingErrors
	})
	return st, err
}

// dispatch allocates the next job id, records the job and queues the request.
// Routing goroutine only.
func (s *Supervisor) dispatch(h *PluginHandle, action string, payload []byte) *Job {
	s.lastJobID++
	job := &Job{
		ID:      s.lastJobID,
		Plugin:  h.Name,
		Action:  action,
		sup:     s,
		handle:  h,
		timeout: s.requestTimeout,
		done:    make(chan struct{}),
	}
	s.jobs[job.ID] = job

	msg := &message.Message{
		To:      h.Name,
		From:    message.SupervisorName,
		Type:    message.TypeRequest,
		JobID:   job.ID,
		Action:  action,
		Payload: payload,
	}
	if !h.enqueue(msg) {
		delete(s.jobs, job.ID)
		job.fail(fmt.Errorf("%w: %s", ErrPluginExited, h.Name))
	}
	return job
}

// abandon removes a job whose caller stopped waiting.
func (s *Supervisor) abandon(j *Job, err error) {
	if doErr := s.do(context.Background(), func() {
		if s.jobs[j.ID] == j {
			delete(s.jobs, j.ID)
			j.fail(err)
			s.log.Warn("job_abandoned", "jobId", j.ID, "plugin", j.Plugin, "action", j.Action, "error", err)
		}
	}); doErr != nil {
		j.fail(doErr)
	}
}

// failJobs fails every job pending on h. Routing goroutine only.
func (s *Supervisor) failJobs(h *PluginHandle, err error) {
	for id, j := range s.jobs {
		if j.handle == h {
			delete(s.jobs, id)
			j.fail(fmt.Errorf("%w: %s", err, h.Name))
		}
	}
}

// watch reports the worker's exit to the routing goroutine. Processes close
// Done only after every message they emitted has been handed to Emit.
func (s *Supervisor) watch(h *PluginHandle) {
	select {
	case <-h.proc.Done():
	case <-s.stopped:
		return
	}
	select {
	case s.inbound <- envelope{source: h.Name, exit: h}:
	case <-s.stopped:
	}
}

func (s *Supervisor) handleExit(h *PluginHandle) {
	if h.unloaded {
		return
	}
	if h.State == StateStopping {
		s.log.Debug("plugin_exited", "plugin", h.Name, "process", h.proc.ID())
	} else {
		s.log.Error("plugin_crashed", "plugin", h.Name, "process", h.proc.ID(), "state", h.State, "error", h.proc.Err())
	}
	h.unloaded = true
	h.transition(StateUnloaded)
	if s.plugins[h.Name] == h {
		delete(s.plugins, h.Name)
	}
	h.box.Close()
	s.failJobs(h, ErrPluginExited)
}

// route dispatches one message produced by a worker. Routing goroutine only.
func (s *Supervisor) route(env envelope) {
	msg := env.msg
	if msg.From != env.source {
		s.routingError(msg, fmt.Sprintf("sender %q does not match worker %q", msg.From, env.source))
		return
	}
	if err := msg.Validate(); err != nil {
		s.routingError(msg, err.Error())
		return
	}

	switch {
	case msg.To == message.SupervisorName && msg.Type == message.TypeResponse:
		job, ok := s.jobs[msg.JobID]
		if !ok || job.Plugin != msg.From {
			s.routingError(msg, fmt.Sprintf("no pending job %d", msg.JobID))
			return
		}
		delete(s.jobs, msg.JobID)
		job.resolve(msg)

	case msg.To == message.SupervisorName && msg.Type == message.TypeRequest:
		if s.onRequest != nil {
			s.onRequest(msg)
		}

	case msg.Type == message.TypeBroadcast:
		s.forwardBroadcast(msg)

	default:
		h, ok := s.plugins[msg.To]
		if !ok {
			s.routingError(msg, "destination not loaded")
			return
		}
		if !h.enqueue(msg) {
			s.routingError(msg, "destination is shutting down")
		}
	}
}

func (s *Supervisor) forwardBroadcast(msg *message.Message) {
	for name, h := range s.plugins {
		if name == msg.From {
			continue
		}
		h.enqueue(msg)
	}
}

func (s *Supervisor) routingError(msg *message.Message, reason string) {
	s.routingErrors++
	err := &RoutingError{From: msg.From, To: msg.To, Type: msg.Type, Action: msg.Action, JobID: msg.JobID, Reason: reason}
	s.log.Warn("routing_error", "from", msg.From, "to", msg.To, "type", msg.Type, "action", msg.Action, "jobId", msg.JobID, "error", err)
}

// shutdown fails pending jobs and terminates every remaining worker.
// Routing goroutine only; called once as Run exits.
func (s *Supervisor) shutdown() {
	for id, j := range s.jobs {
		delete(s.jobs, id)
		j.fail(ErrStopped)
	}

	var wg sync.WaitGroup
	for name, h := range s.plugins {
		delete(s.plugins, name)
		h.unloaded = true
		h.box.Close()
		s.log.Warn("plugin_terminated_on_shutdown", "plugin", name)

		wg.Add(1)
		go func(p Process) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			p.Terminate(ctx)
		}(h.proc)
	}
	wg.Wait()
	s.log.Info("supervisor_stopped")
}
