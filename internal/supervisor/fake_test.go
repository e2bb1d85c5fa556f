package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dyluth/sidenode/internal/logging"
	"github.com/dyluth/sidenode/pkg/message"
)

// handlerFunc answers one message delivered to a fake worker.
type handlerFunc func(p *fakeProcess, msg *message.Message)

// answerAll acknowledges init and stop and echoes every other request.
func answerAll(p *fakeProcess, msg *message.Message) {
	if msg.Type != message.TypeRequest {
		return
	}
	switch msg.Action {
	case message.ActionInit, message.ActionStop:
		p.reply(msg, nil)
	default:
		p.reply(msg, msg.Payload)
	}
}

type fakeProcess struct {
	id      string
	name    string
	emit    Emit
	handler handlerFunc

	inbox      chan *message.Message
	done       chan struct{}
	once       sync.Once
	terminated atomic.Bool
	mu         sync.Mutex
	err        error
	received   []*message.Message
}

func (p *fakeProcess) serve() {
	for {
		select {
		case msg := <-p.inbox:
			p.mu.Lock()
			p.received = append(p.received, msg)
			p.mu.Unlock()
			p.handler(p, msg)
		case <-p.done:
			return
		}
	}
}

func (p *fakeProcess) reply(req *message.Message, payload any) {
	resp, err := req.Reply(payload)
	if err != nil {
		panic(err)
	}
	p.emit(resp)
}

func (p *fakeProcess) fail(req *message.Message, err error) {
	p.emit(req.Failure(err))
}

// send emits a message from the worker as if it had produced it.
func (p *fakeProcess) send(msg *message.Message) {
	msg.From = p.name
	p.emit(msg)
}

func (p *fakeProcess) crash(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) messages() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.received...)
}

func (p *fakeProcess) ID() string { return p.id }

func (p *fakeProcess) Deliver(ctx context.Context, msg *message.Message) error {
	select {
	case p.inbox <- msg:
		return nil
	case <-p.done:
		return ErrPluginExited
	}
}

func (p *fakeProcess) Terminate(ctx context.Context) error {
	p.terminated.Store(true)
	p.crash(nil)
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

type fakeSpawner struct {
	mu       sync.Mutex
	handlers map[string]handlerFunc
	procs    []*fakeProcess
	spawnErr error
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{handlers: make(map[string]handlerFunc)}
}

func (fs *fakeSpawner) handle(name string, h handlerFunc) {
	fs.mu.Lock()
	fs.handlers[name] = h
	fs.mu.Unlock()
}

func (fs *fakeSpawner) Spawn(ctx context.Context, desc Descriptor, emit Emit) (Process, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.spawnErr != nil {
		return nil, fs.spawnErr
	}
	h := fs.handlers[desc.Name]
	if h == nil {
		h = answerAll
	}
	p := &fakeProcess{
		id:      fmt.Sprintf("%s-%d", desc.Name, len(fs.procs)+1),
		name:    desc.Name,
		emit:    emit,
		handler: h,
		inbox:   make(chan *message.Message, 64),
		done:    make(chan struct{}),
	}
	fs.procs = append(fs.procs, p)
	go p.serve()
	return p, nil
}

// process returns the most recent worker spawned for name.
func (fs *fakeSpawner) process(name string) *fakeProcess {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i := len(fs.procs) - 1; i >= 0; i-- {
		if fs.procs[i].name == name {
			return fs.procs[i]
		}
	}
	return nil
}

func (fs *fakeSpawner) all() []*fakeProcess {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]*fakeProcess(nil), fs.procs...)
}

// startSupervisor runs a supervisor for the duration of the test.
func startSupervisor(t *testing.T, spawner Spawner, opts ...Option) *Supervisor {
	t.Helper()
	s := New(spawner, append([]Option{WithLogger(logging.Discard())}, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return s
}
