package supervisor

import (
	"context"
	"time"

	"github.com/dyluth/sidenode/pkg/message"
)

// Job is a request awaiting its correlated response. It is resolved exactly
// once, by the supervisor loop.
type Job struct {
	ID     int64
	Plugin string
	Action string

	sup     *Supervisor
	handle  *PluginHandle
	timeout time.Duration
	done    chan struct{}
	resp    *message.Message
	err     error
}

func (j *Job) resolve(resp *message.Message) bool {
	select {
	case <-j.done:
		return false
	default:
	}
	j.resp = resp
	close(j.done)
	return true
}

func (j *Job) fail(err error) bool {
	select {
	case <-j.done:
		return false
	default:
	}
	j.err = err
	close(j.done)
	return true
}

// Done is closed once the job has been resolved or failed.
func (j *Job) Done() <-chan struct{} { return j.done }

// Result returns the response or failure. Only valid after Done is closed.
func (j *Job) Result() (*message.Message, error) {
	return j.resp, j.err
}

// Wait blocks until the job resolves, the supervisor's per-call deadline
// expires or ctx is cancelled. An abandoned job is removed from the table so
// a late response is reported as a routing error.
func (j *Job) Wait(ctx context.Context) (*message.Message, error) {
	var deadline <-chan time.Time
	if j.timeout > 0 {
		timer := time.NewTimer(j.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-j.done:
		return j.resp, j.err
	case <-deadline:
		j.sup.abandon(j, &JobTimeoutError{JobID: j.ID, Plugin: j.Plugin, Action: j.Action, Timeout: j.timeout})
	case <-ctx.Done():
		j.sup.abandon(j, ctx.Err())
	}

	// abandon raced with a response; whichever the loop saw first wins.
	<-j.done
	return j.resp, j.err
}
