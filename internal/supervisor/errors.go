package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/sidenode/pkg/message"
)

var (
	// ErrPluginExited fails jobs pending on a worker that exited without
	// answering them.
	ErrPluginExited = errors.New("plugin exited")

	// ErrAlreadyLoaded is returned when loading a name that is registered.
	ErrAlreadyLoaded = errors.New("plugin already loaded")

	// ErrNotLoaded is returned when sending to a name that is not registered.
	ErrNotLoaded = errors.New("plugin not loaded")

	// ErrStopped is returned once the supervisor loop has exited.
	ErrStopped = errors.New("supervisor stopped")
)

// PluginInitError reports a plugin whose init response carried an error.
// It is fatal to the startup sequence that loaded the plugin.
type PluginInitError struct {
	Plugin string
	Err    error
}

func (e *PluginInitError) Error() string {
	return fmt.Sprintf("plugin %s failed to initialize: %v", e.Plugin, e.Err)
}

func (e *PluginInitError) Unwrap() error { return e.Err }

// RoutingError describes a message that could not be delivered. It is logged
// and the message dropped; it never stops the supervisor.
type RoutingError struct {
	From   string
	To     string
	Type   message.Type
	Action string
	JobID  int64
	Reason string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("cannot route %s %s from %s to %q: %s", e.Type, e.Action, e.From, e.To, e.Reason)
}

// JobTimeoutError reports a request whose response did not arrive within the
// per-call deadline. The job is removed from the table.
type JobTimeoutError struct {
	JobID   int64
	Plugin  string
	Action  string
	Timeout time.Duration
}

func (e *JobTimeoutError) Error() string {
	return fmt.Sprintf("job %d (%s on %s) timed out after %s", e.JobID, e.Action, e.Plugin, e.Timeout)
}

// IsTimeout reports whether err is a JobTimeoutError.
func IsTimeout(err error) bool {
	var te *JobTimeoutError
	return errors.As(err, &te)
}
