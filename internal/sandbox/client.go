// Package sandbox is the call contract to the deterministic contract
// executor. A Sandbox deploys and executes transactions; Client bounds every
// call by the per-transaction time budget.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/sidenode/pkg/chain"
)

// Sandbox executes transactions against contract state. Both calls must be
// deterministic given identical inputs and state. Contract-level failures are
// reported in the returned log; a returned error means the sandbox could not
// reach a collaborator it depends on, such as the contract store.
type Sandbox interface {
	Deploy(ctx context.Context, tx *chain.Transaction) (chain.ExecutionLog, error)
	Execute(ctx context.Context, tx *chain.Transaction) (chain.ExecutionLog, error)
}

// ExecutionTimeoutError is recorded in the log of a transaction whose call
// exceeded the time budget.
type ExecutionTimeoutError struct {
	Contract string
	Action   string
	Budget   time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s.%s exceeded the %s execution budget", e.Contract, e.Action, e.Budget)
}

// Client runs sandbox calls under a time budget.
type Client struct {
	sandbox Sandbox
	budget  time.Duration
}

// NewClient wraps sb. A zero budget disables the bound.
func NewClient(sb Sandbox, budget time.Duration) *Client {
	return &Client{sandbox: sb, budget: budget}
}

// Deploy runs a deployment within the budget.
func (c *Client) Deploy(ctx context.Context, tx *chain.Transaction) (chain.ExecutionLog, error) {
	return c.call(ctx, tx, c.sandbox.Deploy)
}

// Execute runs a contract action within the budget.
func (c *Client) Execute(ctx context.Context, tx *chain.Transaction) (chain.ExecutionLog, error) {
	return c.call(ctx, tx, c.sandbox.Execute)
}

type result struct {
	log chain.ExecutionLog
	err error
}

func (c *Client) call(ctx context.Context, tx *chain.Transaction, fn func(context.Context, *chain.Transaction) (chain.ExecutionLog, error)) (chain.ExecutionLog, error) {
	if c.budget <= 0 {
		return fn(ctx, tx)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	// The call runs on its own goroutine so a sandbox that ignores its
	// context cannot hold the producer past the budget.
	done := make(chan result, 1)
	go func() {
		l, err := fn(callCtx, tx)
		done <- result{l, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return c.timeoutLog(tx), nil
		}
		return r.log, r.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return chain.ExecutionLog{}, err
		}
		return c.timeoutLog(tx), nil
	}
}

func (c *Client) timeoutLog(tx *chain.Transaction) chain.ExecutionLog {
	err := &ExecutionTimeoutError{Contract: tx.Contract, Action: tx.Action, Budget: c.budget}
	return chain.ErrorLog(err.Error())
}
