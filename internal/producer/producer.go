// Package producer turns an ordered transaction batch into a finalized block.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/sidenode/pkg/chain"
	"github.com/inconshreveable/log15"
)

// Executor is the sandbox call contract used by the producer.
type Executor interface {
	Deploy(ctx context.Context, tx *chain.Transaction) (chain.ExecutionLog, error)
	Execute(ctx context.Context, tx *chain.Transaction) (chain.ExecutionLog, error)
}

// TransactionValidationError describes a transaction rejected before
// execution. Its message is recorded in the transaction's log.
type TransactionValidationError struct {
	TransactionID string
}

func (e *TransactionValidationError) Error() string {
	return chain.ErrMissingParameters
}

// SupervisorFault reports that a collaborator the producer depends on became
// unreachable. It aborts the block.
type SupervisorFault struct {
	BlockNumber   uint64
	TransactionID string
	Err           error
}

func (e *SupervisorFault) Error() string {
	return fmt.Sprintf("block %d aborted at transaction %s: %v", e.BlockNumber, e.TransactionID, e.Err)
}

func (e *SupervisorFault) Unwrap() error { return e.Err }

// IsFault reports whether err is a SupervisorFault.
func IsFault(err error) bool {
	var f *SupervisorFault
	return errors.As(err, &f)
}

// Producer assembles blocks. Only one block is produced at a time.
type Producer struct {
	exec Executor
	log  log15.Logger
	mu   sync.Mutex
}

// New creates a producer executing transactions through exec.
func New(exec Executor, log log15.Logger) *Producer {
	return &Producer{exec: exec, log: log}
}

// Produce builds the block extending head from txs, executes every transaction
// in order and finalizes the block. Per-transaction failures are recorded in
// the transactions' logs; only a SupervisorFault or cancellation of ctx is
// returned as an error.
func (p *Producer) Produce(ctx context.Context, head chain.Head, timestamp string, txs []*chain.Transaction) (*chain.Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	block := chain.NewBlock(head, timestamp, txs)

	failed := 0
	for _, tx := range block.Transactions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		l, err := p.execute(ctx, tx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.log.Error("block_aborted", "block", block.BlockNumber, "tx", tx.TransactionID, "error", err)
			return nil, &SupervisorFault{BlockNumber: block.BlockNumber, TransactionID: tx.TransactionID, Err: err}
		}
		if l.Failed() {
			failed++
			p.log.Debug("transaction_failed", "block", block.BlockNumber, "tx", tx.TransactionID, "contract", tx.Contract, "action", tx.Action, "errors", l.Errors)
		}
		tx.AddLogs(l)
	}

	if err := block.Finalize(); err != nil {
		return nil, err
	}

	p.log.Info("block_produced",
		"block", block.BlockNumber,
		"ref_block", block.RefBlockNumber,
		"txs", len(block.Transactions),
		"failed", failed,
		"hash", block.Hash,
		"duration", time.Since(start))
	return block, nil
}

func (p *Producer) execute(ctx context.Context, tx *chain.Transaction) (chain.ExecutionLog, error) {
	if !tx.Valid() {
		verr := &TransactionValidationError{TransactionID: tx.TransactionID}
		return chain.ErrorLog(verr.Error()), nil
	}
	if tx.IsDeployment() {
		return p.exec.Deploy(ctx, tx)
	}
	return p.exec.Execute(ctx, tx)
}
