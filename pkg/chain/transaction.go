// Package chain defines the sidechain data model: transactions, their
// execution logs, blocks and the Merkle commitment over a block's
// transactions.
//
// All digests are lowercase hex encoded SHA-256 strings. Digests are computed
// over string concatenations so that a block produced on one node reproduces
// byte-for-byte on any other node given the same inputs.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// ErrMissingParameters is the log entry recorded for a transaction that lacks
// sender, contract or action.
const ErrMissingParameters = "the parameters sender, contract and action are required"

// Contract and action names that route a transaction to a deployment.
const (
	DeployContract = "contract"
	DeployAction   = "deploy"
)

// Event is a contract-emitted event recorded in an execution log.
type Event struct {
	Contract string          `json:"contract"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ExecutionLog is the outcome of executing one transaction.
type ExecutionLog struct {
	Errors []string `json:"errors,omitempty"`
	Events []Event  `json:"events,omitempty"`
}

// Failed reports whether the log recorded at least one error.
func (l ExecutionLog) Failed() bool {
	return len(l.Errors) > 0
}

// ErrorLog returns a log holding the given error messages.
func ErrorLog(errs ...string) ExecutionLog {
	return ExecutionLog{Errors: errs}
}

// Transaction is a single contract call sourced from the external chain.
// Every field except Logs is fixed at construction.
type Transaction struct {
	RefBlockNumber uint64         `json:"refBlockNumber"`
	TransactionID  string         `json:"transactionId"`
	Sender         string         `json:"sender"`
	Contract       string         `json:"contract"`
	Action         string         `json:"action"`
	Payload        string         `json:"payload"`
	Hash           string         `json:"hash"`
	Logs           []ExecutionLog `json:"logs"`
}

// NewTransaction creates a transaction and computes its hash.
func NewTransaction(refBlockNumber uint64, transactionID, sender, contract, action, payload string) *Transaction {
	tx := &Transaction{
		RefBlockNumber: refBlockNumber,
		TransactionID:  transactionID,
		Sender:         sender,
		Contract:       contract,
		Action:         action,
		Payload:        payload,
		Logs:           []ExecutionLog{},
	}
	tx.Hash = tx.CalculateHash()
	return tx
}

// CalculateHash digests the transaction's identifying fields. Logs are not
// part of the transaction hash; they are bound by the block hash instead.
func (tx *Transaction) CalculateHash() string {
	return Hash(strconv.FormatUint(tx.RefBlockNumber, 10) + tx.TransactionID + tx.Sender + tx.Contract + tx.Action + tx.Payload)
}

// AddLogs appends an execution outcome.
func (tx *Transaction) AddLogs(l ExecutionLog) {
	tx.Logs = append(tx.Logs, l)
}

// Valid reports whether the fields required for execution are present.
func (tx *Transaction) Valid() bool {
	return tx.Sender != "" && tx.Contract != "" && tx.Action != ""
}

// IsDeployment reports whether the transaction deploys a contract.
func (tx *Transaction) IsDeployment() bool {
	return tx.Contract == DeployContract && tx.Action == DeployAction && tx.Payload != ""
}

// Strip returns a copy of the transaction without execution logs, ready to be
// executed again (used when replaying a blocks log).
func (tx *Transaction) Strip() *Transaction {
	return NewTransaction(tx.RefBlockNumber, tx.TransactionID, tx.Sender, tx.Contract, tx.Action, tx.Payload)
}

// Hash returns the hex encoded SHA-256 digest of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
