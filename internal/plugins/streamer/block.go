package streamer

import (
	"encoding/json"
	"fmt"

	"github.com/dyluth/sidenode/pkg/chain"
	"github.com/inconshreveable/log15"
)

const customJSONOp = "custom_json"

// SourceBlock is the subset of a source chain block the streamer reads.
type SourceBlock struct {
	Previous       string              `json:"previous"`
	Timestamp      string              `json:"timestamp"`
	Transactions   []SourceTransaction `json:"transactions"`
	TransactionIDs []string            `json:"transaction_ids"`
}

// SourceTransaction carries a transaction's operations as [name, body] pairs.
type SourceTransaction struct {
	TransactionID string            `json:"transaction_id,omitempty"`
	Operations    []json.RawMessage `json:"operations"`
}

type customJSON struct {
	ID                   string   `json:"id"`
	JSON                 string   `json:"json"`
	RequiredAuths        []string `json:"required_auths"`
	RequiredPostingAuths []string `json:"required_posting_auths"`
}

type contractCall struct {
	ContractName    string          `json:"contractName"`
	ContractAction  string          `json:"contractAction"`
	ContractPayload json.RawMessage `json:"contractPayload"`
}

// SidechainTransactions extracts the transactions addressed to chainID, in
// block order. Operations that are not custom_json for chainID are skipped;
// a custom_json for chainID that cannot be decoded becomes a transaction with
// missing fields so that its failure is recorded on chain.
func (b *SourceBlock) SidechainTransactions(number uint64, chainID string, log log15.Logger) []*chain.Transaction {
	var txs []*chain.Transaction
	for i, stx := range b.Transactions {
		txID := stx.TransactionID
		if txID == "" && i < len(b.TransactionIDs) {
			txID = b.TransactionIDs[i]
		}

		for j, raw := range stx.Operations {
			op, ok := decodeCustomJSON(raw)
			if !ok || op.ID != chainID {
				continue
			}

			id := txID
			if len(stx.Operations) > 1 {
				id = fmt.Sprintf("%s-%d", txID, j)
			}

			var call contractCall
			if err := json.Unmarshal([]byte(op.JSON), &call); err != nil {
				log.Debug("custom_json_undecodable", "block", number, "tx", id, "sender", op.sender(), "error", err)
			}

			payload := ""
			if len(call.ContractPayload) > 0 && string(call.ContractPayload) != "null" {
				payload = string(call.ContractPayload)
			}
			txs = append(txs, chain.NewTransaction(number, id, op.sender(), call.ContractName, call.ContractAction, payload))
		}
	}
	return txs
}

func (op *customJSON) sender() string {
	if len(op.RequiredAuths) > 0 {
		return op.RequiredAuths[0]
	}
	if len(op.RequiredPostingAuths) > 0 {
		return op.RequiredPostingAuths[0]
	}
	return ""
}

func decodeCustomJSON(raw json.RawMessage) (*customJSON, bool) {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
		return nil, false
	}
	var name string
	if err := json.Unmarshal(pair[0], &name); err != nil || name != customJSONOp {
		return nil, false
	}
	var op customJSON
	if err := json.Unmarshal(pair[1], &op); err != nil {
		return nil, false
	}
	return &op, true
}
