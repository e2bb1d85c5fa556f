package api

import (
	"encoding/json"
	"net/http"

	"github.com/dyluth/sidenode/internal/plugin"
	"github.com/dyluth/sidenode/internal/plugins/storage"
)

// ServiceName is the JSON-RPC namespace of the chain query methods.
const ServiceName = "blockchain"

// Service answers chain queries from the storage subsystem. Replies are the
// storage payloads passed through unchanged; a missing block is null.
type Service struct {
	host *plugin.Host
}

// EmptyArgs is accepted by methods without parameters.
type EmptyArgs struct{}

// GetLatestBlockInfo returns the chain head block.
func (s *Service) GetLatestBlockInfo(r *http.Request, args *EmptyArgs, reply *json.RawMessage) error {
	return s.query(r, storage.ActionGetLatestBlockInfo, nil, reply)
}

// GetBlockInfo returns the block with the requested number.
func (s *Service) GetBlockInfo(r *http.Request, args *storage.BlockArgs, reply *json.RawMessage) error {
	return s.query(r, storage.ActionGetBlockInfo, args, reply)
}

// GetContract returns a deployed contract.
func (s *Service) GetContract(r *http.Request, args *storage.ContractArgs, reply *json.RawMessage) error {
	return s.query(r, storage.ActionGetContract, args, reply)
}

func (s *Service) query(r *http.Request, action string, args any, reply *json.RawMessage) error {
	resp, err := s.host.Request(r.Context(), storage.Name, action, args)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	*reply = resp.Payload
	return nil
}
