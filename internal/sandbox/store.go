package sandbox

import (
	"context"
	"sync"

	"github.com/dyluth/sidenode/pkg/chain"
)

// ContractStore persists deployed contracts. GetContract returns nil, nil
// for an unknown name.
type ContractStore interface {
	GetContract(ctx context.Context, name string) (*chain.Contract, error)
	AddContract(ctx context.Context, c *chain.Contract) error
}

// MemoryStore is an in-process ContractStore.
type MemoryStore struct {
	mu        sync.RWMutex
	contracts map[string]*chain.Contract
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contracts: make(map[string]*chain.Contract)}
}

func (s *MemoryStore) GetContract(ctx context.Context, name string) (*chain.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[name]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) AddContract(ctx context.Context, c *chain.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.contracts[c.Name] = &cp
	return nil
}
