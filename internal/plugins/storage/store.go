package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/cache"
	"github.com/dyluth/sidenode/internal/bus"
	"github.com/dyluth/sidenode/pkg/chain"
	"github.com/redis/go-redis/v9"
)

const (
	blockCacheSize    = 1024
	contractCacheSize = 256
)

// ErrContractExists is returned when adding a contract whose name is taken.
var ErrContractExists = errors.New("contract already exists")

// Store keeps the chain in Redis. Accepted blocks and contracts are buffered
// in memory until Save; reads see buffered data first, then the LRU caches,
// then Redis.
//
// Store is not safe for concurrent use; the storage plugin serialises access.
type Store struct {
	rdb      *redis.Client
	instance string
	autosave int

	blocks    cache.Cacher
	contracts cache.Cacher

	head             *chain.Block
	unsaved          map[uint64]*chain.Block
	unsavedContracts map[string]*chain.Contract
}

// Open loads the committed head for instance, creating and saving the genesis
// block on an empty database. autosave flushes after that many buffered blocks
// (0 disables).
func Open(ctx context.Context, rdb *redis.Client, instance string, autosave int, genesisTimestamp string) (*Store, error) {
	s := &Store{
		rdb:              rdb,
		instance:         instance,
		autosave:         autosave,
		blocks:           &cache.LRU{Size: blockCacheSize},
		contracts:        &cache.LRU{Size: contractCacheSize},
		unsaved:          make(map[uint64]*chain.Block),
		unsavedContracts: make(map[string]*chain.Contract),
	}

	data, err := rdb.Get(ctx, bus.HeadKey(instance)).Bytes()
	switch {
	case bus.IsNotFound(err):
		genesis, err := chain.Genesis(genesisTimestamp)
		if err != nil {
			return nil, err
		}
		s.head = genesis
		s.unsaved[genesis.BlockNumber] = genesis
		if err := s.Save(ctx); err != nil {
			return nil, fmt.Errorf("failed to save genesis block: %w", err)
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}

	var head chain.Head
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("corrupt chain head: %w", err)
	}
	blk, err := s.Block(ctx, head.BlockNumber)
	if err != nil {
		return nil, err
	}
	if blk == nil || blk.Hash != head.Hash {
		return nil, fmt.Errorf("chain head %d (%s) has no matching block", head.BlockNumber, head.Hash)
	}
	s.head = blk
	return s, nil
}

// Head returns the latest accepted block.
func (s *Store) Head() *chain.Block { return s.head }

// Unsaved returns the number of accepted blocks not yet flushed.
func (s *Store) Unsaved() int { return len(s.unsaved) }

// AddBlock accepts b as the new head after checking that it extends the
// current one. contracts are those deployed by b's transactions; they are
// recorded together with the block or not at all. saved reports whether the
// add triggered an autosave.
func (s *Store) AddBlock(ctx context.Context, b *chain.Block, contracts ...*chain.Contract) (saved bool, err error) {
	if err := b.Verify(s.head.Head()); err != nil {
		return false, err
	}
	seen := make(map[string]bool, len(contracts))
	for _, c := range contracts {
		existing, err := s.Contract(ctx, c.Name)
		if err != nil {
			return false, err
		}
		if existing != nil || seen[c.Name] {
			return false, fmt.Errorf("block %d: %w: %s", b.BlockNumber, ErrContractExists, c.Name)
		}
		seen[c.Name] = true
	}

	for _, c := range contracts {
		s.unsavedContracts[c.Name] = c
		s.contracts.Put(c.Name, c)
	}
	s.unsaved[b.BlockNumber] = b
	s.blocks.Put(b.BlockNumber, b)
	s.head = b

	if s.autosave > 0 && len(s.unsaved) >= s.autosave {
		if err := s.Save(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Block returns the block with the given number, or nil if there is none.
func (s *Store) Block(ctx context.Context, blockNumber uint64) (*chain.Block, error) {
	if b, ok := s.unsaved[blockNumber]; ok {
		return b, nil
	}
	if v, ok := s.blocks.Get(blockNumber); ok {
		return v.(*chain.Block), nil
	}

	data, err := s.rdb.Get(ctx, bus.BlockKey(s.instance, blockNumber)).Bytes()
	if bus.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read block %d: %w", blockNumber, err)
	}

	var b chain.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("corrupt block %d: %w", blockNumber, err)
	}
	s.blocks.Put(blockNumber, &b)
	return &b, nil
}

// Contract returns the named contract, or nil if it is not deployed.
func (s *Store) Contract(ctx context.Context, name string) (*chain.Contract, error) {
	if c, ok := s.unsavedContracts[name]; ok {
		return c, nil
	}
	if v, ok := s.contracts.Get(name); ok {
		return v.(*chain.Contract), nil
	}

	data, err := s.rdb.Get(ctx, bus.ContractKey(s.instance, name)).Bytes()
	if bus.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read contract %s: %w", name, err)
	}

	var c chain.Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("corrupt contract %s: %w", name, err)
	}
	s.contracts.Put(name, &c)
	return &c, nil
}

// AddContract records a deployed contract.
func (s *Store) AddContract(ctx context.Context, c *chain.Contract) error {
	existing, err := s.Contract(ctx, c.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrContractExists, c.Name)
	}
	s.unsavedContracts[c.Name] = c
	s.contracts.Put(c.Name, c)
	return nil
}

// Save flushes buffered blocks and contracts and the head pointer in a single
// MULTI/EXEC transaction.
func (s *Store) Save(ctx context.Context) error {
	if len(s.unsaved) == 0 && len(s.unsavedContracts) == 0 {
		return nil
	}

	head, err := json.Marshal(s.head.Head())
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for n, b := range s.unsaved {
			data, err := json.Marshal(b)
			if err != nil {
				return fmt.Errorf("failed to marshal block %d: %w", n, err)
			}
			pipe.Set(ctx, bus.BlockKey(s.instance, n), data, 0)
		}
		for name, c := range s.unsavedContracts {
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("failed to marshal contract %s: %w", name, err)
			}
			pipe.Set(ctx, bus.ContractKey(s.instance, name), data, 0)
		}
		pipe.Set(ctx, bus.HeadKey(s.instance), head, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save chain up to block %d: %w", s.head.BlockNumber, err)
	}

	s.unsaved = make(map[uint64]*chain.Block)
	s.unsavedContracts = make(map[string]*chain.Contract)
	return nil
}
