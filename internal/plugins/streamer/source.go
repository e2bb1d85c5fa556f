package streamer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/inconshreveable/log15"
	"github.com/sony/gobreaker"
)

const (
	getBlockMethod = "condenser_api.get_block"

	breakerFailures = 3
	breakerCooldown = 30 * time.Second
	requestTimeout  = 10 * time.Second
)

// ErrNoNodes is returned when no source node is configured.
var ErrNoNodes = errors.New("no source chain nodes configured")

// Source fetches blocks from the source chain. GetBlock returns nil, nil for
// a block that has not been produced yet.
type Source interface {
	GetBlock(ctx context.Context, number uint64) (*SourceBlock, error)
}

// RPCSource is a JSON-RPC 2.0 client over a list of equivalent nodes. Each
// node sits behind a circuit breaker; a call moves to the next node when the
// current one fails or its breaker is open.
type RPCSource struct {
	http *http.Client
	log  log15.Logger

	mu      sync.Mutex
	nodes   []*sourceNode
	current int
}

type sourceNode struct {
	url     string
	breaker *gobreaker.CircuitBreaker
}

// NewRPCSource creates a client rotating over urls.
func NewRPCSource(urls []string, log log15.Logger) (*RPCSource, error) {
	if len(urls) == 0 {
		return nil, ErrNoNodes
	}
	s := &RPCSource{
		http: &http.Client{Timeout: requestTimeout},
		log:  log,
	}
	for _, url := range urls {
		url := url
		s.nodes = append(s.nodes, &sourceNode{
			url: url,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:    url,
				Timeout: breakerCooldown,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= breakerFailures
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					log.Warn("source_node_state", "node", name, "from", from.String(), "to", to.String())
				},
			}),
		})
	}
	return s, nil
}

// GetBlock fetches one block, trying each node at most once.
func (s *RPCSource) GetBlock(ctx context.Context, number uint64) (*SourceBlock, error) {
	var lastErr error
	for attempt := 0; attempt < len(s.nodes); attempt++ {
		node := s.node()
		v, err := node.breaker.Execute(func() (interface{}, error) {
			return s.call(ctx, node.url, number)
		})
		if err == nil {
			return v.(*SourceBlock), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = fmt.Errorf("%s: %w", node.url, err)
		s.log.Debug("source_node_failed", "node", node.url, "block", number, "error", err)
		s.rotate(node)
	}
	return nil, lastErr
}

func (s *RPCSource) node() *sourceNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[s.current]
}

// rotate moves past failed unless another caller already did.
func (s *RPCSource) rotate(failed *sourceNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodes[s.current] == failed {
		s.current = (s.current + 1) % len(s.nodes)
	}
}

func (s *RPCSource) call(ctx context.Context, url string, number uint64) (*SourceBlock, error) {
	body, err := json2.EncodeClientRequest(getBlockMethod, []uint64{number})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var block SourceBlock
	err = json2.DecodeClientResponse(resp.Body, &block)
	if errors.Is(err, json2.ErrNullResult) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &block, nil
}
