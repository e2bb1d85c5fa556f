package streamer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/sidenode/internal/config"
	"github.com/dyluth/sidenode/internal/logging"
	"github.com/dyluth/sidenode/internal/plugin"
	"github.com/dyluth/sidenode/internal/plugins/blockchain"
	"github.com/dyluth/sidenode/internal/supervisor"
	"github.com/dyluth/sidenode/pkg/message"
	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sourceBlockJSON = `{
  "previous": "0000000a",
  "timestamp": "2018-06-01T00:00:03",
  "transactions": [
    {"operations": [
      ["vote", {"voter": "alice"}],
      ["custom_json", {"id": "ssc-test", "json": "{\"contractName\":\"tokens\",\"contractAction\":\"transfer\",\"contractPayload\":{\"to\":\"bob\"}}", "required_auths": ["alice"], "required_posting_auths": []}]
    ]},
    {"operations": [
      ["custom_json", {"id": "other-app", "json": "{}", "required_auths": [], "required_posting_auths": ["carol"]}]
    ]},
    {"operations": [
      ["custom_json", {"id": "ssc-test", "json": "not json", "required_auths": [], "required_posting_auths": ["dave"]}]
    ]}
  ],
  "transaction_ids": ["tx-a", "tx-b", "tx-c"]
}`

func TestSidechainTransactions(t *testing.T) {
	var b SourceBlock
	require.NoError(t, json.Unmarshal([]byte(sourceBlockJSON), &b))

	var rejected []string
	log := log15.New()
	log.SetHandler(log15.FuncHandler(func(r *log15.Record) error {
		rejected = append(rejected, r.Msg)
		return nil
	}))

	txs := b.SidechainTransactions(11, "ssc-test", log)
	require.Len(t, txs, 2)

	assert.Equal(t, uint64(11), txs[0].RefBlockNumber)
	assert.Equal(t, "tx-a-1", txs[0].TransactionID)
	assert.Equal(t, "alice", txs[0].Sender)
	assert.Equal(t, "tokens", txs[0].Contract)
	assert.Equal(t, "transfer", txs[0].Action)
	assert.JSONEq(t, `{"to":"bob"}`, txs[0].Payload)
	assert.Equal(t, txs[0].CalculateHash(), txs[0].Hash)

	// Undecodable call data still yields a transaction; it fails validation.
	assert.Equal(t, "tx-c", txs[1].TransactionID)
	assert.Equal(t, "dave", txs[1].Sender)
	assert.False(t, txs[1].Valid())
	assert.Equal(t, []string{"custom_json_undecodable"}, rejected)
}

// rpcNode serves condenser_api.get_block with blocks keyed by number.
func rpcNode(t *testing.T, blocks map[uint64]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string   `json:"method"`
			Params []uint64 `json:"params"`
			ID     uint64   `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Method != getBlockMethod || len(req.Params) != 1 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		result := "null"
		if b, ok := blocks[req.Params[0]]; ok {
			result = b
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + jsonNumber(req.ID) + `,"result":` + result + `}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func jsonNumber(n uint64) string {
	data, _ := json.Marshal(n)
	return string(data)
}

func TestRPCSource(t *testing.T) {
	node := rpcNode(t, map[uint64]string{11: sourceBlockJSON})

	t.Run("fetches a block", func(t *testing.T) {
		src, err := NewRPCSource([]string{node.URL}, logging.Discard())
		require.NoError(t, err)
		b, err := src.GetBlock(context.Background(), 11)
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.Equal(t, "2018-06-01T00:00:03", b.Timestamp)
	})

	t.Run("future block is nil", func(t *testing.T) {
		src, err := NewRPCSource([]string{node.URL}, logging.Discard())
		require.NoError(t, err)
		b, err := src.GetBlock(context.Background(), 12)
		require.NoError(t, err)
		assert.Nil(t, b)
	})

	t.Run("fails over to the next node", func(t *testing.T) {
		broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer broken.Close()

		src, err := NewRPCSource([]string{broken.URL, node.URL}, logging.Discard())
		require.NoError(t, err)
		b, err := src.GetBlock(context.Background(), 11)
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.Equal(t, node.URL, src.node().url, "the healthy node stays current")
	})

	t.Run("all nodes failing", func(t *testing.T) {
		src, err := NewRPCSource([]string{"http://127.0.0.1:1"}, logging.Discard())
		require.NoError(t, err)
		_, err = src.GetBlock(context.Background(), 11)
		assert.Error(t, err)
	})

	t.Run("no nodes", func(t *testing.T) {
		_, err := NewRPCSource(nil, logging.Discard())
		assert.ErrorIs(t, err, ErrNoNodes)
	})
}

// memorySource serves decoded blocks from a map.
type memorySource struct {
	mu     sync.Mutex
	blocks map[uint64]*SourceBlock
}

func (s *memorySource) GetBlock(ctx context.Context, number uint64) (*SourceBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocks[number], nil
}

// recordingChain stands in for the blockchain subsystem.
type recordingChain struct {
	batches chan blockchain.ProduceArgs
}

func (c *recordingChain) Init(ctx context.Context, host *plugin.Host, cfg json.RawMessage) error {
	return nil
}

func (c *recordingChain) Handle(ctx context.Context, req *message.Message) (any, error) {
	var args blockchain.ProduceArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	c.batches <- args
	return blockchain.ProduceResult{BlockNumber: 1}, nil
}

func (c *recordingChain) Stop(ctx context.Context) (any, error) { return nil, nil }

func TestPlugin_StreamsFromResumePoint(t *testing.T) {
	var b SourceBlock
	require.NoError(t, json.Unmarshal([]byte(sourceBlockJSON), &b))
	empty := &SourceBlock{Timestamp: "2018-06-01T00:00:06"}
	src := &memorySource{blocks: map[uint64]*SourceBlock{10: &b, 11: &b, 12: empty}}

	rec := &recordingChain{batches: make(chan blockchain.ProduceArgs, 4)}
	registry := plugin.Registry{
		blockchain.Name: func() plugin.Plugin { return rec },
		Name: func() plugin.Plugin {
			return &Plugin{NewSource: func([]string, log15.Logger) (Source, error) { return src, nil }}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := supervisor.New(supervisor.NewLocalSpawner(registry))
	go sup.Run(ctx)

	cfg := config.NodeConfig{Version: "1.0", Instance: "test", ChainID: "ssc-test", StartBlock: 5, LastProcessedBlock: 10}
	require.NoError(t, cfg.Validate())
	cfg.Streamer.PollInterval = 10 * time.Millisecond

	for _, name := range []string{blockchain.Name, Name} {
		_, err := sup.LoadPlugin(ctx, supervisor.Descriptor{Name: name}, cfg)
		require.NoError(t, err)
	}

	select {
	case args := <-rec.batches:
		assert.Equal(t, "2018-06-01T00:00:03", args.Timestamp)
		assert.Equal(t, uint64(11), args.RefBlockNumber)
		require.Len(t, args.Transactions, 2)
		assert.Equal(t, uint64(11), args.Transactions[0].RefBlockNumber, "resumes after the last processed block")
	case <-time.After(2 * time.Second):
		t.Fatal("no batch produced")
	}

	require.Eventually(t, func() bool {
		resp, err := sup.Send(ctx, Name, ActionGetStatus, nil)
		if err != nil {
			return false
		}
		var st Status
		return resp.Decode(&st) == nil && st.NextBlock == 13
	}, 2*time.Second, 10*time.Millisecond, "blocks without sidechain transactions are skipped")

	resp, err := sup.UnloadPlugin(ctx, Name)
	require.NoError(t, err)
	var last uint64
	require.NoError(t, resp.Decode(&last))
	assert.Equal(t, uint64(12), last)

	select {
	case args := <-rec.batches:
		t.Fatalf("unexpected extra batch %+v", args)
	default:
	}
}
