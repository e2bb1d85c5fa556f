package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/sidenode/internal/config"
	"github.com/dyluth/sidenode/internal/plugin"
	"github.com/dyluth/sidenode/internal/plugins/api"
	"github.com/dyluth/sidenode/internal/plugins/blockchain"
	"github.com/dyluth/sidenode/internal/plugins/replay"
	"github.com/dyluth/sidenode/internal/plugins/storage"
	"github.com/dyluth/sidenode/internal/plugins/streamer"
	"github.com/dyluth/sidenode/internal/supervisor"
	"github.com/dyluth/sidenode/pkg/chain"
	"github.com/dyluth/sidenode/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// stub is a scripted subsystem.
type stub struct {
	name    string
	rec     *recorder
	initErr error
	handle  func(ctx context.Context, host *plugin.Host, req *message.Message) (any, error)
	stop    any
	host    *plugin.Host
}

func (s *stub) Init(ctx context.Context, host *plugin.Host, cfg json.RawMessage) error {
	s.host = host
	s.rec.add("init:" + s.name)
	return s.initErr
}

func (s *stub) Handle(ctx context.Context, req *message.Message) (any, error) {
	s.rec.add(s.name + ":" + req.Action)
	if s.handle != nil {
		return s.handle(ctx, s.host, req)
	}
	return nil, nil
}

func (s *stub) Stop(ctx context.Context) (any, error) {
	s.rec.add("stop:" + s.name)
	return s.stop, nil
}

func stubRegistry(rec *recorder, stubs ...*stub) plugin.Registry {
	r := plugin.Registry{}
	for _, name := range []string{storage.Name, blockchain.Name, streamer.Name, replay.Name, api.Name} {
		name := name
		r[name] = func() plugin.Plugin { return &stub{name: name, rec: rec} }
	}
	for _, s := range stubs {
		s := s
		s.rec = rec
		r[s.name] = func() plugin.Plugin { return s }
	}
	return r
}

func testConfig(t *testing.T) *config.NodeConfig {
	t.Helper()
	cfg := &config.NodeConfig{Version: "1.0", Instance: "test", ChainID: "test-chain"}
	require.NoError(t, cfg.Validate())
	cfg.Replay.PollInterval = 10 * time.Millisecond
	return cfg
}

func startController(t *testing.T, registry plugin.Registry, cfg *config.NodeConfig, path string) *Controller {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c := New(supervisor.NewLocalSpawner(registry), cfg, path)
	go c.Run(ctx)
	return c
}

func TestStart_LoadsInOrder(t *testing.T) {
	rec := &recorder{}
	c := startController(t, stubRegistry(rec), testConfig(t), "")

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, []string{
		"init:storage",
		"init:blockchain",
		"blockchain:START_BLOCK_PRODUCTION",
		"init:streamer",
		"init:api",
	}, rec.list())
}

func TestStart_StopsAtFirstFailure(t *testing.T) {
	tests := []struct {
		name    string
		broken  *stub
		wantErr any
		want    []string
	}{
		{
			name:    "storage init error",
			broken:  &stub{name: storage.Name, initErr: errors.New("redis down")},
			wantErr: &supervisor.PluginInitError{},
			want:    []string{"init:storage"},
		},
		{
			name: "block production refused",
			broken: &stub{name: blockchain.Name, handle: func(context.Context, *plugin.Host, *message.Message) (any, error) {
				return nil, errors.New("not ready")
			}},
			wantErr: &StepError{},
			want:    []string{"init:storage", "init:blockchain", "blockchain:START_BLOCK_PRODUCTION"},
		},
		{
			name:    "streamer init error",
			broken:  &stub{name: streamer.Name, initErr: errors.New("no nodes")},
			wantErr: &supervisor.PluginInitError{},
			want:    []string{"init:storage", "init:blockchain", "blockchain:START_BLOCK_PRODUCTION", "init:streamer"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			c := startController(t, stubRegistry(rec, tt.broken), testConfig(t), "")

			err := c.Start(context.Background())
			require.Error(t, err)
			switch tt.wantErr.(type) {
			case *supervisor.PluginInitError:
				var target *supervisor.PluginInitError
				assert.ErrorAs(t, err, &target)
			case *StepError:
				var target *StepError
				assert.ErrorAs(t, err, &target)
			}
			assert.Equal(t, tt.want, rec.list())

			loaded, err := c.Supervisor().IsLoaded(context.Background(), api.Name)
			require.NoError(t, err)
			assert.False(t, loaded)
		})
	}
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sidenode.yml")
	doc := "# node settings\nversion: \"1.0\"\ninstance: test\nchain_id: test-chain\nstart_block: 100\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestShutdown_PersistsStreamerPosition(t *testing.T) {
	rec := &recorder{}
	path := writeConfig(t)
	c := startController(t, stubRegistry(rec, &stub{name: streamer.Name, stop: 1234}), testConfig(t), path)

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Shutdown(ctx))

	events := rec.list()
	assert.Equal(t, []string{"stop:api", "stop:streamer", "stop:blockchain", "stop:storage"}, events[len(events)-4:])

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), cfg.LastProcessedBlock)
	assert.Equal(t, uint64(1235), cfg.NextBlock())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# node settings")
}

func TestShutdown_UsesReplayWhenNoStreamer(t *testing.T) {
	rec := &recorder{}
	path := writeConfig(t)
	c := startController(t, stubRegistry(rec,
		&stub{name: replay.Name, stop: 77, handle: func(context.Context, *plugin.Host, *message.Message) (any, error) {
			return 0, nil
		}},
	), testConfig(t), path)

	ctx := context.Background()
	require.NoError(t, c.Replay(ctx, "blocks.log"))
	require.NoError(t, c.Shutdown(ctx))

	assert.Contains(t, rec.list(), "stop:replay")
	assert.NotContains(t, rec.list(), "stop:streamer")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), cfg.LastProcessedBlock)
}

func TestShutdown_NothingLoaded(t *testing.T) {
	rec := &recorder{}
	path := writeConfig(t)
	c := startController(t, stubRegistry(rec), testConfig(t), path)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Empty(t, rec.list())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cfg.LastProcessedBlock)
}

func TestReplay_PollsUntilTarget(t *testing.T) {
	rec := &recorder{}
	var mu sync.Mutex
	head := 0

	chainStore := &stub{name: storage.Name, handle: func(ctx context.Context, host *plugin.Host, req *message.Message) (any, error) {
		if req.Action != storage.ActionGetLatestBlockInfo {
			return nil, nil
		}
		mu.Lock()
		defer mu.Unlock()
		head++ // the chain advances between polls
		return map[string]int{"blockNumber": head}, nil
	}}
	replayer := &stub{name: replay.Name, handle: func(context.Context, *plugin.Host, *message.Message) (any, error) {
		return 3, nil
	}}
	c := startController(t, stubRegistry(rec, chainStore, replayer), testConfig(t), "")

	require.NoError(t, c.Replay(context.Background(), "blocks.log"))

	events := rec.list()
	assert.Equal(t, "storage:SAVE", events[len(events)-1])
	polls := 0
	for _, e := range events {
		if e == "storage:GET_LATEST_BLOCK_INFO" {
			polls++
		}
	}
	assert.Equal(t, 3, polls)
}

func TestReplay_AbortedByFault(t *testing.T) {
	rec := &recorder{}
	chainStore := &stub{name: storage.Name, handle: func(context.Context, *plugin.Host, *message.Message) (any, error) {
		return map[string]int{"blockNumber": 0}, nil
	}}
	replayer := &stub{name: replay.Name, handle: func(ctx context.Context, host *plugin.Host, req *message.Message) (any, error) {
		require.NoError(t, host.ReportFault(ctx, errors.New("storage unreachable")))
		return 10, nil
	}}
	c := startController(t, stubRegistry(rec, chainStore, replayer), testConfig(t), "")

	err := c.Replay(context.Background(), "blocks.log")
	assert.ErrorContains(t, err, "replay aborted by replay: storage unreachable")
}

func TestReplay_AbortedWhenProductionFails(t *testing.T) {
	rec := &recorder{}
	genesis, err := chain.Genesis("2018-06-01T00:00:00")
	require.NoError(t, err)
	b1 := chain.NewBlock(genesis.Head(), "2018-06-01T00:00:03",
		[]*chain.Transaction{chain.NewTransaction(40, "t1", "alice", "tokens", "transfer", "")})
	require.NoError(t, b1.Finalize())

	var buf bytes.Buffer
	require.NoError(t, replay.WriteLog(&buf, []*chain.Block{genesis, b1}))
	path := filepath.Join(t.TempDir(), "blocks.log")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	chainStore := &stub{name: storage.Name, handle: func(context.Context, *plugin.Host, *message.Message) (any, error) {
		return genesis, nil
	}}
	producer := &stub{name: blockchain.Name, handle: func(ctx context.Context, host *plugin.Host, req *message.Message) (any, error) {
		if req.Action == blockchain.ActionProduceNewBlockSync {
			return nil, errors.New("block rejected")
		}
		return nil, nil
	}}
	registry := stubRegistry(rec, chainStore, producer)
	registry[replay.Name] = replay.New
	c := startController(t, registry, testConfig(t), "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = c.Replay(ctx, path)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorContains(t, err, "replay aborted by replay: replay stopped at block 1")
	assert.ErrorContains(t, err, "block rejected")
}

func TestFaults(t *testing.T) {
	rec := &recorder{}
	var host *plugin.Host
	s := &stub{name: streamer.Name}
	c := startController(t, stubRegistry(rec, s), testConfig(t), "")
	require.NoError(t, c.Start(context.Background()))
	host = s.host

	require.NoError(t, host.ReportFault(context.Background(), errors.New("source chain unreachable")))
	select {
	case f := <-c.Faults():
		assert.Equal(t, streamer.Name, f.Plugin)
		assert.EqualError(t, f.Err, "source chain unreachable")
	case <-time.After(2 * time.Second):
		t.Fatal("fault not surfaced")
	}
}
