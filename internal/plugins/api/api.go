// Package api is the subsystem exposing chain queries over JSON-RPC 2.0.
//
// The RPC endpoint is served at /, with methods in the "blockchain" namespace
// (blockchain.GetLatestBlockInfo, blockchain.GetBlockInfo,
// blockchain.GetContract). GET /healthz reports whether storage answers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dyluth/sidenode/internal/config"
	"github.com/dyluth/sidenode/internal/plugin"
	"github.com/dyluth/sidenode/pkg/message"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/inconshreveable/log15"
)

// Name is the registry name of the API subsystem.
const Name = "api"

// Plugin serves the external API.
type Plugin struct {
	host     *plugin.Host
	log      log15.Logger
	server   *http.Server
	listener net.Listener
	served   chan struct{}
}

// New returns an uninitialised API subsystem.
func New() plugin.Plugin { return &Plugin{} }

// Init binds the listener and starts serving.
func (p *Plugin) Init(ctx context.Context, host *plugin.Host, raw json.RawMessage) error {
	var cfg config.NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("invalid api config: %w", err)
	}
	p.host = host
	p.log = host.Log()
	host.SetRequestTimeout(cfg.Supervisor.RequestTimeout)

	handler, err := p.handler()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.API.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.API.Addr, err)
	}
	p.listener = ln
	p.server = &http.Server{
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	p.served = make(chan struct{})

	go func() {
		defer close(p.served)
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error("api_server_failed", "error", err)
		}
	}()

	p.log.Info("api_listening", "addr", ln.Addr().String())
	return nil
}

func (p *Plugin) handler() (http.Handler, error) {
	server := rpc.NewServer()
	codec := json2.NewCodec()
	server.RegisterCodec(codec, "application/json")
	server.RegisterCodec(codec, "application/json;charset=UTF-8")
	if err := server.RegisterService(&Service{host: p.host}, ServiceName); err != nil {
		return nil, fmt.Errorf("failed to register %s service: %w", ServiceName, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", p.healthCheckHandler)
	mux.Handle("/", server)
	return mux, nil
}

// Addr returns the bound address, or "" before Init.
func (p *Plugin) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

func (p *Plugin) Handle(ctx context.Context, req *message.Message) (any, error) {
	if req.Type == message.TypeBroadcast {
		return nil, nil
	}
	return nil, plugin.ErrUnknownAction(req.Action)
}

// Stop shuts the server down, letting in-flight requests finish.
func (p *Plugin) Stop(ctx context.Context) (any, error) {
	if p.server == nil {
		return nil, nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := p.server.Shutdown(shutdownCtx)
	<-p.served
	p.server = nil
	return nil, err
}
