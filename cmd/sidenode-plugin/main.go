// Command sidenode-plugin runs one node subsystem inside a container. It
// serves the supervisor's requests from the plugin's Redis inbox until the
// supervisor sends stop or the container is signalled.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/sidenode/internal/bus"
	"github.com/dyluth/sidenode/internal/logging"
	"github.com/dyluth/sidenode/internal/plugin"
	"github.com/dyluth/sidenode/internal/plugins"
)

func main() {
	os.Exit(run())
}

// run contains the main logic and returns an exit code, so deferred
// functions run before the process exits.
func run() int {
	log := logging.New("sidenode-plugin")
	if err := logging.Setup(logging.Config{Level: os.Getenv("SIDENODE_LOG_LEVEL"), Format: logging.FormatJSON}, os.Stderr); err != nil {
		log.Error("invalid_logging_config", "error", err)
		return 1
	}

	registry := plugins.Registry()
	cfg, err := LoadConfig(registry)
	if err != nil {
		log.Error("invalid_config", "error", err)
		return 1
	}
	log = log.New("plugin", cfg.PluginName, "instance", cfg.InstanceName)

	client, err := bus.Dial(cfg.RedisURL, cfg.InstanceName)
	if err != nil {
		log.Error("invalid_redis_url", "error", err)
		return 1
	}
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = client.Ping(pingCtx)
	cancel()
	if err != nil {
		log.Error("redis_unreachable", "url", cfg.RedisURL, "error", err)
		return 1
	}

	p, err := registry.New(cfg.PluginKind)
	if err != nil {
		log.Error("unknown_plugin", "kind", cfg.PluginKind, "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn := client.WorkerConn(cfg.PluginName, log)
	log.Info("plugin_runner_started", "kind", cfg.PluginKind)
	if err := plugin.Run(ctx, cfg.PluginName, conn, p, log); err != nil && ctx.Err() == nil {
		log.Error("plugin_runner_failed", "error", err)
		return 1
	}
	log.Info("plugin_runner_stopped")
	return 0
}
