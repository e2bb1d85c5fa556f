// Package plugins lists the subsystems a node can load.
package plugins

import (
	"github.com/dyluth/sidenode/internal/plugin"
	"github.com/dyluth/sidenode/internal/plugins/api"
	"github.com/dyluth/sidenode/internal/plugins/blockchain"
	"github.com/dyluth/sidenode/internal/plugins/replay"
	"github.com/dyluth/sidenode/internal/plugins/storage"
	"github.com/dyluth/sidenode/internal/plugins/streamer"
)

// Registry returns the factories of every built-in subsystem, keyed by kind.
func Registry() plugin.Registry {
	return plugin.Registry{
		storage.Name:    storage.New,
		blockchain.Name: blockchain.New,
		streamer.Name:   streamer.New,
		replay.Name:     replay.New,
		api.Name:        api.New,
	}
}
