package docker

import (
	"fmt"

	"github.com/google/uuid"
)

// Label keys used for sidenode containers
const (
	LabelProject      = "sidenode.project"
	LabelInstanceName = "sidenode.instance.name"
	LabelRunID        = "sidenode.instance.run_id"
	LabelComponent    = "sidenode.component"
	LabelPluginName   = "sidenode.plugin.name"
	LabelPluginKind   = "sidenode.plugin.kind"
)

// BuildLabels creates the standard label set for a plugin container.
func BuildLabels(instanceName, runID, pluginName, pluginKind string) map[string]string {
	labels := map[string]string{
		LabelProject:      "true",
		LabelInstanceName: instanceName,
		LabelRunID:        runID,
		LabelComponent:    "plugin",
		LabelPluginName:   pluginName,
	}

	if pluginKind != "" && pluginKind != pluginName {
		labels[LabelPluginKind] = pluginKind
	}

	return labels
}

// GenerateRunID creates a new UUID identifying one node run.
func GenerateRunID() string {
	return uuid.New().String()
}

// PluginContainerName returns the container name for an instance's plugin.
// The run id suffix keeps a reload from colliding with a container that is
// still being removed.
func PluginContainerName(instanceName, pluginName, runID string) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("sidenode-%s-%s-%s", instanceName, pluginName, short)
}
