package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	dockerpkg "github.com/dyluth/sidenode/internal/docker"
	"github.com/dyluth/sidenode/internal/logging"
	"github.com/inconshreveable/log15"
)

// Environment variables read by the sidenode-plugin entrypoint.
const (
	EnvInstanceName = "SIDENODE_INSTANCE_NAME"
	EnvPluginName   = "SIDENODE_PLUGIN_NAME"
	EnvPluginKind   = "SIDENODE_PLUGIN_KIND"
	EnvRedisURL     = "REDIS_URL"
)

// DockerLauncher runs each plugin in its own container. The image's
// entrypoint must be the sidenode-plugin runner.
type DockerLauncher struct {
	docker       *client.Client
	instanceName string
	image        string
	network      string
	redisURL     string
	runID        string
	log          log15.Logger
}

// NewDockerLauncher creates a launcher. redisURL must be reachable from inside
// the containers.
func NewDockerLauncher(cli *client.Client, instanceName, image, network, redisURL string) *DockerLauncher {
	return &DockerLauncher{
		docker:       cli,
		instanceName: instanceName,
		image:        image,
		network:      network,
		redisURL:     redisURL,
		runID:        dockerpkg.GenerateRunID(),
		log:          logging.New("docker"),
	}
}

// Launch creates and starts the container serving desc.
func (dl *DockerLauncher) Launch(ctx context.Context, desc Descriptor) (Worker, error) {
	image := desc.Image
	if image == "" {
		image = dl.image
	}
	if image == "" {
		return nil, fmt.Errorf("no image configured for plugin %s", desc.Name)
	}

	containerName := dockerpkg.PluginContainerName(dl.instanceName, desc.Name, dockerpkg.GenerateRunID())
	dl.log.Info("worker_launching", "container_name", containerName, "plugin", desc.Name, "image", image)

	containerConfig := &container.Config{
		Image: image,
		Env: []string{
			fmt.Sprintf("%s=%s", EnvInstanceName, dl.instanceName),
			fmt.Sprintf("%s=%s", EnvPluginName, desc.Name),
			fmt.Sprintf("%s=%s", EnvPluginKind, desc.kind()),
			fmt.Sprintf("%s=%s", EnvRedisURL, dl.redisURL),
		},
		Labels: dockerpkg.BuildLabels(dl.instanceName, dl.runID, desc.Name, desc.kind()),
	}

	hostConfig := &container.HostConfig{
		AutoRemove: false, // Removed explicitly once its exit has been observed
	}
	if dl.network != "" {
		hostConfig.NetworkMode = container.NetworkMode(dl.network)
	}

	resp, err := dl.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker container: %w", err)
	}

	if err := dl.docker.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		dl.docker.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start worker container: %w", err)
	}

	w := &containerWorker{
		docker: dl.docker,
		id:     resp.ID,
		name:   containerName,
		log:    dl.log.New("plugin", desc.Name, "container_id", shortID(resp.ID)),
		exited: make(chan struct{}),
	}
	go w.streamLogs()
	go w.monitor()

	dl.log.Info("worker_launched", "container_id", resp.ID, "container_name", containerName, "plugin", desc.Name)
	return w, nil
}

type containerWorker struct {
	docker *client.Client
	id     string
	name   string
	log    log15.Logger

	exited chan struct{}
	mu     sync.Mutex
	err    error
}

// streamLogs forwards the container's stdout and stderr into the node log.
func (w *containerWorker) streamLogs() {
	reader, err := w.docker.ContainerLogs(context.Background(), w.id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		w.log.Warn("worker_logs_unavailable", "error", err)
		return
	}
	defer reader.Close()

	if _, err := stdcopy.StdCopy(logging.Writer(w.log, "stdout"), logging.Writer(w.log, "stderr"), reader); err != nil {
		w.log.Debug("worker_logs_closed", "error", err)
	}
}

// monitor waits for the container to stop running.
func (w *containerWorker) monitor() {
	statusCh, errCh := w.docker.ContainerWait(context.Background(), w.id, container.WaitConditionNotRunning)

	var exitErr error
	select {
	case err := <-errCh:
		exitErr = fmt.Errorf("error waiting for container: %w", err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			exitErr = fmt.Errorf("container exited with code %d", status.StatusCode)
		}
	}

	w.mu.Lock()
	w.err = exitErr
	w.mu.Unlock()
	close(w.exited)
}

func (w *containerWorker) ID() string { return w.id }

func (w *containerWorker) Exited() <-chan struct{} { return w.exited }

func (w *containerWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stop stops and removes the container.
func (w *containerWorker) Stop(ctx context.Context) error {
	timeout := 5
	if err := w.docker.ContainerStop(ctx, w.id, container.StopOptions{Timeout: &timeout}); err != nil {
		w.log.Warn("worker_stop_failed", "error", err)
	}

	select {
	case <-w.exited:
	case <-time.After(time.Duration(timeout+1) * time.Second):
	case <-ctx.Done():
	}

	if err := w.docker.ContainerRemove(ctx, w.id, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove worker container %s: %w", w.name, err)
	}
	w.log.Info("worker_cleanup", "container_name", w.name)
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
