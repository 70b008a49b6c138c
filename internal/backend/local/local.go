// Package local is the single-host backend of spec.md §4.5: one process
// driving the Docker engine directly, no scheduler. It is grounded on the
// teacher's internal/docker/runner.go (client.NewClientWithOpts,
// ContainerCreate/Start/Stop/Remove, label-filtered ContainerList,
// ContainerInspect/State mapping), generalized from one-container-per-bot
// to arbitrary named containers bearing the run labels of
// tyger/internal/backend. It additionally owns the run-secrets
// filesystem layout (named pipes, access files, tombstone) spec.md §4.5
// and §6 assign to the single-host backend.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"tyger/internal/apperr"
	"tyger/internal/backend"
)

// Config configures the local backend's Docker client and its
// run-secrets filesystem root.
type Config struct {
	Host           string
	APIVersion     string
	RunSecretsPath string // runSecretsPath of spec.md §4.5/§6
}

// Backend implements backend.ContainerBackend against a local Docker
// engine. It deliberately does not implement backend.WorkerBackend or
// backend.SecretBackend: worker sets and secret-mounted access URLs are
// cluster-only features (spec.md §4.5), so admission rejects them via
// Capabilities() and the optional-interface type assertions simply fail.
type Backend struct {
	client *client.Client
	cfg    Config
}

var (
	_ backend.ContainerBackend = (*Backend)(nil)
	_ backend.PipeBackend      = (*Backend)(nil)
)

// New builds a local Backend connected to the configured Docker host.
func New(cfg Config) (*Backend, error) {
	opts := []client.Opt{client.WithHost(cfg.Host), client.WithAPIVersionNegotiation()}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, apperr.New(apperr.Internal, "local.New", err)
	}
	if cfg.RunSecretsPath == "" {
		return nil, apperr.Wrap(apperr.Internal, "local.New", "runSecretsPath must be set")
	}
	if err := os.MkdirAll(cfg.RunSecretsPath, 0o755); err != nil {
		return nil, apperr.New(apperr.Internal, "local.New", err)
	}
	return &Backend{client: cli, cfg: cfg}, nil
}

// Capabilities reports the single-host backend supports neither GPU
// scheduling nor worker sets (spec.md §4.5 admission checks).
func (b *Backend) Capabilities() backend.Capability { return 0 }

func (b *Backend) Close() error { return b.client.Close() }

func (b *Backend) ListContainers(ctx context.Context, labelSelector map[string]string) ([]backend.ContainerStatus, error) {
	args := filters.NewArgs()
	for k, v := range labelSelector {
		args.Add("label", k+"="+v)
	}
	list, err := b.client.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, wrapDockerErr("ListContainers", err)
	}
	out := make([]backend.ContainerStatus, 0, len(list))
	for _, c := range list {
		name := c.ID
		if len(c.Names) > 0 {
			name = trimSlash(c.Names[0])
		}
		status := backend.ContainerStatus{
			Name:   name,
			Labels: c.Labels,
			State:  mapState(c.State),
		}
		// The list entry carries no exit code; inspect exited containers
		// so status resolution can tell a failure from a success.
		if status.State == backend.StateExited {
			if inspect, ierr := b.client.ContainerInspect(ctx, c.ID); ierr == nil && inspect.ContainerJSONBase != nil && inspect.State != nil {
				status.ExitCode = inspect.State.ExitCode
			}
		}
		out = append(out, status)
	}
	return out, nil
}

func (b *Backend) CreateContainer(ctx context.Context, spec backend.ContainerSpec) error {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}

	containerConfig := &dockercontainer.Config{
		Image:  spec.Image,
		Cmd:    append(append([]string{}, spec.Command...), spec.Args...),
		Env:    env,
		Labels: spec.Labels,
	}
	hostConfig := &dockercontainer.HostConfig{
		Mounts:     mounts,
		Privileged: spec.Privileged,
	}
	if spec.Resources.Memory != "" {
		if n, err := parseBytes(spec.Resources.Memory); err == nil {
			hostConfig.Resources.Memory = n
		}
	}

	if _, err := b.client.ImageInspect(ctx, spec.Image); err != nil {
		out, pullErr := b.client.ImagePull(ctx, spec.Image, image.PullOptions{})
		if pullErr != nil {
			return wrapDockerErr("CreateContainer", pullErr)
		}
		_, _ = io.Copy(io.Discard, out)
		_ = out.Close()
	}

	_, err := b.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return wrapDockerErr("CreateContainer", err)
	}
	return nil
}

func (b *Backend) StartContainer(ctx context.Context, name string) error {
	if err := b.client.ContainerStart(ctx, name, dockercontainer.StartOptions{}); err != nil {
		return wrapDockerErr("StartContainer", err)
	}
	return nil
}

func (b *Backend) KillContainer(ctx context.Context, name string) error {
	if err := b.client.ContainerKill(ctx, name, "SIGKILL"); err != nil {
		return wrapDockerErr("KillContainer", err)
	}
	return nil
}

func (b *Backend) RemoveContainer(ctx context.Context, name string) error {
	err := b.client.ContainerRemove(ctx, name, dockercontainer.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return wrapDockerErr("RemoveContainer", err)
	}
	return nil
}

func (b *Backend) InspectContainer(ctx context.Context, name string) (backend.ContainerStatus, error) {
	inspect, err := b.client.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return backend.ContainerStatus{}, apperr.New(apperr.NotFound, "InspectContainer", err)
		}
		return backend.ContainerStatus{}, wrapDockerErr("InspectContainer", err)
	}
	status := backend.ContainerStatus{
		Name:   trimSlash(inspect.Name),
		Labels: inspect.Config.Labels,
		State:  mapState(inspect.State.Status),
	}
	if inspect.State != nil {
		status.ExitCode = inspect.State.ExitCode
		if inspect.State.Status == "created" || inspect.State.Status == "restarting" {
			status.Reason = inspect.State.Status
		}
	}
	return status, nil
}

func (b *Backend) GetContainerLogs(ctx context.Context, name string, opts backend.LogOptions) (io.ReadCloser, error) {
	dopts := dockercontainer.LogsOptions{
		ShowStdout: opts.Stdout,
		ShowStderr: opts.Stderr,
		Follow:     opts.Follow,
		Timestamps: opts.Timestamps,
	}
	if opts.Tail > 0 {
		dopts.Tail = fmt.Sprintf("%d", opts.Tail)
	}
	if opts.Since > 0 {
		dopts.Since = time.Unix(opts.Since, 0).Format(time.RFC3339Nano)
	}
	rc, err := b.client.ContainerLogs(ctx, name, dopts)
	if err != nil {
		return nil, wrapDockerErr("GetContainerLogs", err)
	}
	return rc, nil
}

// MonitorEvents adapts the Docker engine's event stream to
// backend.Event, filtered to container lifecycle events carrying every
// requested label (spec.md §6 monitorEvents).
func (b *Backend) MonitorEvents(ctx context.Context, labelSelector map[string]string) (<-chan backend.Event, error) {
	args := filters.NewArgs()
	args.Add("type", "container")
	for k, v := range labelSelector {
		args.Add("label", k+"="+v)
	}
	msgs, errs := b.client.Events(ctx, events.ListOptions{Filters: args})

	out := make(chan backend.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				if err != nil && err != io.EOF {
					return
				}
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				out <- backend.Event{
					Type:          mapEventType(string(msg.Action)),
					ContainerName: msg.Actor.Attributes["name"],
					Labels:        msg.Actor.Attributes,
				}
			}
		}
	}()
	return out, nil
}

func (b *Backend) GetSystemInfo(ctx context.Context) (backend.SystemInfo, error) {
	return backend.SystemInfo{
		HasImage: func(img string) bool {
			_, err := b.client.ImageInspect(ctx, img)
			return err == nil
		},
	}, nil
}

func mapEventType(action string) backend.EventType {
	switch action {
	case "create":
		return backend.EventAdded
	case "destroy", "die", "kill":
		return backend.EventDeleted
	default:
		return backend.EventModified
	}
}

func mapState(dockerState string) backend.ContainerState {
	switch dockerState {
	case "running":
		return backend.StateRunning
	case "exited", "dead":
		return backend.StateExited
	default:
		return backend.StateWaiting
	}
}

func trimSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}

func wrapDockerErr(op string, err error) error {
	if client.IsErrNotFound(err) {
		return apperr.New(apperr.NotFound, op, err)
	}
	return apperr.New(apperr.BackendTransient, op, err)
}

func parseBytes(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// --- Run-secrets filesystem layout (spec.md §4.5, §6) ---

// RunDir returns runSecretsPath/<runId>.
func (b *Backend) RunDir(runID string) string {
	return filepath.Join(b.cfg.RunSecretsPath, runID)
}

// PreparePipes creates the pipes/access-files/tombstone subdirectories for
// a run and a named pipe for each buffer name (the stdlib has no FIFO
// primitive; the pipes are created by this package's mkfifo helper in
// fifo_unix.go). Mode 0o777 per
// spec.md §5 "Named pipes are created with 0o777".
func (b *Backend) PreparePipes(runID string, bufferNames []string) (pipesDir, accessDir, tombstoneDir string, err error) {
	base := b.RunDir(runID)
	pipesDir = filepath.Join(base, "pipes")
	accessDir = filepath.Join(base, "access-files")
	tombstoneDir = filepath.Join(base, "tombstone")
	for _, dir := range []string{pipesDir, accessDir, tombstoneDir} {
		if err = os.MkdirAll(dir, 0o777); err != nil {
			return "", "", "", apperr.New(apperr.Internal, "PreparePipes", err)
		}
	}
	for _, name := range bufferNames {
		if err = mkfifo(filepath.Join(pipesDir, name)); err != nil {
			return "", "", "", apperr.New(apperr.Internal, "PreparePipes", err)
		}
	}
	return pipesDir, accessDir, tombstoneDir, nil
}

// WriteTombstone atomically writes the tombstone file signaling sidecars
// to flush and terminate (spec.md §4.5, testable property 7).
func (b *Backend) WriteTombstone(runID string) error {
	tmp := filepath.Join(b.RunDir(runID), "tombstone", ".tombstone.tmp")
	final := filepath.Join(b.RunDir(runID), "tombstone", "tombstone")
	if err := os.WriteFile(tmp, []byte{}, 0o644); err != nil {
		return apperr.New(apperr.Internal, "WriteTombstone", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return apperr.New(apperr.Internal, "WriteTombstone", err)
	}
	return nil
}

// AccessFilePath returns runSecretsPath/<runId>/access-files/<bufferName>.
func (b *Backend) AccessFilePath(runID, bufferName string) string {
	return filepath.Join(b.RunDir(runID), "access-files", bufferName)
}

// CleanupRunDir removes a run's entire run-secrets directory; the
// sweeper's finalization pass (H) calls this once a run is final.
func (b *Backend) CleanupRunDir(runID string) error {
	if err := os.RemoveAll(b.RunDir(runID)); err != nil {
		return apperr.New(apperr.Internal, "CleanupRunDir", err)
	}
	return nil
}
