package run

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tyger/internal/backend"
	"tyger/internal/store"
)

// statusOnlyBackend is a ContainerBackend stub that returns a fixed set of
// container statuses, enough to drive resolveStatus's rule table without a
// live backend.
type statusOnlyBackend struct {
	statuses []backend.ContainerStatus
}

func (b *statusOnlyBackend) ListContainers(ctx context.Context, labelSelector map[string]string) ([]backend.ContainerStatus, error) {
	return b.statuses, nil
}
func (b *statusOnlyBackend) CreateContainer(ctx context.Context, spec backend.ContainerSpec) error {
	return nil
}
func (b *statusOnlyBackend) StartContainer(ctx context.Context, name string) error { return nil }
func (b *statusOnlyBackend) KillContainer(ctx context.Context, name string) error  { return nil }
func (b *statusOnlyBackend) RemoveContainer(ctx context.Context, name string) error {
	return nil
}
func (b *statusOnlyBackend) InspectContainer(ctx context.Context, name string) (backend.ContainerStatus, error) {
	return backend.ContainerStatus{}, nil
}
func (b *statusOnlyBackend) GetContainerLogs(ctx context.Context, name string, opts backend.LogOptions) (io.ReadCloser, error) {
	return nil, nil
}
func (b *statusOnlyBackend) MonitorEvents(ctx context.Context, labelSelector map[string]string) (<-chan backend.Event, error) {
	return nil, nil
}
func (b *statusOnlyBackend) GetSystemInfo(ctx context.Context) (backend.SystemInfo, error) {
	return backend.SystemInfo{}, nil
}
func (b *statusOnlyBackend) Capabilities() backend.Capability { return 0 }
func (b *statusOnlyBackend) Close() error                     { return nil }

func singleContainerRun() store.Run {
	return store.Run{ID: 1, Status: store.RunStatusPending, Target: store.RunTarget{Buffers: map[string]string{}}}
}

func TestResolveStatusPendingWhenContainersNotYetAllReported(t *testing.T) {
	svc := &Service{be: &statusOnlyBackend{statuses: nil}}
	status, err := svc.resolveStatus(context.Background(), singleContainerRun())
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusPending, status)
}

func TestResolveStatusRunningWhenAnyRunningAndNoneFailed(t *testing.T) {
	svc := &Service{be: &statusOnlyBackend{statuses: []backend.ContainerStatus{
		{Name: "main", State: backend.StateRunning},
	}}}
	status, err := svc.resolveStatus(context.Background(), singleContainerRun())
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusRunning, status)
}

func TestResolveStatusFailedWhenAnyExitedNonZero(t *testing.T) {
	svc := &Service{be: &statusOnlyBackend{statuses: []backend.ContainerStatus{
		{Name: "main", State: backend.StateExited, ExitCode: 1},
	}}}
	status, err := svc.resolveStatus(context.Background(), singleContainerRun())
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, status)
}

func TestResolveStatusSucceededWhenAllExitedZero(t *testing.T) {
	svc := &Service{be: &statusOnlyBackend{statuses: []backend.ContainerStatus{
		{Name: "main", State: backend.StateExited, ExitCode: 0},
	}}}
	status, err := svc.resolveStatus(context.Background(), singleContainerRun())
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusSucceeded, status)
}

func TestResolveStatusPendingWhenAnyWaiting(t *testing.T) {
	svc := &Service{be: &statusOnlyBackend{statuses: []backend.ContainerStatus{
		{Name: "main", State: backend.StateWaiting, Reason: "ImagePullBackOff"},
	}}}
	status, err := svc.resolveStatus(context.Background(), singleContainerRun())
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusPending, status)
}

func TestResolveStatusShortCircuitsOnCanceled(t *testing.T) {
	svc := &Service{be: &statusOnlyBackend{}}
	r := singleContainerRun()
	r.Status = store.RunStatusCanceled
	status, err := svc.resolveStatus(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCanceled, status)
}
