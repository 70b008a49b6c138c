package sweeper

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tyger/internal/backend"
)

func TestParseRunID(t *testing.T) {
	assert.Equal(t, int64(42), parseRunID("42"))
	assert.Equal(t, int64(0), parseRunID(""))
	assert.Equal(t, int64(7), parseRunID("7-suffix"))
}

// fakeBackend is a minimal ContainerBackend plus optional PipeBackend and
// WorkerBackend, recording which containers/run dirs/worker sets were
// removed so removeRunObjects can be exercised without a live backend.
type fakeBackend struct {
	statuses          []backend.ContainerStatus
	removedContainers []string
	cleanedRunDirs    []string
	removedWorkerSets []string
}

func (f *fakeBackend) ListContainers(ctx context.Context, labelSelector map[string]string) ([]backend.ContainerStatus, error) {
	return f.statuses, nil
}
func (f *fakeBackend) CreateContainer(ctx context.Context, spec backend.ContainerSpec) error { return nil }
func (f *fakeBackend) StartContainer(ctx context.Context, name string) error                 { return nil }
func (f *fakeBackend) KillContainer(ctx context.Context, name string) error                  { return nil }
func (f *fakeBackend) RemoveContainer(ctx context.Context, name string) error {
	f.removedContainers = append(f.removedContainers, name)
	return nil
}
func (f *fakeBackend) InspectContainer(ctx context.Context, name string) (backend.ContainerStatus, error) {
	return backend.ContainerStatus{}, nil
}
func (f *fakeBackend) GetContainerLogs(ctx context.Context, name string, opts backend.LogOptions) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeBackend) MonitorEvents(ctx context.Context, labelSelector map[string]string) (<-chan backend.Event, error) {
	return nil, nil
}
func (f *fakeBackend) GetSystemInfo(ctx context.Context) (backend.SystemInfo, error) {
	return backend.SystemInfo{}, nil
}
func (f *fakeBackend) Capabilities() backend.Capability { return backend.CapWorkers }
func (f *fakeBackend) Close() error                     { return nil }

func (f *fakeBackend) CleanupRunDir(runID string) error {
	f.cleanedRunDirs = append(f.cleanedRunDirs, runID)
	return nil
}
func (f *fakeBackend) PreparePipes(runID string, bufferNames []string) (string, string, string, error) {
	return "", "", "", nil
}
func (f *fakeBackend) WriteTombstone(runID string) error { return nil }
func (f *fakeBackend) AccessFilePath(runID, bufferName string) string {
	return runID + "/" + bufferName
}

func (f *fakeBackend) CreateWorkerSet(ctx context.Context, spec backend.WorkerSetSpec) error { return nil }
func (f *fakeBackend) RemoveWorkerSet(ctx context.Context, runID, name string) error {
	f.removedWorkerSets = append(f.removedWorkerSets, name)
	return nil
}

func TestRemoveRunObjectsDeletesContainersAndRunDirAndWorkerSet(t *testing.T) {
	fb := &fakeBackend{
		statuses: []backend.ContainerStatus{
			{Name: "tyger-run-42-main"},
			{Name: "tyger-run-42-sidecar-in"},
		},
	}
	s := &Sweeper{be: fb}

	err := s.removeRunObjects(context.Background(), 42)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"tyger-run-42-main", "tyger-run-42-sidecar-in"}, fb.removedContainers)
	assert.Equal(t, []string{"42"}, fb.cleanedRunDirs)
	assert.Equal(t, []string{"tyger-run-42-workers"}, fb.removedWorkerSets)
}
