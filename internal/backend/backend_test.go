package backend

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilityHas(t *testing.T) {
	caps := CapGPU | CapWorkers
	assert.True(t, caps.Has(CapGPU))
	assert.True(t, caps.Has(CapWorkers))
	assert.False(t, Capability(0).Has(CapGPU))
}

func TestLabelSelector(t *testing.T) {
	assert.Equal(t, map[string]string{RunLabel: "42"}, LabelSelector("42"))
}

// workerOnly implements ContainerBackend and WorkerBackend but not
// SecretBackend/PipeBackend/PodGroupBackend, exercising the capability
// type-assertion helpers the way the cluster backend composes them.
type workerOnly struct{ minimalBackend }

func (workerOnly) CreateWorkerSet(ctx context.Context, spec WorkerSetSpec) error { return nil }
func (workerOnly) RemoveWorkerSet(ctx context.Context, runID, name string) error { return nil }

type minimalBackend struct{}

func (minimalBackend) ListContainers(ctx context.Context, labelSelector map[string]string) ([]ContainerStatus, error) {
	return nil, nil
}
func (minimalBackend) CreateContainer(ctx context.Context, spec ContainerSpec) error { return nil }
func (minimalBackend) StartContainer(ctx context.Context, name string) error         { return nil }
func (minimalBackend) KillContainer(ctx context.Context, name string) error          { return nil }
func (minimalBackend) RemoveContainer(ctx context.Context, name string) error        { return nil }
func (minimalBackend) InspectContainer(ctx context.Context, name string) (ContainerStatus, error) {
	return ContainerStatus{}, nil
}
func (minimalBackend) GetContainerLogs(ctx context.Context, name string, opts LogOptions) (io.ReadCloser, error) {
	return nil, nil
}
func (minimalBackend) MonitorEvents(ctx context.Context, labelSelector map[string]string) (<-chan Event, error) {
	return nil, nil
}
func (minimalBackend) GetSystemInfo(ctx context.Context) (SystemInfo, error) { return SystemInfo{}, nil }
func (minimalBackend) Capabilities() Capability                             { return CapWorkers }
func (minimalBackend) Close() error                                         { return nil }

func TestCapabilityTypeAssertionHelpers(t *testing.T) {
	var be ContainerBackend = workerOnly{}

	wb, ok := AsWorkerBackend(be)
	assert.True(t, ok)
	assert.NotNil(t, wb)

	_, ok = AsSecretBackend(be)
	assert.False(t, ok)

	_, ok = AsPipeBackend(be)
	assert.False(t, ok)

	_, ok = AsPodGroupBackend(be)
	assert.False(t, ok)
}
