// Package run is the run creator/reader/updater/secret-updater (spec.md
// §4.5, modules E/F/G/I) — the heart of the orchestrator. E and F share
// one package because they share the backend client and DB handle
// exactly as the teacher's runner.Runtime is consumed directly by the
// layer that both creates and later queries bots.
package run

import (
	"fmt"
	"time"

	"tyger/internal/backend"
	"tyger/internal/buffer"
	"tyger/internal/store"
)

// Config is the run creator's deployment-wide policy.
type Config struct {
	// Cluster is the cluster hint stamped on every run created by this
	// process when the request omits one.
	Cluster string
	// NeverScheduledGrace bounds how long a resourcesCreated=false run
	// is kept before the sweeper reaps it (spec.md §4.6 pass 1).
	NeverScheduledGrace time.Duration
	// AccessURLTTL is the lifetime assigned to sidecar access URLs.
	AccessURLTTL time.Duration
}

// Service wires the run creator, reader, updater and secret updater over
// one store, buffer manager and backend.
type Service struct {
	store     *store.Store
	buffers   *buffer.Manager
	be        backend.ContainerBackend
	cfg       Config
}

// New builds a Service.
func New(st *store.Store, buffers *buffer.Manager, be backend.ContainerBackend, cfg Config) *Service {
	if cfg.AccessURLTTL <= 0 {
		cfg.AccessURLTTL = 1 * time.Hour
	}
	return &Service{store: st, buffers: buffers, be: be, cfg: cfg}
}

// mainContainerName and sidecarContainerName derive the stable container
// names used both for backend object creation and for later label-scoped
// lookups (spec.md §4.5 "Main is labeled tyger-run=<id>,
// tyger-run-container-name=main").
func mainContainerName(runID int64) string {
	return fmt.Sprintf("tyger-run-%d-main", runID)
}

func sidecarContainerName(runID int64, bufferName string) string {
	return fmt.Sprintf("tyger-run-%d-sidecar-%s", runID, bufferName)
}

func runIDLabel(runID int64) string {
	return fmt.Sprintf("%d", runID)
}

// RunIDLabel exposes runIDLabel to other packages (the sweeper) that
// need to derive a run's backend label value without duplicating the
// format.
func RunIDLabel(runID int64) string {
	return runIDLabel(runID)
}

// WorkerSetName derives the stable StatefulSet/Service name for a run's
// worker set, shared between the creator (which creates it) and the
// sweeper (which must delete it without knowing the name otherwise).
func WorkerSetName(runID int64) string {
	return fmt.Sprintf("tyger-run-%d-workers", runID)
}
