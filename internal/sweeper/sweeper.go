// Package sweeper is the run sweeper (spec.md §4.6, module H): four
// passes on a 30s ticker reclaiming orphaned runs, reconciling terminal
// status, archiving logs and finalizing terminal runs. The ticker-driven
// multi-pass loop is grounded on the teacher's internal/monitor Manager,
// which owns several periodic reconciliation sub-loops the same way;
// unlike the teacher's manager, this one needs no etcd-backed
// cross-replica coordination, since spec.md §5 runs the control plane as
// a single multi-threaded process (see DESIGN.md).
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tyger/internal/apperr"
	"tyger/internal/backend"
	"tyger/internal/metrics"
	"tyger/internal/obslog"
	"tyger/internal/run"
	"tyger/internal/store"
)

const tickInterval = 30 * time.Second

// LogArchiver uploads a terminal run's merged log stream as a single
// gzip-framed artifact (module J), decoupled behind an interface so the
// sweeper does not need to import internal/logs' object-storage client
// directly.
type LogArchiver interface {
	ArchiveRunLogs(ctx context.Context, runID int64) error
}

// Config is the sweeper's policy knobs.
type Config struct {
	// NeverScheduledGrace bounds how long a resourcesCreated=false run is
	// kept before pass 1 reaps it.
	NeverScheduledGrace time.Duration
	// FinalizeSettleTime is how long after log archival a terminal run
	// waits before pass 4 finalizes it (spec.md §4.6 pass 4: "at least
	// 30s ago").
	FinalizeSettleTime time.Duration
}

// Sweeper runs the four reconciliation passes.
type Sweeper struct {
	store    *store.Store
	runs     *run.Service
	be       backend.ContainerBackend
	archiver LogArchiver
	cfg      Config
}

// New builds a Sweeper.
func New(st *store.Store, runs *run.Service, be backend.ContainerBackend, archiver LogArchiver, cfg Config) *Sweeper {
	if cfg.NeverScheduledGrace <= 0 {
		cfg.NeverScheduledGrace = 5 * time.Minute
	}
	if cfg.FinalizeSettleTime <= 0 {
		cfg.FinalizeSettleTime = 30 * time.Second
	}
	return &Sweeper{store: st, runs: runs, be: be, archiver: archiver, cfg: cfg}
}

// Run drives all four passes on a ticker until ctx is cancelled. Each
// pass's errors are logged and never abort the loop; the next tick
// retries (spec.md §4.6 "Any backend deletion error is logged; the next
// tick retries").
func (s *Sweeper) Run(ctx context.Context) {
	ctx = obslog.WithComponent(ctx, "sweeper")
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs all four passes once, in spec.md §4.6's order, plus the
// unconditional orphan sweep. Exported so a one-shot "sweep-once"
// operator command can drive a single pass without starting the ticker.
func (s *Sweeper) Tick(ctx context.Context) {
	s.neverScheduledPass(ctx)
	s.terminalReconciliationPass(ctx)
	s.logArchivalPass(ctx)
	s.finalizationPass(ctx)
	s.orphanSweep(ctx)
}

// neverScheduledPass deletes partially created backend objects and the
// DB row for runs whose resourcesCreated never flipped true (spec.md
// §4.6 pass 1).
func (s *Sweeper) neverScheduledPass(ctx context.Context) {
	logger := obslog.GetLogger(ctx)
	runs, err := s.store.ListNeverScheduled(ctx, s.cfg.NeverScheduledGrace)
	if err != nil {
		logger.Error("listing never-scheduled runs", zap.Error(err))
		return
	}
	for _, r := range runs {
		if err := s.removeRunObjects(ctx, r.ID); err != nil {
			logger.Error("removing never-scheduled run objects", zap.Int64("run", r.ID), zap.Error(err))
			continue
		}
		if err := s.store.DeleteRun(ctx, r.ID); err != nil {
			logger.Error("deleting never-scheduled run row", zap.Int64("run", r.ID), zap.Error(err))
		}
	}
}

// terminalReconciliationPass re-resolves status for every non-terminal
// run against the backend, flipping the DB when the backend's objects
// have already exited (spec.md §4.6 pass 2). run.Service.GetRun already
// performs this resolve-then-persist, so this pass simply re-reads every
// candidate through it.
func (s *Sweeper) terminalReconciliationPass(ctx context.Context) {
	logger := obslog.GetLogger(ctx)
	runs, err := s.store.ListNonTerminal(ctx)
	if err != nil {
		logger.Error("listing non-terminal runs", zap.Error(err))
		return
	}
	counts := map[store.RunStatus]int{}
	for _, r := range runs {
		resolved, err := s.runs.GetRun(ctx, r.ID)
		if err != nil {
			logger.Error("reconciling run status", zap.Int64("run", r.ID), zap.Error(err))
			continue
		}
		counts[resolved.Status]++
	}
	for status, n := range counts {
		metrics.ActiveRuns.WithLabelValues(string(status)).Set(float64(n))
	}
}

// logArchivalPass uploads the merged log stream for each terminal,
// unarchived run and stamps logsArchivedAt (spec.md §4.6 pass 3).
func (s *Sweeper) logArchivalPass(ctx context.Context) {
	logger := obslog.GetLogger(ctx)
	if s.archiver == nil {
		return
	}
	runs, err := s.store.ListTerminalUnarchived(ctx)
	if err != nil {
		logger.Error("listing terminal unarchived runs", zap.Error(err))
		return
	}
	for _, r := range runs {
		if err := s.archiver.ArchiveRunLogs(ctx, r.ID); err != nil {
			logger.Error("archiving run logs", zap.Int64("run", r.ID), zap.Error(err))
			continue
		}
		if err := s.store.MarkLogsArchived(ctx, r.ID); err != nil {
			logger.Error("marking logs archived", zap.Int64("run", r.ID), zap.Error(err))
		}
	}
}

// finalizationPass removes all backend objects bearing the run label and
// sets final=true for terminal runs whose logs settled (spec.md §4.6
// pass 4).
func (s *Sweeper) finalizationPass(ctx context.Context) {
	logger := obslog.GetLogger(ctx)
	runs, err := s.store.ListFinalizable(ctx, s.cfg.FinalizeSettleTime)
	if err != nil {
		logger.Error("listing finalizable runs", zap.Error(err))
		return
	}
	for _, r := range runs {
		if err := s.removeRunObjects(ctx, r.ID); err != nil {
			logger.Error("removing finalized run objects", zap.Int64("run", r.ID), zap.Error(err))
			continue
		}
		if err := s.store.MarkFinal(ctx, r.ID); err != nil {
			logger.Error("marking run final", zap.Int64("run", r.ID), zap.Error(err))
		}
	}
}

// orphanSweep deletes backend objects bearing the run label whose run
// row no longer exists, unconditionally (spec.md §4.6 "Orphaned backend
// objects whose run row does not exist are deleted unconditionally").
func (s *Sweeper) orphanSweep(ctx context.Context) {
	logger := obslog.GetLogger(ctx)
	statuses, err := s.be.ListContainers(ctx, nil)
	if err != nil {
		logger.Error("listing backend objects", zap.Error(err))
		return
	}

	seen := map[string]bool{}
	for _, cs := range statuses {
		runID, ok := cs.Labels[backend.RunLabel]
		if !ok || seen[runID] {
			continue
		}
		seen[runID] = true

		if _, err := s.store.GetRun(ctx, parseRunID(runID)); err == nil {
			continue
		} else if apperr.KindOf(err) != apperr.NotFound {
			logger.Error("checking orphan candidate", zap.String("run", runID), zap.Error(err))
			continue
		}

		if err := s.removeRunObjects(ctx, parseRunID(runID)); err != nil {
			logger.Error("removing orphaned run objects", zap.String("run", runID), zap.Error(err))
		}
	}
}

// removeRunObjects deletes every backend object labeled with runID and,
// on the single-host backend, its run-secrets directory.
func (s *Sweeper) removeRunObjects(ctx context.Context, runID int64) error {
	label := run.RunIDLabel(runID)
	statuses, err := s.be.ListContainers(ctx, backend.LabelSelector(label))
	if err != nil {
		return err
	}
	for _, cs := range statuses {
		if err := s.be.RemoveContainer(ctx, cs.Name); err != nil {
			return err
		}
	}

	if pb, ok := backend.AsPipeBackend(s.be); ok {
		if err := pb.CleanupRunDir(label); err != nil {
			return err
		}
	}
	if wb, ok := backend.AsWorkerBackend(s.be); ok {
		if err := wb.RemoveWorkerSet(ctx, label, run.WorkerSetName(runID)); err != nil && apperr.KindOf(err) != apperr.NotFound {
			return err
		}
	}
	return nil
}

func parseRunID(label string) int64 {
	var n int64
	for _, c := range label {
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
