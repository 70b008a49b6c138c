package run

import (
	"context"
	"time"

	"tyger/internal/backend"
	"tyger/internal/metrics"
	"tyger/internal/obslog"
	"tyger/internal/store"
	"go.uber.org/zap"
)

// GetRun returns r's DB record, resolving a live status against the
// backend when the run is not yet final (spec.md §4.5 "Status
// resolution (F)").
func (s *Service) GetRun(ctx context.Context, id int64) (store.Run, error) {
	r, err := s.store.GetRun(ctx, id)
	if err != nil {
		return store.Run{}, err
	}
	if r.Final {
		return r, nil
	}

	resolved, err := s.resolveStatus(ctx, r)
	if err != nil {
		return r, nil // resolution failures degrade to the last-known DB status
	}
	if resolved != r.Status {
		r, err = s.store.UpdateRunStatus(ctx, id, resolved, "")
		if err != nil {
			return r, err
		}
		metrics.RunTransitions.WithLabelValues(string(resolved)).Inc()
	}
	return r, nil
}

// expectedContainerCount is the number of backend objects a run's
// topology is expected to produce: one main plus one sidecar per bound
// buffer (spec.md §4.5 Topology; worker set containers are not part of
// the main/sidecar count the status rule table reasons about).
func expectedContainerCount(r store.Run) int {
	return 1 + len(r.Target.Buffers)
}

// resolveStatus implements spec.md §4.5's status resolution rule table.
func (s *Service) resolveStatus(ctx context.Context, r store.Run) (store.RunStatus, error) {
	if r.Status == store.RunStatusCanceled {
		return store.RunStatusCanceled, nil
	}

	statuses, err := s.be.ListContainers(ctx, backend.LabelSelector(runIDLabel(r.ID)))
	if err != nil {
		return r.Status, err
	}

	if len(statuses) < expectedContainerCount(r) {
		return store.RunStatusPending, nil
	}

	anyWaiting := false
	anyRunning := false
	anyFailed := false
	allExited := true

	for _, cs := range statuses {
		switch cs.State {
		case backend.StateWaiting:
			anyWaiting = true
			allExited = false
		case backend.StateRunning:
			anyRunning = true
			allExited = false
		case backend.StateExited:
			if cs.ExitCode != 0 {
				anyFailed = true
			}
		}
	}

	switch {
	case anyWaiting:
		return store.RunStatusPending, nil
	case allExited && anyFailed:
		return store.RunStatusFailed, nil
	case allExited:
		return store.RunStatusSucceeded, nil
	case anyRunning && !anyFailed:
		return store.RunStatusRunning, nil
	default:
		return r.Status, nil
	}
}

// Watch long-polls the backend's event stream for r's run label,
// emitting a status value each time it changes, plus one synthetic
// emission within 1s of the call so a caller always observes at least
// one status (spec.md §4.5 "Watch").
func (s *Service) Watch(ctx context.Context, id int64) (<-chan store.RunStatus, error) {
	if _, err := s.store.GetRun(ctx, id); err != nil {
		return nil, err
	}

	events, err := s.be.MonitorEvents(ctx, backend.LabelSelector(runIDLabel(id)))
	if err != nil {
		return nil, err
	}

	out := make(chan store.RunStatus, 1)
	go func() {
		defer close(out)
		logger := obslog.GetLogger(ctx)
		last := store.RunStatus("")

		emit := func() {
			cur, err := s.GetRun(ctx, id)
			if err != nil {
				logger.Error("watch: resolving run status", zap.Int64("run", id), zap.Error(err))
				return
			}
			if cur.Status != last {
				last = cur.Status
				select {
				case out <- cur.Status:
				case <-ctx.Done():
				}
			}
		}

		initial := time.NewTimer(time.Second)
		defer initial.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-initial.C:
				emit()
			case _, ok := <-events:
				if !ok {
					return
				}
				emit()
			}
		}
	}()
	return out, nil
}
