package run

import (
	"context"

	"go.uber.org/zap"

	"tyger/internal/backend"
	"tyger/internal/obslog"
	"tyger/internal/store"
)

// CancelRun transitions a non-terminal run to Canceled and best-effort
// kills every labeled backend container; a kill failure is logged but
// never undoes the DB transition (spec.md §4.5 "Cancellation (G)").
func (s *Service) CancelRun(ctx context.Context, id int64) (store.Run, error) {
	r, err := s.store.UpdateRunStatus(ctx, id, store.RunStatusCanceled, "Canceled by user")
	if err != nil {
		return store.Run{}, err
	}

	statuses, err := s.be.ListContainers(ctx, backend.LabelSelector(runIDLabel(id)))
	if err != nil {
		obslog.GetLogger(ctx).Warn("cancel: listing run containers", zap.Int64("run", id), zap.Error(err))
		return r, nil
	}

	for _, cs := range statuses {
		if err := s.be.KillContainer(ctx, cs.Name); err != nil {
			obslog.GetLogger(ctx).Warn("cancel: killing container", zap.Int64("run", id), zap.String("container", cs.Name), zap.Error(err))
		}
	}

	return r, nil
}
