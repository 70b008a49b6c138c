package run

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tyger/internal/apperr"
	"tyger/internal/backend"
	"tyger/internal/buffer"
	"tyger/internal/obslog"
	"tyger/internal/store"
)

const (
	secretUpdaterInterval = 5 * time.Second
	refreshFraction       = 0.7
)

// RunSecretUpdater refreshes sidecar access URLs before they expire
// (spec.md §4.5 module I).
type RunSecretUpdater struct {
	svc *Service
}

// NewRunSecretUpdater builds the updater over the same Service the
// creator/reader/updater share.
func NewRunSecretUpdater(svc *Service) *RunSecretUpdater {
	return &RunSecretUpdater{svc: svc}
}

// Run ticks every 5s until ctx is cancelled, per spec.md §4.5.
func (u *RunSecretUpdater) Run(ctx context.Context) {
	ctx = obslog.WithComponent(ctx, "run-secret-updater")
	ticker := time.NewTicker(secretUpdaterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.tick(ctx)
		}
	}
}

func (u *RunSecretUpdater) tick(ctx context.Context) {
	logger := obslog.GetLogger(ctx)

	candidates, err := u.svc.store.ListSecretRefreshCandidates(ctx)
	if err != nil {
		logger.Error("listing secret refresh candidates", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, c := range candidates {
		lifetime := c.ExpiresAt.Sub(c.IssuedAt)
		dueAt := c.IssuedAt.Add(time.Duration(float64(lifetime) * refreshFraction))
		if now.Before(dueAt) {
			continue
		}

		if err := u.refreshOne(ctx, c); err != nil {
			logger.Error("refreshing run secret", zap.Int64("run", c.RunID), zap.String("buffer", c.BufferName), zap.Error(err))
		}
	}
}

func (u *RunSecretUpdater) refreshOne(ctx context.Context, c store.RunSecretTracking) error {
	r, err := u.svc.store.GetRun(ctx, c.RunID)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return u.svc.store.DeleteRunSecretTracking(ctx, c.RunID)
		}
		return err
	}
	if r.Status.IsTerminal() {
		return u.svc.store.DeleteRunSecretTracking(ctx, c.RunID)
	}

	bufferID, ok := r.Target.Buffers[c.BufferName]
	if !ok {
		return u.svc.store.DeleteRunSecretTracking(ctx, c.RunID)
	}

	writeable, err := u.isWriteableBinding(ctx, r, c.BufferName)
	if err != nil {
		return err
	}
	access, err := u.svc.buffers.CreateBufferAccessUrls(ctx, []buffer.AccessRequest{{ID: bufferID, Writeable: writeable}}, buffer.AccessOptions{TTL: int64(u.svc.cfg.AccessURLTTL.Seconds())})
	if err != nil || len(access) != 1 || access[0].Access == nil {
		return err
	}

	issuedAt := time.Now().UTC()
	expiresAt := issuedAt.Add(u.svc.cfg.AccessURLTTL)

	if pb, ok := backend.AsPipeBackend(u.svc.be); ok {
		if err := atomicWriteFile(pb.AccessFilePath(runIDLabel(r.ID), c.BufferName), []byte(access[0].Access.URL)); err != nil {
			return err
		}
	} else if sb, ok := backend.AsSecretBackend(u.svc.be); ok {
		if err := sb.PublishRunSecret(ctx, runIDLabel(r.ID), map[string][]byte{c.BufferName: []byte(access[0].Access.URL)}); err != nil {
			return err
		}
	}

	return u.svc.store.UpsertRunSecretTracking(ctx, store.RunSecretTracking{
		RunID:      r.ID,
		BufferName: c.BufferName,
		IssuedAt:   issuedAt,
		ExpiresAt:  expiresAt,
	})
}

// isWriteableBinding re-derives a binding's read/write direction from the
// run's codespec at refresh time; the run target itself only records the
// buffer id, not the direction, so this re-resolves the codespec.
func (u *RunSecretUpdater) isWriteableBinding(ctx context.Context, r store.Run, bufferName string) (bool, error) {
	name, version, err := parseCodespecRef(r.Target.CodespecRef)
	if err != nil {
		return false, err
	}
	job, err := u.svc.store.GetCodespec(ctx, name, version)
	if err != nil {
		return false, err
	}
	for _, n := range job.OutputBuffers {
		if n == bufferName {
			return true, nil
		}
	}
	return false, nil
}
