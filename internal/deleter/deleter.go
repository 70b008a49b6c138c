// Package deleter is the background buffer deleter (spec.md §4.4):
// every 30s, concurrently hard-deletes soft-deleted+expired buffers in
// batches and soft-deletes active buffers past their active TTL. The
// ticker-driven background-loop idiom is grounded on the teacher's
// internal/monitor polling loops, adapted to a single-process, two-pass
// buffer sweep.
package deleter

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tyger/internal/bufferprovider"
	"tyger/internal/obslog"
	"tyger/internal/store"
)

const (
	tickInterval   = 30 * time.Second
	hardDeleteBatch = 1000
	batchPause      = time.Second
)

// Deleter runs the buffer deleter's two passes.
type Deleter struct {
	store    *store.Store
	provider bufferprovider.Provider
	softTTL  time.Duration
}

// New builds a Deleter. softTTL is the configured softDeletedLifetime
// used by the soft-delete pass.
func New(st *store.Store, provider bufferprovider.Provider, softTTL time.Duration) *Deleter {
	return &Deleter{store: st, provider: provider, softTTL: softTTL}
}

// Run drives both passes, concurrently, on a ticker until ctx is
// cancelled. Errors are logged and never surfaced; the loop self-heals
// on the next tick (spec.md §4.4 "every 30s and concurrently").
func (d *Deleter) Run(ctx context.Context) {
	ctx = obslog.WithComponent(ctx, "deleter")
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { d.runHardDeletePass(gctx); return nil })
			g.Go(func() error { d.runSoftDeletePass(gctx); return nil })
			_ = g.Wait()
		}
	}
}

func (d *Deleter) runHardDeletePass(ctx context.Context) {
	logger := obslog.GetLogger(ctx)
	for {
		ids, err := d.store.ListHardDeleteCandidates(ctx, hardDeleteBatch)
		if err != nil {
			logger.Error("listing hard-delete candidates", zap.Error(err))
			return
		}
		if len(ids) == 0 {
			return
		}

		removed, err := d.provider.DeleteBuffers(ctx, ids)
		if err != nil {
			logger.Error("deleting buffers from provider", zap.Error(err))
			return
		}

		if err := d.store.HardDeleteBuffers(ctx, removed); err != nil {
			logger.Error("deleting buffer rows", zap.Error(err))
			return
		}

		logger.Info("hard-deleted buffers", zap.Int("count", len(removed)))

		if len(ids) < hardDeleteBatch {
			return
		}
		time.Sleep(batchPause)
	}
}

func (d *Deleter) runSoftDeletePass(ctx context.Context) {
	logger := obslog.GetLogger(ctx)
	n, err := d.store.SoftDeleteExpiredBuffers(ctx, d.softTTL)
	if err != nil {
		logger.Error("soft-deleting expired buffers", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("soft-deleted expired buffers", zap.Int64("count", n))
	}
}
