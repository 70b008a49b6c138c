// Package migrations implements the online migration protocol of
// spec.md §4.1: a linearly numbered catalog of migrator units, each
// gated (unless offline) on every live replica having caught up to the
// previous version, recorded through a started/complete/failed ledger
// so a failed suffix can resume from the last completed version.
//
// The embedded-SQL-per-version idiom is grounded on the teacher pack's
// migrations.Apply (r3e-network-service_layer/system/platform/migrations);
// this package extends it with the Go-level started/complete/failed
// bookkeeping and replica-readiness gating that a plain "exec every file
// in order" runner doesn't have.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"tyger/internal/db"
	"tyger/internal/obslog"
)

//go:embed sql/*.sql
var files embed.FS

// Migration is one versioned unit of schema change. Version is assigned
// by lexical position of its embedded file name, 0001-based.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Catalog returns every known migration in ascending version order,
// parsed from the embedded sql/ directory.
func Catalog() ([]Migration, error) {
	entries, err := files.ReadDir("sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: reading embedded catalog: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	catalog := make([]Migration, 0, len(names))
	for i, name := range names {
		body, err := files.ReadFile("sql/" + name)
		if err != nil {
			return nil, fmt.Errorf("migrations: reading %s: %w", name, err)
		}
		catalog = append(catalog, Migration{
			Version:     i + 1,
			Description: name,
			SQL:         string(body),
		})
	}
	return catalog, nil
}

// ReplicaPoller reports the in-use schema version of every ready
// replica, per spec.md §4.1 step 1 ("poll live replicas via an endpoint
// that returns each replica's in-use schema version").
type ReplicaPoller interface {
	ReplicaVersions(ctx context.Context) ([]int, error)
}

// Runner applies the migration catalog against a database connection.
type Runner struct {
	conn    *sql.DB
	poller  ReplicaPoller
	grantFn func(ctx context.Context, tx *sql.Tx) error
}

// NewRunner builds a Runner. poller may be nil when offline migration is
// always used (e.g. in a single-process test harness); grantFn re-grants
// role privileges after each migration step and may be nil if the
// deployment has no role-separation to maintain.
func NewRunner(conn *sql.DB, poller ReplicaPoller, grantFn func(ctx context.Context, tx *sql.Tx) error) *Runner {
	return &Runner{conn: conn, poller: poller, grantFn: grantFn}
}

const bootstrapTableSQL = `
CREATE TABLE IF NOT EXISTS migrations (
    version   int NOT NULL,
    state     text NOT NULL,
    timestamp timestamptz NOT NULL,
    PRIMARY KEY (version, state)
)`

// CurrentVersion returns the max version with state=complete, or 0 if
// none (spec.md §3 "Migration record").
func (r *Runner) CurrentVersion(ctx context.Context) (int, error) {
	if _, err := r.conn.ExecContext(ctx, bootstrapTableSQL); err != nil {
		return 0, fmt.Errorf("migrations: bootstrapping ledger table: %w", err)
	}

	var version sql.NullInt64
	err := r.conn.QueryRowContext(ctx, `SELECT MAX(version) FROM migrations WHERE state = 'complete'`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("migrations: reading current version: %w", err)
	}
	return int(version.Int64), nil
}

// Apply computes the unapplied suffix up to target (or the full
// catalog, if target <= 0, i.e. "latest") and executes each migration
// in order. offline=false gates each step on replica readiness.
// Failures abort the suffix; a later call resumes from the last
// completed version.
func (r *Runner) Apply(ctx context.Context, target int, offline bool) error {
	logger := obslog.GetLogger(ctx)

	current, err := r.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	catalog, err := Catalog()
	if err != nil {
		return err
	}
	if target <= 0 || target > len(catalog) {
		target = len(catalog)
	}

	for _, m := range catalog {
		if m.Version <= current || m.Version > target {
			continue
		}

		if !offline {
			if err := r.waitForReplicas(ctx, m.Version-1); err != nil {
				return fmt.Errorf("migrations: waiting for replicas before version %d: %w", m.Version, err)
			}
		}

		if err := r.insertState(ctx, m.Version, "started"); err != nil {
			return err
		}

		execErr := db.WithTx(ctx, r.conn, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return err
			}
			if r.grantFn != nil {
				if err := r.grantFn(ctx, tx); err != nil {
					return fmt.Errorf("re-granting role privileges: %w", err)
				}
			}
			return nil
		})

		if execErr != nil {
			_ = r.insertState(ctx, m.Version, "failed")
			logger.Error("migration failed", zap.Int("version", m.Version), zap.Error(execErr))
			return fmt.Errorf("migrations: applying version %d: %w", m.Version, execErr)
		}

		if err := r.insertState(ctx, m.Version, "complete"); err != nil {
			return err
		}
		logger.Info("migration applied", zap.Int("version", m.Version), zap.String("description", m.Description))
	}

	return nil
}

func (r *Runner) insertState(ctx context.Context, version int, state string) error {
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO migrations (version, state, timestamp) VALUES ($1, $2, $3)
	`, version, state, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("migrations: recording version %d state %s: %w", version, state, err)
	}
	return nil
}

// waitForReplicas polls r.poller until every ready replica reports at
// least minVersion, per spec.md §4.1 / §5 ("migration N+1 cannot begin
// until every known replica reports in-use version >= N").
func (r *Runner) waitForReplicas(ctx context.Context, minVersion int) error {
	if r.poller == nil {
		return nil
	}

	check := func() error {
		versions, err := r.poller.ReplicaVersions(ctx)
		if err != nil {
			return err
		}
		for _, v := range versions {
			if v < minVersion {
				return fmt.Errorf("replica reports version %d, want >= %d", v, minVersion)
			}
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 5 * time.Minute
	return backoff.Retry(check, backoff.WithContext(bo, ctx))
}

// VersionCache caches the current completed schema version with a
// background refresh loop (spec.md §4.1: "Each server process caches
// the current completed version with a refresh loop; if the cached
// version exceeds the highest version the process was compiled to
// understand, it logs a warning and continues at the highest known
// version").
type VersionCache struct {
	runner       *Runner
	maxKnown     int
	current      atomicInt
}

// NewVersionCache builds a cache that never reports above maxKnown,
// the highest version this build's catalog understands.
func NewVersionCache(runner *Runner, maxKnown int) *VersionCache {
	return &VersionCache{runner: runner, maxKnown: maxKnown}
}

// Current returns the last-refreshed version, clamped to maxKnown.
func (c *VersionCache) Current() int {
	v := c.current.load()
	if v > c.maxKnown {
		return c.maxKnown
	}
	return v
}

// Run refreshes the cache every interval until ctx is cancelled.
func (c *VersionCache) Run(ctx context.Context, interval time.Duration) {
	logger := obslog.GetLogger(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	refresh := func() {
		v, err := c.runner.CurrentVersion(ctx)
		if err != nil {
			logger.Error("refreshing cached schema version", zap.Error(err))
			return
		}
		if v > c.maxKnown {
			logger.Warn("database schema version exceeds what this build understands",
				zap.Int("database_version", v), zap.Int("max_known_version", c.maxKnown))
		}
		c.current.store(v)
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
