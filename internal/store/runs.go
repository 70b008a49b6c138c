package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tyger/internal/apperr"
)

type runTargetBody struct {
	Buffers map[string]string `json:"buffers"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// CreateRun inserts a run in status Pending with resourcesCreated=false
// (spec.md §4.5 "Submission"). The id is assigned by a sequence.
func (s *Store) CreateRun(ctx context.Context, r Run) (Run, error) {
	body, err := json.Marshal(runTargetBody{Buffers: r.Target.Buffers, Tags: r.Target.Tags})
	if err != nil {
		return Run{}, apperr.New(apperr.Internal, "CreateRun", err)
	}

	r.Status = RunStatusPending
	r.ResourcesCreated = false
	r.Final = false
	r.CreatedAt = time.Now().UTC()

	row := s.conn.QueryRowContext(ctx, `
		INSERT INTO runs (kind, codespec_ref, target_body, worker_codespec_ref, worker_replicas, cluster, timeout_seconds, status, created_at, resources_created, final)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, false)
		RETURNING id
	`, r.Kind, r.Target.CodespecRef, body, nullString(r.Target.WorkerCodespecRef), r.Target.WorkerReplicas, r.Cluster, r.TimeoutSeconds, r.Status, r.CreatedAt)

	if err := row.Scan(&r.ID); err != nil {
		return Run{}, apperr.New(apperr.Internal, "CreateRun", err)
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id int64) (Run, error) {
	return scanRun(s.conn.QueryRowContext(ctx, `
		SELECT id, kind, codespec_ref, target_body, worker_codespec_ref, worker_replicas, cluster, timeout_seconds,
		       status, status_reason, created_at, running_at, terminal_at, logs_archived_at, resources_created, final
		FROM runs WHERE id = $1
	`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r                 Run
		bodyRaw           []byte
		workerCodespecRef sql.NullString
		statusReason      sql.NullString
		runningAt         sql.NullTime
		terminalAt        sql.NullTime
		logsArchivedAt    sql.NullTime
	)

	if err := row.Scan(&r.ID, &r.Kind, &r.Target.CodespecRef, &bodyRaw, &workerCodespecRef, &r.Target.WorkerReplicas,
		&r.Cluster, &r.TimeoutSeconds, &r.Status, &statusReason, &r.CreatedAt, &runningAt, &terminalAt, &logsArchivedAt,
		&r.ResourcesCreated, &r.Final); err != nil {
		return Run{}, wrapQueryErr("GetRun", err)
	}

	var body runTargetBody
	if err := json.Unmarshal(bodyRaw, &body); err != nil {
		return Run{}, apperr.New(apperr.Internal, "GetRun", err)
	}
	r.Target.Buffers = body.Buffers
	r.Target.Tags = body.Tags
	r.Target.WorkerCodespecRef = workerCodespecRef.String
	r.StatusReason = statusReason.String
	if runningAt.Valid {
		t := runningAt.Time.UTC()
		r.RunningAt = &t
	}
	if terminalAt.Valid {
		t := terminalAt.Time.UTC()
		r.TerminalAt = &t
	}
	if logsArchivedAt.Valid {
		t := logsArchivedAt.Time.UTC()
		r.LogsArchivedAt = &t
	}

	return r, nil
}

// UpdateRunStatus conditionally transitions a run's status, refusing to
// regress out of a terminal state (spec.md §5, store.CanTransition).
func (s *Store) UpdateRunStatus(ctx context.Context, id int64, newStatus RunStatus, reason string) (Run, error) {
	current, err := s.GetRun(ctx, id)
	if err != nil {
		return Run{}, err
	}
	if !CanTransition(current.Status, newStatus) {
		return current, nil
	}

	now := time.Now().UTC()
	setRunning := current.RunningAt == nil && newStatus == RunStatusRunning
	setTerminal := newStatus.IsTerminal() && current.TerminalAt == nil

	query := `UPDATE runs SET status = $1, status_reason = $2`
	args := []any{newStatus, nullString(reason)}
	if setRunning {
		query += fmt.Sprintf(", running_at = $%d", len(args)+1)
		args = append(args, now)
	}
	if setTerminal {
		query += fmt.Sprintf(", terminal_at = $%d", len(args)+1)
		args = append(args, now)
	}
	query += fmt.Sprintf(" WHERE id = $%d AND status = $%d", len(args)+1, len(args)+2)
	args = append(args, id, current.Status)

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return Run{}, apperr.New(apperr.Internal, "UpdateRunStatus", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with a concurrent terminal transition; re-read.
		return s.GetRun(ctx, id)
	}

	return s.GetRun(ctx, id)
}

// MarkResourcesCreated stamps resourcesCreated=true after backend
// object creation succeeds (spec.md §4.5).
func (s *Store) MarkResourcesCreated(ctx context.Context, id int64) error {
	_, err := s.conn.ExecContext(ctx, `UPDATE runs SET resources_created = true WHERE id = $1`, id)
	if err != nil {
		return apperr.New(apperr.Internal, "MarkResourcesCreated", err)
	}
	return nil
}

// MarkLogsArchived stamps logsArchivedAt (sweeper pass 3).
func (s *Store) MarkLogsArchived(ctx context.Context, id int64) error {
	_, err := s.conn.ExecContext(ctx, `UPDATE runs SET logs_archived_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	if err != nil {
		return apperr.New(apperr.Internal, "MarkLogsArchived", err)
	}
	return nil
}

// MarkFinal sets final=true (sweeper pass 4); only valid once the run
// is terminal (spec.md §3 invariant).
func (s *Store) MarkFinal(ctx context.Context, id int64) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE runs SET final = true
		WHERE id = $1 AND status IN ('Succeeded','Failed','Canceled')
	`, id)
	if err != nil {
		return apperr.New(apperr.Internal, "MarkFinal", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Wrap(apperr.PreconditionFailed, "MarkFinal", "run %d is not terminal", id)
	}
	return nil
}

// DeleteRun removes a run row outright (sweeper pass 1, never-scheduled
// orphans).
func (s *Store) DeleteRun(ctx context.Context, id int64) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return apperr.New(apperr.Internal, "DeleteRun", err)
	}
	return nil
}

// ListNeverScheduled returns runs with resourcesCreated=false older
// than grace (sweeper pass 1).
func (s *Store) ListNeverScheduled(ctx context.Context, grace time.Duration) ([]Run, error) {
	return s.queryRuns(ctx, `
		SELECT id, kind, codespec_ref, target_body, worker_codespec_ref, worker_replicas, cluster, timeout_seconds,
		       status, status_reason, created_at, running_at, terminal_at, logs_archived_at, resources_created, final
		FROM runs WHERE resources_created = false AND created_at <= $1
	`, time.Now().UTC().Add(-grace))
}

// ListNonTerminal returns every run not yet in a terminal status
// (sweeper pass 2 reconciliation candidates).
func (s *Store) ListNonTerminal(ctx context.Context) ([]Run, error) {
	return s.queryRuns(ctx, `
		SELECT id, kind, codespec_ref, target_body, worker_codespec_ref, worker_replicas, cluster, timeout_seconds,
		       status, status_reason, created_at, running_at, terminal_at, logs_archived_at, resources_created, final
		FROM runs WHERE status NOT IN ('Succeeded','Failed','Canceled')
	`)
}

// ListTerminalUnarchived returns terminal runs whose logs have not yet
// been archived (sweeper pass 3).
func (s *Store) ListTerminalUnarchived(ctx context.Context) ([]Run, error) {
	return s.queryRuns(ctx, `
		SELECT id, kind, codespec_ref, target_body, worker_codespec_ref, worker_replicas, cluster, timeout_seconds,
		       status, status_reason, created_at, running_at, terminal_at, logs_archived_at, resources_created, final
		FROM runs WHERE status IN ('Succeeded','Failed','Canceled') AND logs_archived_at IS NULL
	`)
}

// ListFinalizable returns terminal runs whose logs were archived at
// least settleTime ago and which are not yet final (sweeper pass 4).
func (s *Store) ListFinalizable(ctx context.Context, settleTime time.Duration) ([]Run, error) {
	return s.queryRuns(ctx, `
		SELECT id, kind, codespec_ref, target_body, worker_codespec_ref, worker_replicas, cluster, timeout_seconds,
		       status, status_reason, created_at, running_at, terminal_at, logs_archived_at, resources_created, final
		FROM runs WHERE final = false AND logs_archived_at IS NOT NULL AND logs_archived_at <= $1
	`, time.Now().UTC().Add(-settleTime))
}

// ListSecretRefreshCandidates returns every row of the run_secrets
// tracking table with its issued/expiry times, unfiltered by run status
// or expiry; internal/run's secret updater applies the 70%-of-lifetime
// check and drops rows of terminal or missing runs.
func (s *Store) ListSecretRefreshCandidates(ctx context.Context) ([]RunSecretTracking, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT run_id, buffer_name, issued_at, expires_at
		FROM run_secrets
	`)
	if err != nil {
		return nil, wrapQueryErr("ListSecretRefreshCandidates", err)
	}
	defer rows.Close()

	var out []RunSecretTracking
	for rows.Next() {
		var t RunSecretTracking
		if err := rows.Scan(&t.RunID, &t.BufferName, &t.IssuedAt, &t.ExpiresAt); err != nil {
			return nil, apperr.New(apperr.Internal, "ListSecretRefreshCandidates", err)
		}
		out = append(out, t)
	}
	return out, wrapQueryErr("ListSecretRefreshCandidates", rows.Err())
}

// RunSecretTracking is one tracked per-run, per-buffer access URL
// lifetime (internal/run.secretupdater owns the 70%-of-ttl math).
type RunSecretTracking struct {
	RunID      int64
	BufferName string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// UpsertRunSecretTracking records (or refreshes) the issued/expiry
// timestamps for one run's buffer access URL.
func (s *Store) UpsertRunSecretTracking(ctx context.Context, t RunSecretTracking) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO run_secrets (run_id, buffer_name, issued_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, buffer_name) DO UPDATE SET issued_at = EXCLUDED.issued_at, expires_at = EXCLUDED.expires_at
	`, t.RunID, t.BufferName, t.IssuedAt, t.ExpiresAt)
	if err != nil {
		return apperr.New(apperr.Internal, "UpsertRunSecretTracking", err)
	}
	return nil
}

// DeleteRunSecretTracking drops tracking rows whose run is terminal or
// missing (spec.md §4.5 "Run-secret updater").
func (s *Store) DeleteRunSecretTracking(ctx context.Context, runID int64) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM run_secrets WHERE run_id = $1`, runID)
	if err != nil {
		return apperr.New(apperr.Internal, "DeleteRunSecretTracking", err)
	}
	return nil
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]Run, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapQueryErr("queryRuns", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, wrapQueryErr("queryRuns", rows.Err())
}
