package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"tyger/internal/apperr"
)

func newETag() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// CreateBuffer inserts a buffer row. id and storageAccountID are
// resolved by the caller (internal/buffer + internal/bufferprovider)
// before the store is touched. expiresAt implements spec.md §4.3's
// active-TTL policy: nil means "never expires while active".
func (s *Store) CreateBuffer(ctx context.Context, id, location string, storageAccountID int64, tags map[string]string, expiresAt *time.Time) (Buffer, error) {
	buf := Buffer{
		ID:               id,
		CreatedAt:        time.Now().UTC(),
		Location:         location,
		StorageAccountID: storageAccountID,
		Tags:             tags,
		ExpiresAt:        expiresAt,
		ETag:             newETag(),
	}

	err := s.withTx(ctx, "CreateBuffer", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO buffers (id, created_at, location, storage_account_id, expires_at, etag)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, buf.ID, buf.CreatedAt, buf.Location, buf.StorageAccountID, buf.ExpiresAt, buf.ETag)
		if err != nil {
			return err
		}
		return insertTags(ctx, tx, buf.ID, tags)
	})
	if err != nil {
		return Buffer{}, err
	}
	return buf, nil
}

func insertTags(ctx context.Context, tx *sql.Tx, bufferID string, tags map[string]string) error {
	for k, v := range tags {
		var keyID int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO tag_keys (name) VALUES ($1)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id
		`, k).Scan(&keyID)
		if err != nil {
			return fmt.Errorf("interning tag key %q: %w", k, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO buffer_tags (buffer_id, key_id, value, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (buffer_id, key_id) DO UPDATE SET value = EXCLUDED.value
		`, bufferID, keyID, v, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("tagging buffer %q: %w", bufferID, err)
		}
	}
	return nil
}

// GetBuffer returns a buffer and its tags by id.
func (s *Store) GetBuffer(ctx context.Context, id string) (Buffer, error) {
	var buf Buffer
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, created_at, location, storage_account_id, soft_deleted, soft_deleted_at, expires_at, etag
		FROM buffers WHERE id = $1
	`, id)
	if err := row.Scan(&buf.ID, &buf.CreatedAt, &buf.Location, &buf.StorageAccountID, &buf.SoftDeleted, &buf.SoftDeletedAt, &buf.ExpiresAt, &buf.ETag); err != nil {
		return Buffer{}, wrapQueryErr("GetBuffer", err)
	}

	tags, err := s.getTags(ctx, id)
	if err != nil {
		return Buffer{}, err
	}
	buf.Tags = tags
	return buf, nil
}

func (s *Store) getTags(ctx context.Context, bufferID string) (map[string]string, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT tk.name, bt.value
		FROM buffer_tags bt JOIN tag_keys tk ON tk.id = bt.key_id
		WHERE bt.buffer_id = $1
	`, bufferID)
	if err != nil {
		return nil, wrapQueryErr("getTags", err)
	}
	defer rows.Close()

	tags := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, apperr.New(apperr.Internal, "getTags", err)
		}
		tags[k] = v
	}
	return tags, wrapQueryErr("getTags", rows.Err())
}

// UpdateBufferTags replaces a buffer's tag set under an ETag
// precondition, implementing spec.md §8 property 4 ("tag round-trip")
// and §5 ("Buffer mutations use ETag-precondition updates").
func (s *Store) UpdateBufferTags(ctx context.Context, id, expectedETag string, tags map[string]string) (Buffer, error) {
	newTag := newETag()
	var updated bool

	err := s.withTx(ctx, "UpdateBufferTags", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE buffers SET etag = $1 WHERE id = $2 AND etag = $3 AND soft_deleted = false
		`, newTag, id, expectedETag)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		updated = rows == 1
		if !updated {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM buffer_tags WHERE buffer_id = $1`, id); err != nil {
			return err
		}
		return insertTags(ctx, tx, id, tags)
	})
	if err != nil {
		return Buffer{}, err
	}
	if !updated {
		return Buffer{}, apperr.Wrap(apperr.PreconditionFailed, "UpdateBufferTags", "buffer %q etag mismatch or not found", id)
	}

	return s.GetBuffer(ctx, id)
}

// ListBuffers pages through buffers by (createdAt,id) keyset
// continuation, filtered by soft-delete state and tags (spec.md §4.1).
func (s *Store) ListBuffers(ctx context.Context, opts BufferListOptions) ([]Buffer, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, created_at, location, storage_account_id, soft_deleted, soft_deleted_at, expires_at, etag
		FROM buffers
		WHERE soft_deleted = $1
	`
	args := []any{opts.SoftDeleted}

	if !opts.ContinuationCreatedAt.IsZero() {
		query += fmt.Sprintf(" AND (created_at, id) > ($%d, $%d)", len(args)+1, len(args)+2)
		args = append(args, opts.ContinuationCreatedAt, opts.ContinuationID)
	}

	for k, v := range opts.Filter.Include {
		query += fmt.Sprintf(` AND id IN (SELECT bt.buffer_id FROM buffer_tags bt JOIN tag_keys tk ON tk.id = bt.key_id WHERE tk.name = $%d AND bt.value = $%d)`, len(args)+1, len(args)+2)
		args = append(args, k, v)
	}
	for k, v := range opts.Filter.Exclude {
		query += fmt.Sprintf(` AND id NOT IN (SELECT bt.buffer_id FROM buffer_tags bt JOIN tag_keys tk ON tk.id = bt.key_id WHERE tk.name = $%d AND bt.value = $%d)`, len(args)+1, len(args)+2)
		args = append(args, k, v)
	}

	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapQueryErr("ListBuffers", err)
	}
	defer rows.Close()

	var bufs []Buffer
	for rows.Next() {
		var b Buffer
		if err := rows.Scan(&b.ID, &b.CreatedAt, &b.Location, &b.StorageAccountID, &b.SoftDeleted, &b.SoftDeletedAt, &b.ExpiresAt, &b.ETag); err != nil {
			return nil, apperr.New(apperr.Internal, "ListBuffers", err)
		}
		bufs = append(bufs, b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapQueryErr("ListBuffers", err)
	}

	for i := range bufs {
		tags, err := s.getTags(ctx, bufs[i].ID)
		if err != nil {
			return nil, err
		}
		bufs[i].Tags = tags
	}

	return bufs, nil
}

// SoftDeleteBuffer flips a buffer to soft-deleted with a fresh
// soft-delete expiresAt, bounded by softDeletedLifetime unless the
// caller supplies a smaller ttl (spec.md §4.3).
func (s *Store) SoftDeleteBuffer(ctx context.Context, id string, expiresAt time.Time) (Buffer, error) {
	now := time.Now().UTC()
	res, err := s.conn.ExecContext(ctx, `
		UPDATE buffers SET soft_deleted = true, soft_deleted_at = $1, expires_at = $2, etag = $3
		WHERE id = $4 AND soft_deleted = false
	`, now, expiresAt, newETag(), id)
	if err != nil {
		return Buffer{}, apperr.New(apperr.Internal, "SoftDeleteBuffer", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Buffer{}, apperr.Wrap(apperr.NotFound, "SoftDeleteBuffer", "buffer %q not found or already soft-deleted", id)
	}
	return s.GetBuffer(ctx, id)
}

// RestoreBuffer clears the soft-delete flag and assigns a fresh active
// TTL (spec.md §3 "restoring clears the soft-delete flag and assigns a
// fresh active TTL").
func (s *Store) RestoreBuffer(ctx context.Context, id string, activeExpiresAt *time.Time) (Buffer, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE buffers SET soft_deleted = false, soft_deleted_at = NULL, expires_at = $1, etag = $2
		WHERE id = $3 AND soft_deleted = true
	`, activeExpiresAt, newETag(), id)
	if err != nil {
		return Buffer{}, apperr.New(apperr.Internal, "RestoreBuffer", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Buffer{}, apperr.Wrap(apperr.NotFound, "RestoreBuffer", "buffer %q not found or not soft-deleted", id)
	}
	return s.GetBuffer(ctx, id)
}

// SoftDeleteExpiredBuffers atomically flips active, unexpired→expired
// buffers to soft-deleted (spec.md §4.4 "soft-delete" pass). softTTL is
// the configured softDeletedLifetime.
func (s *Store) SoftDeleteExpiredBuffers(ctx context.Context, softTTL time.Duration) (int64, error) {
	now := time.Now().UTC()
	res, err := s.conn.ExecContext(ctx, `
		UPDATE buffers
		SET soft_deleted = true, soft_deleted_at = $1, expires_at = $2, etag = md5(random()::text)
		WHERE soft_deleted = false AND expires_at IS NOT NULL AND expires_at <= $1
	`, now, now.Add(softTTL))
	if err != nil {
		return 0, apperr.New(apperr.Internal, "SoftDeleteExpiredBuffers", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListHardDeleteCandidates pages through soft-deleted, expired buffer
// ids in batches (spec.md §4.4 "hard-delete").
func (s *Store) ListHardDeleteCandidates(ctx context.Context, batchSize int) ([]string, error) {
	if batchSize <= 0 || batchSize > 1000 {
		batchSize = 1000
	}
	var ids []string
	err := s.conn.SelectContext(ctx, &ids, `
		SELECT id FROM buffers WHERE soft_deleted = true AND expires_at <= now() LIMIT $1
	`, batchSize)
	if err != nil {
		return nil, wrapQueryErr("ListHardDeleteCandidates", err)
	}
	return ids, nil
}

// HardDeleteBuffers permanently removes buffer rows (and their tags, by
// FK cascade) after the provider has already removed their backing
// containers.
func (s *Store) HardDeleteBuffers(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.conn.ExecContext(ctx, `DELETE FROM buffers WHERE id = ANY($1)`, pqStringArray(ids))
	if err != nil {
		return apperr.New(apperr.Internal, "HardDeleteBuffers", err)
	}
	return nil
}

// CreateStorageAccount registers a storage account, assigning a stable
// id on first registration keyed by name (spec.md §3).
func (s *Store) CreateStorageAccount(ctx context.Context, name, location, endpoint string) (StorageAccount, error) {
	var acct StorageAccount
	row := s.conn.QueryRowContext(ctx, `
		INSERT INTO storage_accounts (name, location, endpoint)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET location = EXCLUDED.location, endpoint = EXCLUDED.endpoint
		RETURNING id, name, location, endpoint
	`, name, location, endpoint)
	if err := row.Scan(&acct.ID, &acct.Name, &acct.Location, &acct.Endpoint); err != nil {
		return StorageAccount{}, apperr.New(apperr.Internal, "CreateStorageAccount", err)
	}
	return acct, nil
}

// ListStorageAccounts returns every registered storage account.
func (s *Store) ListStorageAccounts(ctx context.Context) ([]StorageAccount, error) {
	var accts []StorageAccount
	err := s.conn.SelectContext(ctx, &accts, `SELECT id, name, location, endpoint FROM storage_accounts ORDER BY id`)
	if err != nil {
		return nil, wrapQueryErr("ListStorageAccounts", err)
	}
	return accts, nil
}
