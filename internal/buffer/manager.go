// Package buffer is the semantic API over the metadata store and the
// buffer provider (spec.md §4.3): validates tag constraints, generates
// ids, resolves TTL policy, and funnels create/read/update/list/delete
// through internal/store + internal/bufferprovider.
package buffer

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"tyger/internal/apperr"
	"tyger/internal/bufferprovider"
	"tyger/internal/idgen"
	"tyger/internal/store"
)

const (
	maxTags       = 10
	maxKeyLen     = 128
	maxValueLen   = 256
)

var tagTokenRE = regexp.MustCompile(`^[A-Za-z0-9_.-]*$`)

// Config is the buffer manager's TTL policy (spec.md §4.3).
type Config struct {
	// ActiveLifetime is the default TTL for newly created/restored
	// buffers; zero means "never expires while active".
	ActiveLifetime time.Duration
	// SoftDeletedLifetime is the TTL applied on soft-delete; must be
	// non-zero.
	SoftDeletedLifetime time.Duration
	// DefaultLocation is used when a create request omits a location.
	DefaultLocation string
}

// Manager is the buffer manager (C).
type Manager struct {
	store    *store.Store
	provider bufferprovider.Provider
	cfg      Config
}

// New builds a Manager.
func New(st *store.Store, provider bufferprovider.Provider, cfg Config) (*Manager, error) {
	if cfg.SoftDeletedLifetime <= 0 {
		return nil, fmt.Errorf("buffer: softDeletedLifetime must be non-zero")
	}
	return &Manager{store: st, provider: provider, cfg: cfg}, nil
}

// ValidateTags enforces spec.md §3's tag constraints: at most 10
// entries, key 1-128 chars from [A-Za-z0-9_.-], value 0-256 chars of
// the same class.
func ValidateTags(tags map[string]string) error {
	if len(tags) > maxTags {
		return apperr.Wrap(apperr.Validation, "ValidateTags", "at most %d tags allowed, got %d", maxTags, len(tags))
	}
	for k, v := range tags {
		if len(k) < 1 || len(k) > maxKeyLen || !tagTokenRE.MatchString(k) {
			return apperr.Wrap(apperr.Validation, "ValidateTags", "invalid tag key %q", k)
		}
		if len(v) > maxValueLen || !tagTokenRE.MatchString(v) {
			return apperr.Wrap(apperr.Validation, "ValidateTags", "invalid tag value %q for key %q", v, k)
		}
	}
	return nil
}

// CreateBuffer generates a fresh buffer id, places it via the provider,
// and records it in the store with the active-TTL policy applied
// (spec.md §4.3, §8 property 3 and 5).
func (m *Manager) CreateBuffer(ctx context.Context, location string, tags map[string]string) (store.Buffer, error) {
	if err := ValidateTags(tags); err != nil {
		return store.Buffer{}, err
	}
	if location == "" {
		location = m.cfg.DefaultLocation
	}

	id, err := idgen.NewBufferID()
	if err != nil {
		return store.Buffer{}, apperr.New(apperr.Internal, "CreateBuffer", err)
	}

	placed, err := m.provider.CreateBuffer(ctx, bufferprovider.Buffer{ID: id, Location: location, CreatedAt: time.Now().UTC()})
	if err != nil {
		return store.Buffer{}, apperr.New(apperr.BackendTransient, "CreateBuffer", err)
	}

	var expiresAt *time.Time
	if m.cfg.ActiveLifetime > 0 {
		t := time.Now().UTC().Add(m.cfg.ActiveLifetime)
		expiresAt = &t
	}

	return m.store.CreateBuffer(ctx, placed.ID, location, placed.StorageAccountID, tags, expiresAt)
}

// GetBuffer returns a buffer by id.
func (m *Manager) GetBuffer(ctx context.Context, id string) (store.Buffer, error) {
	return m.store.GetBuffer(ctx, id)
}

// UpdateBufferTags replaces a buffer's tags under an ETag precondition
// (spec.md §8 property 4).
func (m *Manager) UpdateBufferTags(ctx context.Context, id, etag string, tags map[string]string) (store.Buffer, error) {
	if err := ValidateTags(tags); err != nil {
		return store.Buffer{}, err
	}
	return m.store.UpdateBufferTags(ctx, id, etag, tags)
}

// ListBuffers pages through buffers matching opts.
func (m *Manager) ListBuffers(ctx context.Context, opts store.BufferListOptions) ([]store.Buffer, error) {
	return m.store.ListBuffers(ctx, opts)
}

// SoftDelete soft-deletes a buffer. ttl overrides the configured
// SoftDeletedLifetime when smaller (spec.md §4.3).
func (m *Manager) SoftDelete(ctx context.Context, id string, ttl time.Duration) (store.Buffer, error) {
	effective := m.cfg.SoftDeletedLifetime
	if ttl > 0 && ttl < effective {
		effective = ttl
	}
	return m.store.SoftDeleteBuffer(ctx, id, time.Now().UTC().Add(effective))
}

// Restore clears a buffer's soft-delete flag and assigns a fresh active
// TTL.
func (m *Manager) Restore(ctx context.Context, id string) (store.Buffer, error) {
	var expiresAt *time.Time
	if m.cfg.ActiveLifetime > 0 {
		t := time.Now().UTC().Add(m.cfg.ActiveLifetime)
		expiresAt = &t
	}
	return m.store.RestoreBuffer(ctx, id, expiresAt)
}
