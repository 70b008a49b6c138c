// Package bufferprovider defines the storage-backing abstraction for
// buffers (spec.md §4.2): a common interface over a cloud (object
// storage) variant and a local (single-host data-plane) variant. The
// buffer manager (internal/buffer) is the only caller; it never talks to
// object storage or the local data plane directly.
package bufferprovider

import (
	"context"
	"time"
)

// Buffer is the provider-level view of a buffer: just enough to place
// and locate its backing container. Tags, soft-delete state, and ETags
// live in the metadata store (internal/store), not here.
type Buffer struct {
	ID                string
	Location          string
	StorageAccountID  int64
	CreatedAt         time.Time
}

// AccessRequest is one entry of a createAccessUrls call. StorageAccountID
// is the account the buffer was placed on at create time (spec.md §3 "a
// buffer's owning account id is persisted on create and never changes");
// the cloud provider variant signs against this account specifically.
// The local variant ignores it, since it has exactly one implicit
// account.
type AccessRequest struct {
	ID               string
	Writeable        bool
	StorageAccountID int64
}

// AccessURL is the signed URL (or nil, if CheckExists found nothing) for
// one requested buffer.
type AccessURL struct {
	URL string
}

// AccessResponse pairs a request back up with its resolved access URL,
// preserving input order (spec.md §4.3).
type AccessResponse struct {
	ID        string
	Writeable bool
	Access    *AccessURL
}

// AccessOptions controls how createAccessUrls signs and resolves URLs.
type AccessOptions struct {
	// PreferTCP selects the TCP listener over the Unix socket for the
	// local variant; ignored by the cloud variant.
	PreferTCP bool
	// CheckExists causes a read access URL request to first confirm the
	// buffer has at least one object, returning a nil Access if not.
	CheckExists bool
	// TTL is the requested validity window. Zero means "use the
	// provider's default" (1h, per spec.md §4.2).
	TTL time.Duration
}

// Default, minimum, and maximum TTLs for minted access URLs, per
// spec.md §4.2: "validity = caller-supplied ttl (default 1 h, min 30 s,
// max equal to default)".
const (
	DefaultAccessTTL = time.Hour
	MinAccessTTL     = 30 * time.Second
	MaxAccessTTL     = DefaultAccessTTL
)

// ResolveTTL clamps a caller-supplied ttl to [MinAccessTTL, MaxAccessTTL],
// substituting DefaultAccessTTL when ttl is zero.
func ResolveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultAccessTTL
	}
	if ttl < MinAccessTTL {
		return MinAccessTTL
	}
	if ttl > MaxAccessTTL {
		return MaxAccessTTL
	}
	return ttl
}

// StorageAccount is a logical storage backend registered with the
// provider (spec.md §3 "Storage account").
type StorageAccount struct {
	ID       int64
	Name     string
	Location string
	Endpoint string
}

// Provider is the common interface implemented by the cloud and local
// buffer-storage variants (spec.md §4.2).
type Provider interface {
	// CreateBuffer places a new buffer's backing container and returns
	// the buffer with its StorageAccountID populated.
	CreateBuffer(ctx context.Context, buf Buffer) (Buffer, error)

	// CreateAccessUrls mints signed access URLs for a batch of buffers,
	// preserving the order of reqs in the returned slice.
	CreateAccessUrls(ctx context.Context, reqs []AccessRequest, opts AccessOptions) ([]AccessResponse, error)

	// DeleteBuffers idempotently removes each buffer's backing
	// container and returns the ids actually removed.
	DeleteBuffers(ctx context.Context, ids []string) ([]string, error)

	// TryMarkBufferAsFailed writes the ".bufferend" failure tombstone.
	// A pre-existing tombstone is not an error.
	TryMarkBufferAsFailed(ctx context.Context, id string) error

	// ListStorageAccounts returns the accounts this provider instance
	// is configured to place buffers against.
	ListStorageAccounts(ctx context.Context) ([]StorageAccount, error)
}

// FailureTombstoneName is the object name written by
// TryMarkBufferAsFailed (spec.md §4.2).
const FailureTombstoneName = ".bufferend"

// FailureTombstoneBody is the fixed JSON body of the failure tombstone.
const FailureTombstoneBody = `{"status":"failed"}`
