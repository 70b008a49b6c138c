package buffer

import (
	"context"
	"regexp"
	"time"

	"tyger/internal/apperr"
	"tyger/internal/bufferprovider"
	"tyger/internal/idgen"
	"tyger/internal/metrics"
)

// ephemeralIDRE matches the "temp-" forms of spec.md §6's buffer id
// grammar: "temp-" <bufferId> or "run-" <runId> "-temp-" <bufferId>, where
// <bufferId> is [A-Za-z0-9_]+. A plain <bufferId> does not match.
var ephemeralIDRE = regexp.MustCompile(`^((run-[A-Za-z0-9_]+-)?temp-)[A-Za-z0-9_]+$`)

// IsEphemeral reports whether id is an ephemeral marker rather than a
// real, store-backed buffer id.
func IsEphemeral(id string) bool {
	return ephemeralIDRE.MatchString(id)
}

// AccessRequest is one entry of a createBufferAccessUrls call.
type AccessRequest struct {
	ID        string
	Writeable bool
}

// AccessResult pairs a request with its resolved access URL.
type AccessResult struct {
	ID        string
	Writeable bool
	Access    *bufferprovider.AccessURL
}

// AccessOptions mirrors spec.md §4.3's createBufferAccessUrls
// parameters.
type AccessOptions struct {
	PreferTCP   bool
	FromDocker  bool
	CheckExists bool
	TTL         int64 // seconds; 0 means provider default
}

// CreateBufferAccessUrls splits reqs into real (delegated to the
// provider) and ephemeral (materialized locally) buffers in a single
// pass, preserving input order in the response (spec.md §4.3).
func (m *Manager) CreateBufferAccessUrls(ctx context.Context, reqs []AccessRequest, opts AccessOptions) ([]AccessResult, error) {
	start := time.Now()
	defer func() { metrics.AccessURLIssuanceSeconds.Observe(time.Since(start).Seconds()) }()

	out := make([]AccessResult, len(reqs))

	var realIdx []int
	var realReqs []bufferprovider.AccessRequest

	for i, req := range reqs {
		if IsEphemeral(req.ID) {
			access, err := m.createEphemeralAccess(ctx, req.ID, req.Writeable, opts)
			if err != nil {
				return nil, err
			}
			out[i] = AccessResult{ID: req.ID, Writeable: req.Writeable, Access: access}
			continue
		}

		buf, err := m.store.GetBuffer(ctx, req.ID)
		if err != nil {
			return nil, err
		}

		realIdx = append(realIdx, i)
		realReqs = append(realReqs, bufferprovider.AccessRequest{ID: req.ID, Writeable: req.Writeable, StorageAccountID: buf.StorageAccountID})
	}

	if len(realReqs) > 0 {
		resolved, err := m.provider.CreateAccessUrls(ctx, realReqs, bufferprovider.AccessOptions{
			PreferTCP:   opts.PreferTCP,
			CheckExists: opts.CheckExists,
			TTL:         time.Duration(opts.TTL) * time.Second,
		})
		if err != nil {
			return nil, apperr.New(apperr.BackendTransient, "CreateBufferAccessUrls", err)
		}
		for j, res := range resolved {
			out[realIdx[j]] = AccessResult{ID: res.ID, Writeable: res.Writeable, Access: res.Access}
		}
	}

	return out, nil
}

// createEphemeralAccess materializes an ephemeral buffer directly
// through the provider using a freshly generated backing id, without
// touching the metadata store — ephemeral buffers never get a store
// row (spec.md §3: lifetime is a single operation or the owning run,
// not a store-tracked entity).
func (m *Manager) createEphemeralAccess(ctx context.Context, marker string, writeable bool, opts AccessOptions) (*bufferprovider.AccessURL, error) {
	backingID, err := idgen.NewBufferID()
	if err != nil {
		return nil, apperr.New(apperr.Internal, "createEphemeralAccess", err)
	}

	placed, err := m.provider.CreateBuffer(ctx, bufferprovider.Buffer{ID: backingID, Location: m.cfg.DefaultLocation})
	if err != nil {
		return nil, apperr.New(apperr.BackendTransient, "createEphemeralAccess", err)
	}

	resolved, err := m.provider.CreateAccessUrls(ctx, []bufferprovider.AccessRequest{{ID: backingID, Writeable: writeable, StorageAccountID: placed.StorageAccountID}}, bufferprovider.AccessOptions{
		PreferTCP:   opts.PreferTCP,
		CheckExists: false,
		TTL:         time.Duration(opts.TTL) * time.Second,
	})
	if err != nil || len(resolved) != 1 {
		return nil, apperr.New(apperr.BackendTransient, "createEphemeralAccess", err)
	}
	return resolved[0].Access, nil
}
