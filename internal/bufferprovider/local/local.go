// Package local is the single-host buffer provider variant (spec.md
// §4.2 "Local variant"): a data-plane process fronts buffer containers
// over TCP or a Unix socket, and the control plane mints HMAC-signed
// access tokens (internal/signing) instead of cloud-provider SAS URLs.
// Buffer bytes themselves are stored under a root directory on the same
// host, one directory per buffer, grounded on the teacher's local
// docker runner's bind-mount idiom (internal/docker/runner.go) rather
// than any object-storage client.
package local

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tyger/internal/bufferprovider"
	"tyger/internal/signing"
)

// Config configures the local data-plane endpoint and storage root.
type Config struct {
	// Root is the directory under which each buffer gets its own
	// subdirectory of blob files.
	Root string
	// TCPAddr is the data-plane's TCP listen address, advertised in
	// minted access URLs when AccessOptions.PreferTCP is set.
	TCPAddr string
	// SocketPath is the data-plane's Unix socket path, advertised
	// otherwise.
	SocketPath string
}

// Provider is the local buffer-storage variant. It implements
// bufferprovider.Provider.
type Provider struct {
	cfg    Config
	signer *signing.Signer
}

var _ bufferprovider.Provider = (*Provider)(nil)

// New builds a local provider. signer must already be initialized with
// the process's primary (and optional secondary) signing keys.
func New(cfg Config, signer *signing.Signer) (*Provider, error) {
	if err := os.MkdirAll(cfg.Root, 0o750); err != nil {
		return nil, fmt.Errorf("local provider: creating root %q: %w", cfg.Root, err)
	}
	return &Provider{cfg: cfg, signer: signer}, nil
}

func (p *Provider) bufferDir(id string) string {
	return filepath.Join(p.cfg.Root, id)
}

func (p *Provider) tombstonePath(id string) string {
	return filepath.Join(p.bufferDir(id), bufferprovider.FailureTombstoneName)
}

// CreateBuffer creates the buffer's backing directory. The local
// variant has exactly one "account" (this host), so StorageAccountID is
// always 0.
func (p *Provider) CreateBuffer(ctx context.Context, buf bufferprovider.Buffer) (bufferprovider.Buffer, error) {
	if err := os.MkdirAll(p.bufferDir(buf.ID), 0o750); err != nil {
		return bufferprovider.Buffer{}, fmt.Errorf("local provider: creating buffer directory for %q: %w", buf.ID, err)
	}
	buf.StorageAccountID = 0
	return buf, nil
}

// CreateAccessUrls mints a token-bearing URL at the data-plane endpoint
// for each requested buffer. The action bits and expiry are encoded in
// the signed payload rather than in any server-side ACL.
func (p *Provider) CreateAccessUrls(ctx context.Context, reqs []bufferprovider.AccessRequest, opts bufferprovider.AccessOptions) ([]bufferprovider.AccessResponse, error) {
	ttl := bufferprovider.ResolveTTL(opts.TTL)
	now := time.Now()
	out := make([]bufferprovider.AccessResponse, len(reqs))

	for i, req := range reqs {
		if opts.CheckExists && !req.Writeable {
			if _, err := os.Stat(p.bufferDir(req.ID)); os.IsNotExist(err) {
				out[i] = bufferprovider.AccessResponse{ID: req.ID, Writeable: req.Writeable}
				continue
			}
		}

		action := signing.ActionRead
		if req.Writeable {
			action |= signing.ActionCreate
		}

		payload := signing.Payload{
			Subject:      req.ID,
			Action:       action,
			ResourceType: signing.ResourceContainer,
			NotBefore:    now.Unix(),
			NotAfter:     now.Add(ttl).Unix(),
		}

		sig, gen, err := p.signer.Sign(payload)
		if err != nil {
			return nil, fmt.Errorf("local provider: signing access token for buffer %q: %w", req.ID, err)
		}

		out[i] = bufferprovider.AccessResponse{
			ID:        req.ID,
			Writeable: req.Writeable,
			Access:    &bufferprovider.AccessURL{URL: p.accessURL(req.ID, payload, sig, gen, opts.PreferTCP)},
		}
	}

	return out, nil
}

func (p *Provider) accessURL(bufferID string, payload signing.Payload, sig string, gen signing.Generation, preferTCP bool) string {
	host := p.cfg.SocketPath
	scheme := "unix"
	if preferTCP {
		host = p.cfg.TCPAddr
		scheme = "tcp"
	}

	v := url.Values{}
	v.Set("subject", payload.Subject)
	v.Set("action", payload.Action.String())
	v.Set("type", string(payload.ResourceType))
	v.Set("nbf", strconv.FormatInt(payload.NotBefore, 10))
	v.Set("exp", strconv.FormatInt(payload.NotAfter, 10))
	v.Set("gen", strconv.Itoa(int(gen)))
	v.Set("sig", sig)

	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     "/" + bufferID,
		RawQuery: v.Encode(),
	}
	return u.String()
}

// DeleteBuffers idempotently removes each buffer's directory, returning
// exactly the ids that existed.
func (p *Provider) DeleteBuffers(ctx context.Context, ids []string) ([]string, error) {
	var removed []string
	for _, id := range ids {
		dir := p.bufferDir(id)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("local provider: deleting buffer %q: %w", id, err)
		}
		removed = append(removed, id)
	}
	return removed, nil
}

// TryMarkBufferAsFailed writes the failure tombstone file. A
// pre-existing tombstone is left untouched (O_EXCL simulates
// if-none-match).
func (p *Provider) TryMarkBufferAsFailed(ctx context.Context, id string) error {
	f, err := os.OpenFile(p.tombstonePath(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("local provider: writing failure tombstone for %q: %w", id, err)
	}
	defer f.Close()
	_, err = f.WriteString(bufferprovider.FailureTombstoneBody)
	return err
}

// ListStorageAccounts returns the single implicit "this host" account.
func (p *Provider) ListStorageAccounts(ctx context.Context) ([]bufferprovider.StorageAccount, error) {
	return []bufferprovider.StorageAccount{{
		ID:       0,
		Name:     "local",
		Location: "local",
		Endpoint: p.cfg.TCPAddr,
	}}, nil
}
