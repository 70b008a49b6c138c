package cloud

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tyger/internal/bufferprovider"
)

func twoAccountProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(context.Background(), []AccountConfig{
		{ID: 1, Name: "acct-a", Location: "us", Endpoint: "acct-a.example.com", Bucket: "bucket-a", AccessKeyID: "ak", SecretAccessKey: "sk", Region: "us-east-1"},
		{ID: 2, Name: "acct-b", Location: "us", Endpoint: "acct-b.example.com", Bucket: "bucket-b", AccessKeyID: "ak", SecretAccessKey: "sk", Region: "us-east-1"},
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestCreateBufferRoundRobinsAcrossAccountsInLocation(t *testing.T) {
	p := twoAccountProvider(t)

	first, err := p.CreateBuffer(context.Background(), bufferprovider.Buffer{ID: "buf-1", Location: "us"})
	require.NoError(t, err)
	second, err := p.CreateBuffer(context.Background(), bufferprovider.Buffer{ID: "buf-2", Location: "us"})
	require.NoError(t, err)

	assert.NotEqual(t, first.StorageAccountID, second.StorageAccountID)
}

// TestCreateAccessUrlsSignsAgainstTheBuffersOwningAccount guards against
// signing a buffer's access URL against whichever account happens to be
// first in the internal account map: with two accounts in one location,
// a buffer placed on account 2 must never get a URL pointing at account
// 1's endpoint/bucket.
func TestCreateAccessUrlsSignsAgainstTheBuffersOwningAccount(t *testing.T) {
	p := twoAccountProvider(t)

	buf, err := p.CreateBuffer(context.Background(), bufferprovider.Buffer{ID: "buf-1", Location: "us"})
	require.NoError(t, err)

	resolved, err := p.CreateAccessUrls(context.Background(), []bufferprovider.AccessRequest{
		{ID: buf.ID, Writeable: true, StorageAccountID: buf.StorageAccountID},
	}, bufferprovider.AccessOptions{})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.NotNil(t, resolved[0].Access)

	wantAccount := p.accounts[buf.StorageAccountID]
	u, err := url.Parse(resolved[0].Access.URL)
	require.NoError(t, err)
	assert.Equal(t, wantAccount.cfg.Endpoint, u.Host)
	assert.Contains(t, u.Path, wantAccount.cfg.Bucket)
}

func TestCreateAccessUrlsRejectsUnknownStorageAccountID(t *testing.T) {
	p := twoAccountProvider(t)

	_, err := p.CreateAccessUrls(context.Background(), []bufferprovider.AccessRequest{
		{ID: "buf-1", Writeable: true, StorageAccountID: 999},
	}, bufferprovider.AccessOptions{})
	require.Error(t, err)
}
