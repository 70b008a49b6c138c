package signing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload() Payload {
	now := time.Now().Unix()
	return Payload{
		Subject:      "buffer-abc",
		Action:       ActionRead | ActionCreate,
		ResourceType: ResourceContainer,
		NotBefore:    now,
		NotAfter:     now + 3600,
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := NewSigner([]byte("0123456789abcdef"), nil)
	p := testPayload()

	sig, gen, err := signer.Sign(p)
	require.NoError(t, err)
	assert.Equal(t, GenerationPrimary, gen)
	assert.True(t, signer.Verify(p, sig, gen))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	signer := NewSigner([]byte("0123456789abcdef"), nil)
	p := testPayload()
	sig, gen, err := signer.Sign(p)
	require.NoError(t, err)

	tampered := p
	tampered.Subject = "buffer-xyz"
	assert.False(t, signer.Verify(tampered, sig, gen))
}

func TestVerifySecondaryGenerationDuringRotation(t *testing.T) {
	oldKey := []byte("0123456789abcdef")
	oldSigner := NewSigner(oldKey, nil)
	p := testPayload()
	oldSig, _, err := oldSigner.Sign(p)
	require.NoError(t, err)

	// after rotation, the old primary becomes the new secondary
	rotated := NewSigner([]byte("fedcba9876543210"), oldKey)
	assert.True(t, rotated.Verify(p, oldSig, GenerationSecondary))
	assert.False(t, rotated.Verify(p, oldSig, GenerationPrimary))
}

func TestSignRequiresInitializedSigner(t *testing.T) {
	var signer *Signer
	_, _, err := signer.Sign(testPayload())
	assert.Error(t, err)
	assert.False(t, signer.Verify(testPayload(), "anything", GenerationPrimary))
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "rc", (ActionRead | ActionCreate).String())
	assert.Equal(t, "r", ActionRead.String())
	assert.Equal(t, "", Action(0).String())
}

func TestInitAndEnabled(t *testing.T) {
	t.Cleanup(func() { DefaultSigner = nil })

	require.NoError(t, Init("", ""))
	assert.False(t, Enabled())

	key := "MDEyMzQ1Njc4OWFiY2RlZg==" // base64("0123456789abcdef")
	require.NoError(t, Init(key, ""))
	assert.True(t, Enabled())

	_, _, err := DefaultSigner.Sign(testPayload())
	assert.NoError(t, err)
}

func TestInitRejectsShortKey(t *testing.T) {
	err := Init("c2hvcnQ=", "") // base64("short")
	assert.Error(t, err)
}
