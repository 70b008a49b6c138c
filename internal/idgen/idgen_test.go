package idgen

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bufferIDRE = regexp.MustCompile(`^[a-z2-7]{26}$`)

func TestNewBufferID(t *testing.T) {
	id, err := NewBufferID()
	require.NoError(t, err)
	assert.Regexp(t, bufferIDRE, id)

	other, err := NewBufferID()
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestMustNewBufferID(t *testing.T) {
	assert.Regexp(t, bufferIDRE, MustNewBufferID())
}

func TestEphemeralIDs(t *testing.T) {
	assert.Equal(t, "temp-abc123", EphemeralTempID("abc123"))
	assert.Equal(t, "run-42-temp-abc123", EphemeralRunID("42", "abc123"))
}
