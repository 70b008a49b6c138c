package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tyger/internal/apperr"
	"tyger/internal/store"
)

func TestParseCodespecRef(t *testing.T) {
	name, version, err := parseCodespecRef("my-codespec")
	require.NoError(t, err)
	assert.Equal(t, "my-codespec", name)
	assert.Equal(t, 0, version)

	name, version, err = parseCodespecRef("my-codespec/versions/3")
	require.NoError(t, err)
	assert.Equal(t, "my-codespec", name)
	assert.Equal(t, 3, version)
}

func TestParseCodespecRefRejectsMalformed(t *testing.T) {
	_, _, err := parseCodespecRef("name/versions/not-a-number/extra")
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestWorkerSetName(t *testing.T) {
	assert.Equal(t, "tyger-run-42-workers", WorkerSetName(42))
}

func TestRunIDLabel(t *testing.T) {
	assert.Equal(t, "42", RunIDLabel(42))
}

func TestExpectedContainerCount(t *testing.T) {
	r := store.Run{Target: store.RunTarget{Buffers: map[string]string{"input": "buf-1", "output": "buf-2"}}}
	assert.Equal(t, 3, expectedContainerCount(r))
}
