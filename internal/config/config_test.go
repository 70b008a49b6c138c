package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validLocalConfigData() map[string]interface{} {
	return map[string]interface{}{
		"database": map[string]interface{}{"dsn": "postgres://localhost/tyger"},
		"backend": map[string]interface{}{
			"kind":  "local",
			"local": map[string]interface{}{"host": "unix:///var/run/docker.sock", "runSecretsPath": "/var/lib/tyger/run-secrets"},
		},
		"buffers": map[string]interface{}{
			"provider":            "local",
			"softDeletedLifetime": "168h",
			"localRoot":           "/var/lib/tyger/buffers",
		},
		"signing": map[string]interface{}{"primaryKey": "c2VjcmV0LWtleS1iYXNlNjQ="},
	}
}

func TestParseConfig(t *testing.T) {
	t.Run("ValidLocalConfig", func(t *testing.T) {
		cfg, err := ParseConfig(validLocalConfigData())
		require.NoError(t, err)
		assert.Equal(t, BackendLocal, cfg.Backend.Kind)
		assert.Equal(t, "postgres://localhost/tyger", cfg.Database.DSN)
		assert.Equal(t, "/var/lib/tyger/buffers", cfg.Buffers.LocalRoot)
	})

	t.Run("ValidCloudConfig", func(t *testing.T) {
		data := map[string]interface{}{
			"database": map[string]interface{}{"dsn": "postgres://localhost/tyger"},
			"backend": map[string]interface{}{
				"kind":       "kubernetes",
				"kubernetes": map[string]interface{}{"namespace": "tyger"},
			},
			"buffers": map[string]interface{}{
				"provider":            "cloud",
				"softDeletedLifetime": "168h",
				"cloudAccounts": []map[string]interface{}{
					{"name": "acct1", "location": "westus", "endpoint": "s3.example.com", "bucket": "tyger-buffers"},
				},
			},
		}
		cfg, err := ParseConfig(data)
		require.NoError(t, err)
		assert.Equal(t, BackendKubernetes, cfg.Backend.Kind)
		require.Len(t, cfg.Buffers.CloudAccounts, 1)
		assert.Equal(t, "acct1", cfg.Buffers.CloudAccounts[0].Name)
	})

	t.Run("ErrorNilData", func(t *testing.T) {
		_, err := ParseConfig(nil)
		assert.Error(t, err)
	})

	t.Run("ErrorMissingDSN", func(t *testing.T) {
		data := validLocalConfigData()
		delete(data, "database")
		_, err := ParseConfig(data)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "database.dsn")
	})

	t.Run("ErrorUnknownBackendKind", func(t *testing.T) {
		data := validLocalConfigData()
		data["backend"] = map[string]interface{}{"kind": "nonsense"}
		_, err := ParseConfig(data)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "backend.kind")
	})

	t.Run("ErrorMissingLocalRunSecretsPath", func(t *testing.T) {
		data := validLocalConfigData()
		data["backend"] = map[string]interface{}{"kind": "local", "local": map[string]interface{}{"host": "unix:///var/run/docker.sock"}}
		_, err := ParseConfig(data)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "runSecretsPath")
	})

	t.Run("ErrorMissingSigningKeyForLocalProvider", func(t *testing.T) {
		data := validLocalConfigData()
		delete(data, "signing")
		_, err := ParseConfig(data)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "signing.primaryKey")
	})

	t.Run("ErrorInvalidDuration", func(t *testing.T) {
		data := validLocalConfigData()
		data["buffers"].(map[string]interface{})["softDeletedLifetime"] = "not-a-duration"
		_, err := ParseConfig(data)
		assert.Error(t, err)
	})
}

func TestDuration(t *testing.T) {
	d, err := Duration("")
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = Duration("30s")
	require.NoError(t, err)
	assert.Equal(t, "30s", d.String())

	_, err = Duration("nope")
	assert.Error(t, err)
}
