// Package config is the control plane's top-level configuration,
// following the teacher's map-driven Parse*Config idiom (internal/docker
// and internal/s3's ParseConfig(map[string]interface{})) generalized from
// one subsystem's config blob into a single aggregate covering every
// subsystem this expansion wires in.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the control plane's full configuration, loaded from a YAML or
// JSON config file (or any map[string]interface{} source, e.g. a secrets
// manager payload) via ParseConfig.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Backend  BackendConfig  `json:"backend"`
	Buffers  BuffersConfig  `json:"buffers"`
	Signing  SigningConfig  `json:"signing,omitempty"`
	Sweeper  IntervalsConfig `json:"sweeper,omitempty"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
}

// ServerConfig is the control plane's HTTP listen address.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DatabaseConfig is the metadata store's connection string.
type DatabaseConfig struct {
	// DSN is a postgres:// connection string (spec.md §4.1).
	DSN string `json:"dsn"`
}

// BackendKind selects one of the two execution backends (spec.md §4.5).
type BackendKind string

const (
	BackendLocal      BackendKind = "local"
	BackendKubernetes BackendKind = "kubernetes"
)

// BackendConfig selects and configures one execution backend. Exactly
// one of Local/Kubernetes must be set, matching Kind.
type BackendConfig struct {
	Kind       BackendKind              `json:"kind"`
	Local      *LocalBackendConfig      `json:"local,omitempty"`
	Kubernetes *KubernetesBackendConfig `json:"kubernetes,omitempty"`
}

// LocalBackendConfig configures the single-host Docker backend.
type LocalBackendConfig struct {
	Host           string `json:"host"`
	APIVersion     string `json:"apiVersion,omitempty"`
	RunSecretsPath string `json:"runSecretsPath"`
}

// KubernetesBackendConfig configures the clustered backend.
type KubernetesBackendConfig struct {
	Namespace  string `json:"namespace"`
	Kubeconfig string `json:"kubeconfig,omitempty"`
	Context    string `json:"context,omitempty"`
}

// BufferProviderKind selects the buffer-storage variant (spec.md §4.2).
type BufferProviderKind string

const (
	ProviderCloud BufferProviderKind = "cloud"
	ProviderLocal BufferProviderKind = "local"
)

// BuffersConfig is the buffer manager's TTL policy plus its selected
// storage provider's configuration.
type BuffersConfig struct {
	Provider BufferProviderKind `json:"provider"`

	// ActiveLifetime and SoftDeletedLifetime are Go duration strings
	// (e.g. "168h"); empty ActiveLifetime means "never expires while
	// active" (spec.md §4.3).
	ActiveLifetime      string `json:"activeLifetime,omitempty"`
	SoftDeletedLifetime string `json:"softDeletedLifetime"`
	DefaultLocation     string `json:"defaultLocation,omitempty"`

	CloudAccounts []CloudAccountConfig `json:"cloudAccounts,omitempty"`

	LocalRoot       string `json:"localRoot,omitempty"`
	LocalTCPAddr    string `json:"localTCPAddr,omitempty"`
	LocalSocketPath string `json:"localSocketPath,omitempty"`

	// ArchiveRoot is the filesystem archive directory used alongside
	// the local buffer provider for the log archiver (module J); unused
	// when Provider is cloud, which archives to the same bucket family.
	ArchiveRoot   string `json:"archiveRoot,omitempty"`
	ArchiveBucket string `json:"archiveBucket,omitempty"`
}

// CloudAccountConfig mirrors bufferprovider/cloud.AccountConfig, minus
// the assigned StorageAccount ID (the store assigns that on first
// registration, per spec.md §3).
type CloudAccountConfig struct {
	Name            string `json:"name"`
	Location        string `json:"location"`
	Endpoint        string `json:"endpoint"`
	Bucket          string `json:"bucket"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	Region          string `json:"region,omitempty"`
	UseSSL          bool   `json:"useSSL,omitempty"`
}

// SigningConfig carries the HMAC key material for the local provider's
// access tokens (spec.md §6). Unused when Buffers.Provider is cloud.
type SigningConfig struct {
	PrimaryKeyBase64   string `json:"primaryKey,omitempty"`
	SecondaryKeyBase64 string `json:"secondaryKey,omitempty"`
}

// IntervalsConfig overrides the sweeper's default grace periods.
type IntervalsConfig struct {
	NeverScheduledGrace string `json:"neverScheduledGrace,omitempty"`
	FinalizeSettleTime  string `json:"finalizeSettleTime,omitempty"`
}

// MetricsConfig is parsed from the config file. Enabled is not read
// anywhere: internal/api always serves the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// ParseConfig parses and validates Config from a generic map, the same
// json-marshal-then-unmarshal round trip internal/docker.ParseConfig and
// internal/s3.ParseConfig use to decode a loosely-typed payload into a
// strict Go struct.
func ParseConfig(data map[string]interface{}) (*Config, error) {
	if data == nil {
		return nil, fmt.Errorf("config: config data cannot be nil")
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("config: marshaling config data: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing config: %w", err)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// ValidateConfig checks the required fields of each subsystem config,
// following internal/docker.ValidateConfig's style of one explicit check
// per required field.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	switch cfg.Backend.Kind {
	case BackendLocal:
		if cfg.Backend.Local == nil {
			return fmt.Errorf("backend.local is required when backend.kind is %q", BackendLocal)
		}
		if cfg.Backend.Local.RunSecretsPath == "" {
			return fmt.Errorf("backend.local.runSecretsPath is required")
		}
	case BackendKubernetes:
		if cfg.Backend.Kubernetes == nil {
			return fmt.Errorf("backend.kubernetes is required when backend.kind is %q", BackendKubernetes)
		}
		if cfg.Backend.Kubernetes.Namespace == "" {
			return fmt.Errorf("backend.kubernetes.namespace is required")
		}
	default:
		return fmt.Errorf("backend.kind must be %q or %q, got %q", BackendLocal, BackendKubernetes, cfg.Backend.Kind)
	}

	switch cfg.Buffers.Provider {
	case ProviderCloud:
		if len(cfg.Buffers.CloudAccounts) == 0 {
			return fmt.Errorf("buffers.cloudAccounts must have at least one entry when buffers.provider is %q", ProviderCloud)
		}
		for i, a := range cfg.Buffers.CloudAccounts {
			if a.Name == "" || a.Location == "" || a.Endpoint == "" || a.Bucket == "" {
				return fmt.Errorf("buffers.cloudAccounts[%d] is missing a required field", i)
			}
		}
	case ProviderLocal:
		if cfg.Buffers.LocalRoot == "" {
			return fmt.Errorf("buffers.localRoot is required when buffers.provider is %q", ProviderLocal)
		}
		if cfg.Signing.PrimaryKeyBase64 == "" {
			return fmt.Errorf("signing.primaryKey is required when buffers.provider is %q", ProviderLocal)
		}
	default:
		return fmt.Errorf("buffers.provider must be %q or %q, got %q", ProviderCloud, ProviderLocal, cfg.Buffers.Provider)
	}

	if cfg.Buffers.SoftDeletedLifetime == "" {
		return fmt.Errorf("buffers.softDeletedLifetime is required")
	}
	if _, err := time.ParseDuration(cfg.Buffers.SoftDeletedLifetime); err != nil {
		return fmt.Errorf("buffers.softDeletedLifetime: %w", err)
	}
	if cfg.Buffers.ActiveLifetime != "" {
		if _, err := time.ParseDuration(cfg.Buffers.ActiveLifetime); err != nil {
			return fmt.Errorf("buffers.activeLifetime: %w", err)
		}
	}

	return nil
}

// Duration parses d, returning zero for an empty string; used for every
// optional duration field in Config.
func Duration(d string) (time.Duration, error) {
	if d == "" {
		return 0, nil
	}
	return time.ParseDuration(d)
}
