// Package config holds the MigrationConfig value injected at construction
// time into the orchestrator and its collaborators.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BlobEnumerationMethod selects how the orchestrator discovers which blobs
// still need to move to the destination.
type BlobEnumerationMethod string

const (
	// EnumerateMissingBlobs asks the destination what it still needs.
	EnumerateMissingBlobs BlobEnumerationMethod = "missing_blobs"
	// EnumerateSyncListBlobs asks the source for its full inventory.
	EnumerateSyncListBlobs BlobEnumerationMethod = "sync_list_blobs"
)

// MigrationConfig carries every tunable the migration tool needs to run.
// Zero values are not valid configuration; use Default to get sane values
// and override individual fields.
type MigrationConfig struct {
	// MaxConcurrentTransfers bounds the concurrent strategy's in-flight
	// upload count.
	MaxConcurrentTransfers int `yaml:"max_concurrent_transfers"`

	// StorageRetries is loaded and defaulted but not read by the blob store
	// Router, whose StoreWithFallback uses a fixed 2 retries per backend.
	StorageRetries int `yaml:"storage_retries"`

	// MigrationRetries bounds retries of a Network-classed PDS call.
	MigrationRetries int `yaml:"migration_retries"`

	// RequestTimeout applies to every PDS call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RetryBaseDelay and RetryBackoffFactor parameterize the exponential
	// backoff applied between retried Network calls.
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay"`
	RetryBackoffFactor float64       `yaml:"retry_backoff_factor"`

	// BlobListPageSize is the cursor page size used when enumerating blobs.
	BlobListPageSize int `yaml:"blob_list_page_size"`

	// BlobEnumeration selects missing_blobs vs sync_list_blobs.
	BlobEnumeration BlobEnumerationMethod `yaml:"blob_enumeration_method"`

	// BackendPriority lists blob store backend names, highest priority
	// first. Validate rejects an empty list; cmd/pdsmigrate does not read it
	// and builds its Router with the fs backend only.
	BackendPriority []string `yaml:"backend_priority"`

	// MaxFallbackAttempts bounds total attempts across backends in a single
	// store_with_fallback call (current backend counts as the first).
	MaxFallbackAttempts int `yaml:"max_fallback_attempts"`
}

// Default returns the configuration the orchestrator uses unless the caller
// overrides specific fields.
func Default() MigrationConfig {
	return MigrationConfig{
		MaxConcurrentTransfers: 5,
		StorageRetries:         3,
		MigrationRetries:       5,
		RequestTimeout:         30 * time.Second,
		RetryBaseDelay:         1 * time.Second,
		RetryBackoffFactor:     2,
		BlobListPageSize:       500,
		BlobEnumeration:        EnumerateMissingBlobs,
		BackendPriority:        []string{"fs", "idb", "kv"},
		MaxFallbackAttempts:    3,
	}
}

// Load reads a MigrationConfig from a YAML file, seeding defaults first so
// a partial file only overrides the fields it mentions.
func Load(path string) (MigrationConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate rejects configuration values that would break an invariant
// elsewhere (a zero concurrency bound would deadlock the concurrent
// strategy's semaphore, for instance).
func (c MigrationConfig) Validate() error {
	if c.MaxConcurrentTransfers < 1 {
		return fmt.Errorf("max_concurrent_transfers must be >= 1, got %d", c.MaxConcurrentTransfers)
	}
	if c.MaxFallbackAttempts < 1 {
		return fmt.Errorf("max_fallback_attempts must be >= 1, got %d", c.MaxFallbackAttempts)
	}
	if c.BlobEnumeration != EnumerateMissingBlobs && c.BlobEnumeration != EnumerateSyncListBlobs {
		return fmt.Errorf("unknown blob_enumeration_method: %s", c.BlobEnumeration)
	}
	if len(c.BackendPriority) == 0 {
		return fmt.Errorf("backend_priority must name at least one backend")
	}
	return nil
}
