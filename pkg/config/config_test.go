package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesOnlyMentionedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_transfers: 10\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxConcurrentTransfers)
	assert.Equal(t, Default().StorageRetries, cfg.StorageRetries)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.MaxConcurrentTransfers = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.BlobEnumeration = "nonsense"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.BackendPriority = nil
	assert.Error(t, cfg.Validate())
}
