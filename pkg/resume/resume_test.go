package resume

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atmove/pdsmigrate/pkg/pdstypes"
)

func TestCanResumeNilStatus(t *testing.T) {
	assert.False(t, CanResume(nil))
}

func TestCanResumeActivatedAccountCannotResume(t *testing.T) {
	status := &pdstypes.AccountStatus{ValidDID: true, Activated: true}
	assert.False(t, CanResume(status))
}

func TestCanResumeInProgressAccountCanResume(t *testing.T) {
	status := &pdstypes.AccountStatus{ValidDID: true, Activated: false}
	assert.True(t, CanResume(status))
}

func TestInferCheckpointNilStatusMeansNotStarted(t *testing.T) {
	assert.Equal(t, pdstypes.CheckpointNone, InferCheckpoint(nil, pdstypes.CheckpointNone))
}

func TestInferCheckpointInvalidDIDMeansNotStarted(t *testing.T) {
	status := &pdstypes.AccountStatus{ValidDID: false}
	assert.Equal(t, pdstypes.CheckpointNone, InferCheckpoint(status, pdstypes.CheckpointBlobsMigrated))
}

func TestInferCheckpointFreshAccountNoRepoYet(t *testing.T) {
	status := &pdstypes.AccountStatus{ValidDID: true, RepoBlocks: 1}
	assert.Equal(t, pdstypes.CheckpointAccountCreated, InferCheckpoint(status, pdstypes.CheckpointNone))
}

func TestInferCheckpointRepoMigratedOnBlockThreshold(t *testing.T) {
	status := &pdstypes.AccountStatus{ValidDID: true, RepoBlocks: 3}
	assert.Equal(t, pdstypes.CheckpointRepoMigrated, InferCheckpoint(status, pdstypes.CheckpointNone))
}

func TestInferCheckpointBlobsInProgress(t *testing.T) {
	status := &pdstypes.AccountStatus{ValidDID: true, RepoBlocks: 10, ExpectedBlobs: 100, ImportedBlobs: 40}
	assert.Equal(t, pdstypes.CheckpointBlobsMigrated, InferCheckpoint(status, pdstypes.CheckpointNone))
}

func TestInferCheckpointBlobsFullyImportedWithoutHint(t *testing.T) {
	status := &pdstypes.AccountStatus{ValidDID: true, RepoBlocks: 10, ExpectedBlobs: 50, ImportedBlobs: 50}
	assert.Equal(t, pdstypes.CheckpointBlobsMigrated, InferCheckpoint(status, pdstypes.CheckpointNone))
}

func TestInferCheckpointBlobsFullyImportedHintDisambiguatesPreferences(t *testing.T) {
	status := &pdstypes.AccountStatus{ValidDID: true, RepoBlocks: 10, ExpectedBlobs: 50, ImportedBlobs: 50}
	assert.Equal(t, pdstypes.CheckpointPreferencesMigrated, InferCheckpoint(status, pdstypes.CheckpointPreferencesMigrated))
}

func TestInferCheckpointBlobsFullyImportedHintDisambiguatesPlcReady(t *testing.T) {
	status := &pdstypes.AccountStatus{ValidDID: true, RepoBlocks: 10, ExpectedBlobs: 50, ImportedBlobs: 50}
	assert.Equal(t, pdstypes.CheckpointPlcReady, InferCheckpoint(status, pdstypes.CheckpointPlcReady))
}

func TestInferCheckpointIgnoresStaleHintBehindObservedProgress(t *testing.T) {
	// Resuming after step 10 (E2): destination shows partial blob import,
	// but the stored hint claims preferences were already migrated. The
	// observed counters win.
	status := &pdstypes.AccountStatus{ValidDID: true, RepoBlocks: 10, ExpectedBlobs: 50, ImportedBlobs: 20}
	assert.Equal(t, pdstypes.CheckpointBlobsMigrated, InferCheckpoint(status, pdstypes.CheckpointPreferencesMigrated))
}
