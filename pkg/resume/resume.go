// Package resume implements the Resume Engine: it re-derives a migration's
// true position from the destination PDS's own reported state rather than
// trusting a locally stored checkpoint. A stored checkpoint only
// disambiguates between positions the destination's counters cannot tell
// apart on their own.
//
// This mirrors the periodic reconciliation shape used elsewhere in this
// codebase for recovering state from the world rather than from memory:
// the check is cheap, idempotent, and safe to run on every launch.
package resume

import (
	"github.com/atmove/pdsmigrate/pkg/pdstypes"
)

// CanResume reports whether a migration in progress on the destination can
// be continued rather than started fresh. An account that does not exist
// yet on the destination has nothing to resume; one that is already
// activated has already completed and should not be resumed either.
func CanResume(status *pdstypes.AccountStatus) bool {
	if status == nil {
		return false
	}
	return status.ValidDID && !status.Activated
}

// InferCheckpoint derives the migration's actual position from status,
// using storedHint only to disambiguate positions status's counters cannot
// distinguish by themselves (hint is consulted only when it is consistent
// with the observed counters; it never overrides them).
//
// status is the sole source of truth. A nil status means the destination
// account does not exist yet: the migration has not started.
func InferCheckpoint(status *pdstypes.AccountStatus, storedHint pdstypes.Checkpoint) pdstypes.Checkpoint {
	if status == nil {
		return pdstypes.CheckpointNone
	}

	if !status.ValidDID {
		return pdstypes.CheckpointNone
	}

	if status.ImportedBlobs > 0 && status.ExpectedBlobs > 0 && status.ImportedBlobs >= status.ExpectedBlobs {
		return disambiguateBlobsMigrated(storedHint)
	}

	if status.ImportedBlobs > 0 {
		return pdstypes.CheckpointBlobsMigrated
	}

	if status.RepoBlocks > 2 {
		return pdstypes.CheckpointRepoMigrated
	}

	return pdstypes.CheckpointAccountCreated
}

// disambiguateBlobsMigrated picks between BlobsMigrated and the later steps
// a fully-imported blob count is also consistent with: preferences import
// and PLC readiness leave no trace checkAccountStatus can observe, so the
// stored hint is the only signal available once blobs are fully imported.
func disambiguateBlobsMigrated(storedHint pdstypes.Checkpoint) pdstypes.Checkpoint {
	switch storedHint {
	case pdstypes.CheckpointPreferencesMigrated, pdstypes.CheckpointPlcReady:
		return storedHint
	default:
		return pdstypes.CheckpointBlobsMigrated
	}
}
