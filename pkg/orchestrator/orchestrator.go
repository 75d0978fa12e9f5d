// Package orchestrator drives the 20-step account migration sequence: it
// owns no state of its own beyond what it reads back from the Session
// Store on every call, so a restart mid-run resumes rather than repeats.
//
// Steps 1-8 establish identity and the destination account; their own
// resumability comes from protocol-level signals (a pre-existing session,
// createAccount's AlreadyExists response) rather than a stored flag. Steps
// 9-20 gate on MigrationProgress flags, each of which is set exactly once
// and persisted before the next step begins.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/atmove/pdsmigrate/pkg/blobstore"
	"github.com/atmove/pdsmigrate/pkg/config"
	"github.com/atmove/pdsmigrate/pkg/log"
	"github.com/atmove/pdsmigrate/pkg/migerr"
	"github.com/atmove/pdsmigrate/pkg/pdsclient"
	"github.com/atmove/pdsmigrate/pkg/pdstypes"
	"github.com/atmove/pdsmigrate/pkg/progress"
	"github.com/atmove/pdsmigrate/pkg/resume"
	"github.com/atmove/pdsmigrate/pkg/session"
	"github.com/atmove/pdsmigrate/pkg/transfer"
)

// Params carries the one-time inputs the migration needs: credentials for
// the source account and the handle/password to register on the
// destination.
type Params struct {
	OldIdentifier string
	OldPassword   string

	NewHandle   pdstypes.Handle
	NewPassword string
	NewEmail    string
	InviteCode  string
}

// Result reports where a Run call left off.
type Result struct {
	DID                  pdstypes.DID
	AwaitingVerification bool // true iff the orchestrator is paused at step 18
	Completed            bool
}

// Orchestrator drives one migration end to end. It is not safe for
// concurrent use by multiple goroutines against the same DID; the Session
// Store is the only shared mutable state and is itself safe for that.
type Orchestrator struct {
	cfg    config.MigrationConfig
	store  *session.Store
	bus    *progress.Bus
	router *blobstore.Router
	sel    *transfer.Selector
	logger zerolog.Logger

	oldClient *pdsclient.Client
	newClient *pdsclient.Client
}

// New builds an Orchestrator. oldClient and newClient must already be
// pointed at the source and destination PDS base URLs respectively.
func New(cfg config.MigrationConfig, store *session.Store, bus *progress.Bus, router *blobstore.Router, sel *transfer.Selector, oldClient, newClient *pdsclient.Client) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		router:    router,
		sel:       sel,
		logger:    log.WithComponent("orchestrator"),
		oldClient: oldClient,
		newClient: newClient,
	}
}

// Run executes steps 1 through either completion or the step-18 pause. A
// returned Result with AwaitingVerification true means CompleteVerification
// must be called later, possibly from a fresh process, with the token the
// user read out of their email.
func (o *Orchestrator) Run(ctx context.Context, p Params) (Result, error) {
	o.bus.Publish(progress.Event{Kind: progress.KindStarted})

	oldSession, err := o.step1LoadOldSession(ctx, p)
	if err != nil {
		return Result{}, o.fail("load_old_session", err)
	}
	did := oldSession.DID

	logger := log.WithDID(string(did))

	oldSession, err = o.step2ValidateOldSession(ctx, oldSession)
	if err != nil {
		return Result{}, o.fail("validate_old_session", err)
	}

	prog, _, err := o.store.GetProgress(did)
	if err != nil {
		return Result{}, o.fail("load_progress", err)
	}

	newPdsDID, err := o.step3DescribeNewServer(ctx)
	if err != nil {
		return Result{}, o.fail("describe_new_server", err)
	}

	newSession, resuming, err := o.step5TryExistingAccount(ctx, p)
	if err != nil {
		return Result{}, o.fail("try_existing_account", err)
	}

	if !resuming {
		svcAuth, err := o.step4GetServiceAuth(ctx, oldSession, newPdsDID)
		if err != nil {
			return Result{}, o.fail("get_service_auth", err)
		}

		newSession, err = o.step6CreateAccount(ctx, p, did, svcAuth)
		if err != nil {
			return Result{}, o.fail("create_account", err)
		}

		if err := o.step7PersistNewSession(newSession); err != nil {
			return Result{}, o.fail("persist_new_session", err)
		}
	}

	status, activated, err := o.step8CheckAccountStatus(ctx, newSession)
	if err != nil {
		return Result{}, o.fail("check_account_status", err)
	}
	if activated {
		return Result{}, o.fail("check_account_status", errors.New("destination account is already activated, refusing to continue"))
	}

	if resuming {
		checkpoint := resume.InferCheckpoint(status, checkpointHint(prog))
		backfillProgress(&prog, checkpoint)
		logger.Info().Str("checkpoint", string(checkpoint)).Msg("resuming migration from inferred checkpoint")
	}

	if err := o.runRepoAndBlobs(ctx, &prog, oldSession, newSession); err != nil {
		return Result{}, o.fail("blob_migration", err)
	}

	if err := o.runPreferences(ctx, &prog, oldSession, newSession); err != nil {
		return Result{}, o.fail("preferences", err)
	}

	awaiting, err := o.runPlcRequest(ctx, &prog, oldSession, newSession, did)
	if err != nil {
		return Result{}, o.fail("plc_request", err)
	}
	if awaiting {
		return Result{DID: did, AwaitingVerification: true}, nil
	}

	if err := o.step20Finalize(ctx, &prog, oldSession, newSession); err != nil {
		return Result{}, o.fail("finalize", err)
	}

	o.bus.Publish(progress.Event{Kind: progress.KindCompleted, Success: true})
	return Result{DID: did, Completed: true}, nil
}

// CompleteVerification resumes at step 19 once the user has supplied the
// token emailed by the source PDS. It may run in a different process than
// the one that paused at step 18, since the unsigned operation and both
// sessions are read back from the Session Store.
func (o *Orchestrator) CompleteVerification(ctx context.Context, did pdstypes.DID, token string) (Result, error) {
	oldSession, ok, err := o.store.Get(pdstypes.SlotOld)
	if err != nil || !ok {
		return Result{}, o.fail("load_old_session", fmt.Errorf("no old session on record: %w", err))
	}
	newSession, ok, err := o.store.Get(pdstypes.SlotNew)
	if err != nil || !ok {
		return Result{}, o.fail("load_new_session", fmt.Errorf("no new session on record: %w", err))
	}
	unsigned, ok, err := o.store.GetPendingPlcOp(did)
	if err != nil || !ok {
		return Result{}, o.fail("load_pending_plc_op", fmt.Errorf("no pending PLC operation on record: %w", err))
	}
	prog, _, err := o.store.GetProgress(did)
	if err != nil {
		return Result{}, o.fail("load_progress", err)
	}

	if err := o.step19SubmitSignedOp(ctx, &prog, oldSession, newSession, did, unsigned, token); err != nil {
		return Result{}, o.fail("submit_plc_operation", err)
	}

	if err := o.step20Finalize(ctx, &prog, oldSession, newSession); err != nil {
		return Result{}, o.fail("finalize", err)
	}

	o.bus.Publish(progress.Event{Kind: progress.KindCompleted, Success: true})
	return Result{DID: did, Completed: true}, nil
}

func (o *Orchestrator) fail(step string, err error) error {
	o.bus.Publish(progress.Event{Kind: progress.KindError, Step: step, Message: err.Error()})
	return fmt.Errorf("step %s: %w", step, err)
}

func (o *Orchestrator) withStep(ctx context.Context, name string, fn func() error) error {
	o.bus.Publish(progress.Event{Kind: progress.KindStepBegan, Step: name})
	start := time.Now()
	err := fn()
	o.bus.Publish(progress.Event{Kind: progress.KindStepCompleted, Step: name, DurationMs: time.Since(start).Milliseconds()})
	return err
}

// retryNetwork retries fn while it fails with migerr.ErrNetwork, up to
// cfg.MigrationRetries additional attempts with exponential backoff. Any
// other error, or exhausting the budget, returns immediately. bus may be
// nil, in which case retries are still attempted but go unreported.
func retryNetwork(ctx context.Context, cfg config.MigrationConfig, logger zerolog.Logger, bus *progress.Bus, step string, fn func() error) error {
	delay := cfg.RetryBaseDelay
	var lastErr error
	for attempt := 0; attempt <= cfg.MigrationRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, migerr.ErrNetwork) {
			return lastErr
		}
		if attempt == cfg.MigrationRetries {
			break
		}
		logger.Warn().Str("step", step).Int("attempt", attempt+1).Dur("delay", delay).Err(lastErr).Msg("network error, retrying")
		if bus != nil {
			bus.Publish(progress.Event{Kind: progress.KindPdsRetry, Step: step})
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = time.Duration(float64(delay) * cfg.RetryBackoffFactor)
	}
	return lastErr
}

// checkpointHint summarizes locally persisted progress flags into the
// coarse Checkpoint the Resume Engine uses to disambiguate positions the
// destination's own counters cannot distinguish.
func checkpointHint(p pdstypes.MigrationProgress) pdstypes.Checkpoint {
	switch {
	case p.PlcRecommended || p.PlcTokenRequested:
		return pdstypes.CheckpointPlcReady
	case p.PreferencesImported:
		return pdstypes.CheckpointPreferencesMigrated
	case p.BlobsImported:
		return pdstypes.CheckpointBlobsMigrated
	case p.RepoImported:
		return pdstypes.CheckpointRepoMigrated
	default:
		return pdstypes.CheckpointAccountCreated
	}
}

// backfillProgress sets the flags implied by an inferred checkpoint, since
// a fresh process has no in-memory record of work a prior process
// completed but never persisted a flag for. Flags are monotone: this only
// ever sets them true, never clears one.
func backfillProgress(p *pdstypes.MigrationProgress, checkpoint pdstypes.Checkpoint) {
	switch checkpoint {
	case pdstypes.CheckpointPlcReady:
		p.PlcRecommended = true
		p.PlcTokenRequested = true
		fallthrough
	case pdstypes.CheckpointPreferencesMigrated:
		p.PreferencesExported = true
		p.PreferencesImported = true
		fallthrough
	case pdstypes.CheckpointBlobsMigrated:
		p.BlobsChecked = true
		p.BlobsImported = true
		fallthrough
	case pdstypes.CheckpointRepoMigrated:
		p.RepoExported = true
		p.RepoImported = true
	}
}
