package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmove/pdsmigrate/pkg/config"
	"github.com/atmove/pdsmigrate/pkg/log"
	"github.com/atmove/pdsmigrate/pkg/migerr"
	"github.com/atmove/pdsmigrate/pkg/pdsclient"
	"github.com/atmove/pdsmigrate/pkg/pdstypes"
	"github.com/atmove/pdsmigrate/pkg/progress"
	"github.com/atmove/pdsmigrate/pkg/transfer"
)

const sessionNearExpiryWindow = 5 * time.Minute

// step1LoadOldSession reads the source session from the store, or
// authenticates fresh if none is on record yet.
func (o *Orchestrator) step1LoadOldSession(ctx context.Context, p Params) (pdstypes.SessionRecord, error) {
	var record pdstypes.SessionRecord
	err := o.withStep(ctx, "load_old_session", func() error {
		existing, ok, err := o.store.Get(pdstypes.SlotOld)
		if err != nil {
			return err
		}
		if ok {
			record = existing
			return nil
		}

		return retryNetwork(ctx, o.cfg, o.logger, o.bus, "load_old_session", func() error {
			result, err := o.oldClient.CreateSession(ctx, p.OldIdentifier, p.OldPassword)
			if err != nil {
				return err
			}
			record = pdstypes.SessionRecord{
				DID:          result.DID,
				Handle:       result.Handle,
				AccessToken:  result.AccessJwt,
				RefreshToken: result.RefreshJwt,
			}
			return o.store.Put(pdstypes.SlotOld, record)
		})
	})
	return record, err
}

// step2ValidateOldSession refreshes the source session if it is near
// expiry, persisting the refreshed tokens.
func (o *Orchestrator) step2ValidateOldSession(ctx context.Context, record pdstypes.SessionRecord) (pdstypes.SessionRecord, error) {
	err := o.withStep(ctx, "validate_old_session", func() error {
		if !record.NearExpiry(sessionNearExpiryWindow) {
			return nil
		}
		return retryNetwork(ctx, o.cfg, o.logger, o.bus, "validate_old_session", func() error {
			result, err := o.oldClient.RefreshSession(ctx, record.RefreshToken)
			if err != nil {
				return err
			}
			record.AccessToken = result.AccessJwt
			record.RefreshToken = result.RefreshJwt
			return o.store.Put(pdstypes.SlotOld, record)
		})
	})
	return record, err
}

// step3DescribeNewServer returns the destination's own DID, used as the
// audience for the service auth token in step 4.
func (o *Orchestrator) step3DescribeNewServer(ctx context.Context) (pdstypes.DID, error) {
	var did pdstypes.DID
	err := o.withStep(ctx, "describe_new_server", func() error {
		return retryNetwork(ctx, o.cfg, o.logger, o.bus, "describe_new_server", func() error {
			desc, err := o.newClient.DescribeServer(ctx)
			if err != nil {
				return err
			}
			did = desc.DID
			return nil
		})
	})
	return did, err
}

// step4GetServiceAuth requests a short-lived token from the source PDS
// scoped to createAccount on the destination.
func (o *Orchestrator) step4GetServiceAuth(ctx context.Context, oldSession pdstypes.SessionRecord, newPdsDID pdstypes.DID) (*pdsclient.ServiceAuthResult, error) {
	var out *pdsclient.ServiceAuthResult
	err := o.withStep(ctx, "get_service_auth", func() error {
		return retryNetwork(ctx, o.cfg, o.logger, o.bus, "get_service_auth", func() error {
			result, err := o.oldClient.GetServiceAuth(ctx, oldSession.AccessToken, newPdsDID, "com.atproto.server.createAccount", time.Now().Add(time.Hour))
			if err != nil {
				return err
			}
			out = result
			return nil
		})
	})
	return out, err
}

// step5TryExistingAccount attempts to log into the destination with the
// chosen handle/password. Success means the account already exists and the
// migration should resume rather than create; a 401 means it does not
// exist yet and account creation should proceed.
func (o *Orchestrator) step5TryExistingAccount(ctx context.Context, p Params) (pdstypes.SessionRecord, bool, error) {
	var record pdstypes.SessionRecord
	var resuming bool

	err := o.withStep(ctx, "try_existing_account", func() error {
		if stored, ok, err := o.store.Get(pdstypes.SlotNew); err == nil && ok {
			record = stored
			resuming = true
			return nil
		}

		result, err := o.newClient.CreateSession(ctx, string(p.NewHandle), p.NewPassword)
		if err == nil {
			record = pdstypes.SessionRecord{
				DID:          result.DID,
				Handle:       result.Handle,
				AccessToken:  result.AccessJwt,
				RefreshToken: result.RefreshJwt,
			}
			resuming = true
			return o.store.Put(pdstypes.SlotNew, record)
		}

		if errors.Is(err, migerr.ErrInvalidCredentials) {
			// Does not exist yet; step 6 will create it.
			return nil
		}
		return err
	})

	return record, resuming, err
}

// step6CreateAccount registers the destination account against the
// existing DID, authorized by the source-issued service auth token.
func (o *Orchestrator) step6CreateAccount(ctx context.Context, p Params, did pdstypes.DID, svcAuth *pdsclient.ServiceAuthResult) (pdstypes.SessionRecord, error) {
	var record pdstypes.SessionRecord
	err := o.withStep(ctx, "create_account", func() error {
		return retryNetwork(ctx, o.cfg, o.logger, o.bus, "create_account", func() error {
			result, err := o.newClient.CreateAccount(ctx, pdsclient.CreateAccountInput{
				DID:              did,
				Handle:           p.NewHandle,
				Password:         p.NewPassword,
				Email:            p.NewEmail,
				InviteCode:       p.InviteCode,
				ServiceAuthToken: svcAuth.Token,
			})
			if err != nil {
				return err
			}
			if result.Session == nil {
				return fmt.Errorf("%w: createAccount reported AlreadyExists without a usable session", migerr.ErrProtocol)
			}
			record = pdstypes.SessionRecord{
				DID:          result.Session.DID,
				Handle:       result.Session.Handle,
				AccessToken:  result.Session.AccessJwt,
				RefreshToken: result.Session.RefreshJwt,
			}
			return nil
		})
	})
	return record, err
}

// step7PersistNewSession writes the freshly created destination session.
func (o *Orchestrator) step7PersistNewSession(record pdstypes.SessionRecord) error {
	return o.store.Put(pdstypes.SlotNew, record)
}

// step8CheckAccountStatus reports the destination's current state. The
// caller aborts if it is already activated, which would mean either the
// migration already finished or another process is mid-flight against the
// same account.
func (o *Orchestrator) step8CheckAccountStatus(ctx context.Context, newSession pdstypes.SessionRecord) (*pdstypes.AccountStatus, bool, error) {
	var status *pdstypes.AccountStatus
	err := o.withStep(ctx, "check_account_status", func() error {
		return retryNetwork(ctx, o.cfg, o.logger, o.bus, "check_account_status", func() error {
			result, err := o.newClient.CheckAccountStatus(ctx, newSession.AccessToken)
			if err != nil {
				return err
			}
			status = result
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return status, status.Activated, nil
}

// runRepoAndBlobs covers steps 9-15: repo export/import followed by blob
// enumeration and transfer. Each sub-phase is gated on its own progress
// flag so a resumed run skips whatever a prior process already completed.
func (o *Orchestrator) runRepoAndBlobs(ctx context.Context, prog *pdstypes.MigrationProgress, oldSession, newSession pdstypes.SessionRecord) error {
	var archive []byte

	if !prog.RepoImported {
		err := o.withStep(ctx, "export_repo", func() error {
			return retryNetwork(ctx, o.cfg, o.logger, o.bus, "export_repo", func() error {
				data, err := o.oldClient.ExportRepo(ctx, oldSession.AccessToken)
				if err != nil {
					return err
				}
				archive = data
				prog.RepoExported = true
				return o.store.PutProgress(oldSession.DID, *prog)
			})
		})
		if err != nil {
			return err
		}

		err = o.withStep(ctx, "import_repo", func() error {
			return retryNetwork(ctx, o.cfg, o.logger, o.bus, "import_repo", func() error {
				if err := o.newClient.ImportRepo(ctx, newSession.AccessToken, archive); err != nil {
					return err
				}
				prog.RepoImported = true
				return o.store.PutProgress(oldSession.DID, *prog)
			})
		})
		if err != nil {
			return err
		}
	}

	if !prog.BlobsImported {
		refs, err := o.enumerateBlobs(ctx, oldSession, newSession)
		if err != nil {
			return err
		}
		prog.BlobsChecked = true
		prog.TotalBlobCount = len(refs)
		if err := o.store.PutProgress(oldSession.DID, *prog); err != nil {
			return err
		}

		if err := o.transferBlobs(ctx, prog, oldSession, newSession, refs); err != nil {
			return err
		}
		prog.BlobsImported = true
		if err := o.store.PutProgress(oldSession.DID, *prog); err != nil {
			return err
		}
	}

	return nil
}

// enumerateBlobs implements step 11: either listMissingBlobs on the
// destination or listBlobs on the source, per configuration.
func (o *Orchestrator) enumerateBlobs(ctx context.Context, oldSession, newSession pdstypes.SessionRecord) ([]pdstypes.BlobRef, error) {
	var refs []pdstypes.BlobRef

	err := o.withStep(ctx, "enumerate_blobs", func() error {
		cursor := ""
		for {
			var page []pdstypes.BlobRef
			var next string

			switch o.cfg.BlobEnumeration {
			case config.EnumerateSyncListBlobs:
				var cidPage *pdsclient.CIDPage
				err := retryNetwork(ctx, o.cfg, o.logger, o.bus, "enumerate_blobs", func() error {
					result, err := o.oldClient.ListBlobs(ctx, oldSession.AccessToken, oldSession.DID, cursor, o.cfg.BlobListPageSize, "")
					if err != nil {
						return err
					}
					cidPage = result
					return nil
				})
				if err != nil {
					return err
				}
				for _, cid := range cidPage.CIDs {
					page = append(page, pdstypes.BlobRef{CID: cid})
				}
				next = cidPage.NextCursor
			default:
				var blobPage *pdsclient.BlobPage
				err := retryNetwork(ctx, o.cfg, o.logger, o.bus, "enumerate_blobs", func() error {
					result, err := o.newClient.ListMissingBlobs(ctx, newSession.AccessToken, cursor, o.cfg.BlobListPageSize)
					if err != nil {
						return err
					}
					blobPage = result
					return nil
				})
				if err != nil {
					return err
				}
				page = blobPage.Refs
				next = blobPage.NextCursor
			}

			refs = append(refs, page...)
			if next == "" {
				return nil
			}
			cursor = next
		}
	})

	return refs, err
}

// transferBlobs implements steps 12-15: pick a strategy and run it.
func (o *Orchestrator) transferBlobs(ctx context.Context, prog *pdstypes.MigrationProgress, oldSession, newSession pdstypes.SessionRecord, refs []pdstypes.BlobRef) error {
	if len(refs) == 0 {
		return nil
	}

	return o.withStep(ctx, "transfer_blobs", func() error {
		strategy := o.sel.Select(refs, o.router.ActiveName(), transfer.AvailableMemory())

		input := transfer.Input{
			Blobs:          refs,
			OldAccessToken: oldSession.AccessToken,
			NewAccessToken: newSession.AccessToken,
			OldClient:      o.oldClient,
			NewClient:      o.newClient,
			Router:         o.router,
			Bus:            o.bus,
			Config:         o.cfg,
		}

		result, err := strategy.Execute(ctx, input)
		if err != nil {
			return err
		}

		prog.ImportedBlobCount = result.Uploaded
		if len(result.Failed) > 0 {
			// Per-blob failures are already on the bus (emitted by the
			// strategy itself); collecting them here would duplicate events.
			o.logger.Warn().Int("failed_count", len(result.Failed)).Msg("some blobs could not be transferred")
		}
		return o.store.PutProgress(oldSession.DID, *prog)
	})
}

// runPreferences implements step 16.
func (o *Orchestrator) runPreferences(ctx context.Context, prog *pdstypes.MigrationProgress, oldSession, newSession pdstypes.SessionRecord) error {
	if prog.PreferencesImported {
		return nil
	}

	return o.withStep(ctx, "migrate_preferences", func() error {
		return retryNetwork(ctx, o.cfg, o.logger, o.bus, "migrate_preferences", func() error {
			prefs, err := o.oldClient.ExportPreferences(ctx, oldSession.AccessToken)
			if err != nil {
				return err
			}
			prog.PreferencesExported = true

			if err := o.newClient.ImportPreferences(ctx, newSession.AccessToken, prefs); err != nil {
				return err
			}
			prog.PreferencesImported = true
			return o.store.PutProgress(oldSession.DID, *prog)
		})
	})
}

// runPlcRequest implements steps 17-18: fetch the recommended PLC
// credentials, store them, then request the emailed verification token and
// pause. Returns awaiting=true when the caller must wait for
// CompleteVerification.
func (o *Orchestrator) runPlcRequest(ctx context.Context, prog *pdstypes.MigrationProgress, oldSession, newSession pdstypes.SessionRecord, did pdstypes.DID) (bool, error) {
	if prog.PlcTokenRequested {
		return true, nil
	}

	err := o.withStep(ctx, "request_plc_signature", func() error {
		return retryNetwork(ctx, o.cfg, o.logger, o.bus, "request_plc_signature", func() error {
			if !prog.PlcRecommended {
				unsigned, err := o.newClient.GetRecommendedDidCredentials(ctx, newSession.AccessToken)
				if err != nil {
					return err
				}
				if err := o.store.PutPendingPlcOp(did, unsigned); err != nil {
					return err
				}
				prog.PlcRecommended = true
				if err := o.store.PutProgress(did, *prog); err != nil {
					return err
				}
			}

			if err := o.oldClient.RequestPlcOperationSignature(ctx, oldSession.AccessToken); err != nil {
				return err
			}
			prog.PlcTokenRequested = true
			return o.store.PutProgress(did, *prog)
		})
	})
	if err != nil {
		return false, err
	}

	o.bus.Publish(progress.Event{Kind: progress.KindWarning, Message: "awaiting emailed PLC verification token"})
	return true, nil
}

// step19SubmitSignedOp exchanges the token for a signed operation and
// submits it to the destination.
func (o *Orchestrator) step19SubmitSignedOp(ctx context.Context, prog *pdstypes.MigrationProgress, oldSession, newSession pdstypes.SessionRecord, did pdstypes.DID, unsigned pdstypes.PlcOperation, token string) error {
	if prog.PlcSubmitted {
		return nil
	}

	return o.withStep(ctx, "submit_plc_operation", func() error {
		return retryNetwork(ctx, o.cfg, o.logger, o.bus, "submit_plc_operation", func() error {
			signed, err := o.oldClient.SignPlcOperation(ctx, oldSession.AccessToken, unsigned, token)
			if err != nil {
				return err
			}
			if err := o.newClient.SubmitPlcOperation(ctx, newSession.AccessToken, signed); err != nil {
				return err
			}
			prog.PlcSubmitted = true
			if err := o.store.PutProgress(did, *prog); err != nil {
				return err
			}
			return o.store.DeletePendingPlcOp(did)
		})
	})
}

// step20Finalize activates the destination and deactivates the source.
// Deactivation failure is downgraded to a warning, never aborts the run.
func (o *Orchestrator) step20Finalize(ctx context.Context, prog *pdstypes.MigrationProgress, oldSession, newSession pdstypes.SessionRecord) error {
	if !prog.NewAccountActivated {
		err := o.withStep(ctx, "activate_new_account", func() error {
			return retryNetwork(ctx, o.cfg, o.logger, o.bus, "activate_new_account", func() error {
				if err := o.newClient.ActivateAccount(ctx, newSession.AccessToken); err != nil {
					return err
				}
				prog.NewAccountActivated = true
				return o.store.PutProgress(oldSession.DID, *prog)
			})
		})
		if err != nil {
			return err
		}
	}

	if !prog.OldAccountDeactivated {
		o.withStep(ctx, "deactivate_old_account", func() error {
			err := retryNetwork(ctx, o.cfg, o.logger, o.bus, "deactivate_old_account", func() error {
				return o.oldClient.DeactivateAccount(ctx, oldSession.AccessToken)
			})
			if err != nil {
				o.bus.Publish(progress.Event{Kind: progress.KindWarning, Message: "source account deactivation failed: " + err.Error()})
				o.logger.Warn().Err(err).Msg("deactivating source account failed, continuing (best-effort epilogue)")
				return nil
			}
			prog.OldAccountDeactivated = true
			return o.store.PutProgress(oldSession.DID, *prog)
		})
	}

	return nil
}

