package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atmove/pdsmigrate/pkg/blobstore"
	"github.com/atmove/pdsmigrate/pkg/config"
	"github.com/atmove/pdsmigrate/pkg/pdsclient"
	"github.com/atmove/pdsmigrate/pkg/pdstypes"
	"github.com/atmove/pdsmigrate/pkg/progress"
	"github.com/atmove/pdsmigrate/pkg/session"
	"github.com/atmove/pdsmigrate/pkg/transfer"
)

// fakeCounters tracks how many times certain endpoints were hit, used to
// assert non-repetition across a resumed run (testable property 6).
type fakeCounters struct {
	createAccountCalls     int32
	submitPlcOpCalls       int32
	newCreateSessionCalls  int32
}

func newOldPDS(t *testing.T, counters *fakeCounters) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.createSession":
			json.NewEncoder(w).Encode(map[string]string{
				"did": "did:plc:alice", "handle": "alice.old.example",
				"accessJwt": "old-access", "refreshJwt": "old-refresh",
			})
		case "/xrpc/com.atproto.server.getServiceAuth":
			json.NewEncoder(w).Encode(map[string]string{"token": "svc-token"})
		case "/xrpc/com.atproto.sync.getRepo":
			w.Write([]byte("fake-car-archive"))
		case "/xrpc/com.atproto.sync.getBlob":
			cid := r.URL.Query().Get("cid")
			w.Write([]byte("blob-" + cid))
		case "/xrpc/app.bsky.actor.getPreferences":
			json.NewEncoder(w).Encode([]map[string]string{})
		case "/xrpc/com.atproto.identity.requestPlcOperationSignature":
			w.WriteHeader(http.StatusOK)
		case "/xrpc/com.atproto.identity.signPlcOperation":
			var in map[string]any
			json.NewDecoder(r.Body).Decode(&in)
			json.NewEncoder(w).Encode(map[string]any{
				"operation": map[string]any{"alsoKnownAs": []string{"at://alice.new.example"}},
			})
		case "/xrpc/com.atproto.server.deactivateAccount":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newNewPDS(t *testing.T, counters *fakeCounters, accountExists *bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.describeServer":
			json.NewEncoder(w).Encode(map[string]string{"did": "did:web:new.example"})
		case "/xrpc/com.atproto.server.createSession":
			atomic.AddInt32(&counters.newCreateSessionCalls, 1)
			if !*accountExists {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "InvalidCredentials"})
				return
			}
			json.NewEncoder(w).Encode(map[string]string{
				"did": "did:plc:alice", "handle": "alice.new.example",
				"accessJwt": "new-access", "refreshJwt": "new-refresh",
			})
		case "/xrpc/com.atproto.server.createAccount":
			atomic.AddInt32(&counters.createAccountCalls, 1)
			*accountExists = true
			json.NewEncoder(w).Encode(map[string]string{
				"did": "did:plc:alice", "handle": "alice.new.example",
				"accessJwt": "new-access", "refreshJwt": "new-refresh",
			})
		case "/xrpc/com.atproto.server.checkAccountStatus":
			json.NewEncoder(w).Encode(pdstypes.AccountStatus{
				ValidDID: true, Activated: false, RepoBlocks: 10, ExpectedBlobs: 2, ImportedBlobs: 2,
			})
		case "/xrpc/com.atproto.repo.importRepo":
			w.WriteHeader(http.StatusOK)
		case "/xrpc/com.atproto.repo.listMissingBlobs":
			json.NewEncoder(w).Encode(map[string]any{
				"blobRefs": []pdstypes.BlobRef{{CID: "a"}, {CID: "b"}},
				"cursor":   "",
			})
		case "/xrpc/com.atproto.repo.uploadBlob":
			w.WriteHeader(http.StatusOK)
		case "/xrpc/app.bsky.actor.putPreferences":
			w.WriteHeader(http.StatusOK)
		case "/xrpc/com.atproto.identity.getRecommendedDidCredentials":
			json.NewEncoder(w).Encode(map[string]any{
				"alsoKnownAs": []string{"at://alice.new.example"},
				"rotationKeys": []string{"did:key:z123"},
				"services": map[string]any{},
				"verificationMethods": map[string]any{},
			})
		case "/xrpc/com.atproto.identity.submitPlcOperation":
			atomic.AddInt32(&counters.submitPlcOpCalls, 1)
			w.WriteHeader(http.StatusOK)
		case "/xrpc/com.atproto.server.activateAccount":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestOrchestrator(t *testing.T, oldURL, newURL string) (*Orchestrator, *session.Store) {
	t.Helper()

	store, err := session.Open(t.TempDir(), session.DeriveKey("test-passphrase"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := progress.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	kv := blobstore.NewKVBackend(0)
	router, err := blobstore.NewRouter(context.Background(), []blobstore.Backend{kv}, 3, nil)
	require.NoError(t, err)

	sel := transfer.NewSelector(5)

	oldClient := pdsclient.New(oldURL, 5*time.Second)
	newClient := pdsclient.New(newURL, 5*time.Second)

	cfg := config.Default()
	cfg.MigrationRetries = 0

	return New(cfg, store, bus, router, sel, oldClient, newClient), store
}

func TestRunPausesAtPlcVerificationThenCompletes(t *testing.T) {
	counters := &fakeCounters{}
	exists := false

	oldSrv := newOldPDS(t, counters)
	t.Cleanup(oldSrv.Close)
	newSrv := newNewPDS(t, counters, &exists)
	t.Cleanup(newSrv.Close)

	orch, _ := newTestOrchestrator(t, oldSrv.URL, newSrv.URL)

	result, err := orch.Run(context.Background(), Params{
		OldIdentifier: "alice.old.example",
		OldPassword:   "pw",
		NewHandle:     "alice.new.example",
		NewPassword:   "pw2",
		NewEmail:      "alice@example.com",
	})
	require.NoError(t, err)
	require.True(t, result.AwaitingVerification)
	require.False(t, result.Completed)
	require.EqualValues(t, 1, counters.createAccountCalls)

	final, err := orch.CompleteVerification(context.Background(), result.DID, "emailed-token")
	require.NoError(t, err)
	require.True(t, final.Completed)
	require.EqualValues(t, 1, counters.submitPlcOpCalls)
}

func TestRunResumeDoesNotRepeatCreateAccountOrSubmitPlcOp(t *testing.T) {
	counters := &fakeCounters{}
	exists := false

	oldSrv := newOldPDS(t, counters)
	t.Cleanup(oldSrv.Close)
	newSrv := newNewPDS(t, counters, &exists)
	t.Cleanup(newSrv.Close)

	dataDir := t.TempDir()
	key := session.DeriveKey("test-passphrase")

	store, err := session.Open(dataDir, key)
	require.NoError(t, err)

	bus := progress.NewBus()
	bus.Start()
	kv := blobstore.NewKVBackend(0)
	router, err := blobstore.NewRouter(context.Background(), []blobstore.Backend{kv}, 3, nil)
	require.NoError(t, err)
	sel := transfer.NewSelector(5)
	oldClient := pdsclient.New(oldSrv.URL, 5*time.Second)
	newClient := pdsclient.New(newSrv.URL, 5*time.Second)
	cfg := config.Default()
	cfg.MigrationRetries = 0

	orch1 := New(cfg, store, bus, router, sel, oldClient, newClient)
	result1, err := orch1.Run(context.Background(), Params{
		OldIdentifier: "alice.old.example",
		OldPassword:   "pw",
		NewHandle:     "alice.new.example",
		NewPassword:   "pw2",
		NewEmail:      "alice@example.com",
	})
	require.NoError(t, err)
	require.True(t, result1.AwaitingVerification)
	bus.Stop()
	store.Close()

	// Simulate a fresh process: new Bus, new Orchestrator, and the same
	// on-disk Session Store reopened; the Router and clients are reused.
	store2, err := session.Open(dataDir, key)
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })
	bus2 := progress.NewBus()
	bus2.Start()
	t.Cleanup(bus2.Stop)

	orch2 := New(cfg, store2, bus2, router, sel, oldClient, newClient)
	result2, err := orch2.CompleteVerification(context.Background(), result1.DID, "emailed-token")
	require.NoError(t, err)
	require.True(t, result2.Completed)

	require.EqualValues(t, 1, counters.createAccountCalls, "createAccount must not be repeated across a resumed run")
	require.EqualValues(t, 1, counters.submitPlcOpCalls, "submitPlcOperation must not be repeated across a resumed run")
}

func TestCheckpointHintAndBackfillRoundTrip(t *testing.T) {
	var prog pdstypes.MigrationProgress
	prog.PreferencesImported = true

	hint := checkpointHint(prog)
	require.Equal(t, pdstypes.CheckpointPreferencesMigrated, hint)

	var fresh pdstypes.MigrationProgress
	backfillProgress(&fresh, pdstypes.CheckpointBlobsMigrated)
	require.True(t, fresh.RepoExported)
	require.True(t, fresh.RepoImported)
	require.True(t, fresh.BlobsChecked)
	require.True(t, fresh.BlobsImported)
	require.False(t, fresh.PreferencesImported)
}
