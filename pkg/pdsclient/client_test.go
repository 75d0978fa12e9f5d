package pdsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmove/pdsmigrate/pkg/migerr"
	"github.com/atmove/pdsmigrate/pkg/pdstypes"
)

func TestCreateSessionSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/com.atproto.server.createSession", r.URL.Path)
		json.NewEncoder(w).Encode(CreateSessionResult{DID: "did:plc:abc", Handle: "alice.test", AccessJwt: "a", RefreshJwt: "r"})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	result, err := c.CreateSession(context.Background(), "alice.test", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, pdstypes.DID("did:plc:abc"), result.DID)
}

func TestCreateSessionInvalidCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"AuthenticationRequired"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.CreateSession(context.Background(), "alice.test", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, migerr.ErrInvalidCredentials)
}

func TestCheckAccountStatusSessionExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"ExpiredToken"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.CheckAccountStatus(context.Background(), "stale-token")
	require.Error(t, err)
	assert.ErrorIs(t, err, migerr.ErrSessionExpired)
}

func TestCreateAccountAlreadyExistsWithSessionIsResumable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		body, _ := json.Marshal(map[string]any{
			"error":      "AlreadyExists",
			"message":    "account already exists",
			"did":        "did:plc:abc",
			"handle":     "alice.new",
			"accessJwt":  "new-access",
			"refreshJwt": "new-refresh",
		})
		w.Write(body)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	result, err := c.CreateAccount(context.Background(), CreateAccountInput{
		DID: "did:plc:abc", Handle: "alice.new", Password: "p", Email: "a@example.com",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Session)
	assert.Equal(t, "new-access", result.Session.AccessJwt)
}

func TestCreateAccountAlreadyExistsWithoutSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"AlreadyExists","message":"taken"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	result, err := c.CreateAccount(context.Background(), CreateAccountInput{DID: "did:plc:abc"})
	require.NoError(t, err)
	assert.Nil(t, result.Session)
}

func TestGetBlobNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.GetBlob(context.Background(), "token", "bafyabc")
	require.Error(t, err)
	assert.ErrorIs(t, err, migerr.ErrNotFound)
}

func TestUploadBlobSetsContentLengthAndType(t *testing.T) {
	var gotType string
	var gotLen int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		gotLen = r.ContentLength
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	payload := []byte("blob-bytes")
	err := c.UploadBlob(context.Background(), "token", payload)
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", gotType)
	assert.EqualValues(t, len(payload), gotLen)
}

func TestListMissingBlobsPagination(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		cursor := r.URL.Query().Get("cursor")
		if cursor == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"blobRefs": []pdstypes.BlobRef{{CID: "a"}},
				"cursor":   "page2",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"blobRefs": []pdstypes.BlobRef{{CID: "b"}},
			"cursor":   "",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	var all []pdstypes.BlobRef
	cursor := ""
	for {
		page, err := c.ListMissingBlobs(context.Background(), "token", cursor, 500)
		require.NoError(t, err)
		all = append(all, page.Refs...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Len(t, all, 2)
	assert.Equal(t, 2, calls)
}
