package migerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPdsErrorIsAlreadyExists(t *testing.T) {
	e := &PdsError{Op: "createAccount", Status: 400, Body: `{"error":"AlreadyExists","message":"taken"}`}
	assert.True(t, e.IsAlreadyExists())

	other := &PdsError{Op: "createAccount", Status: 400, Body: `{"error":"InvalidRequest"}`}
	assert.False(t, other.IsAlreadyExists())

	malformed := &PdsError{Op: "createAccount", Status: 400, Body: `not json`}
	assert.False(t, malformed.IsAlreadyExists())
}

func TestQuotaErrorUnwrapsToSentinel(t *testing.T) {
	err := &QuotaError{Backend: "idb", Cause: errors.New("disk full")}
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Contains(t, err.Error(), "idb")
}

func TestNotFoundErrorUnwrapsToSentinel(t *testing.T) {
	err := &NotFoundError{CID: "bafy123"}
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "bafy123")
}

func TestResolveErrorUnwrapsToSentinel(t *testing.T) {
	err := &ResolveError{Kind: ResolveNoDIDsFound, Domain: "example.com"}
	require.ErrorIs(t, err, ErrResolution)
	assert.Contains(t, err.Error(), "example.com")
}

func TestResolveErrorKinds(t *testing.T) {
	cases := []*ResolveError{
		{Kind: ResolveMultipleDIDsFound, Domain: "x.com", DIDs: []string{"did:plc:a", "did:plc:b"}},
		{Kind: ResolveConflictingDIDs, Handle: "alice.test", DIDs: []string{"did:plc:a", "did:plc:b"}},
		{Kind: ResolveInvalidHandle, Handle: "not a handle"},
		{Kind: ResolvePdsEndpointNotFound, DID: "did:plc:a"},
		{Kind: ResolveDidDocumentFailed, DID: "did:plc:a"},
	}
	for _, c := range cases {
		assert.NotEmpty(t, c.Error())
		assert.ErrorIs(t, c, ErrResolution)
	}
}
