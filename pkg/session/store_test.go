package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmove/pdsmigrate/pkg/pdstypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), DeriveKey("test-passphrase"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetSessionRoundTrips(t *testing.T) {
	s := newTestStore(t)
	record := pdstypes.SessionRecord{DID: "did:plc:abc", Handle: "alice.test", PDSURL: "https://pds.example", AccessToken: "a", RefreshToken: "r"}

	require.NoError(t, s.Put(pdstypes.SlotOld, record))

	got, ok, err := s.Get(pdstypes.SlotOld)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record, got)
}

func TestGetAbsentSlotReturnsNotOK(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get(pdstypes.SlotNew)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteRemovesSlot(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(pdstypes.SlotOld, pdstypes.SessionRecord{DID: "did:plc:abc"}))
	require.NoError(t, s.Delete(pdstypes.SlotOld))

	_, ok, err := s.Get(pdstypes.SlotOld)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProgressRoundTrips(t *testing.T) {
	s := newTestStore(t)
	progress := pdstypes.MigrationProgress{RepoExported: true, TotalBlobCount: 5}

	require.NoError(t, s.PutProgress("did:plc:abc", progress))

	got, ok, err := s.GetProgress("did:plc:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, progress, got)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s := newTestStore(t)
	plaintext := []byte("super-secret-token")
	ciphertext, err := s.encrypt(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "super-secret-token")

	decrypted, err := s.decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}
