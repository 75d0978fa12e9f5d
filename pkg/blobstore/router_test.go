package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmove/pdsmigrate/pkg/pdstypes"
)

func TestNewRouterSkipsFailingBackendsInPriorityOrder(t *testing.T) {
	fail := &alwaysFailInit{name: "fs"}
	ok := NewKVBackend(0)

	r, err := NewRouter(context.Background(), []Backend{fail, ok}, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, "kv", r.ActiveName())
}

func TestStoreWithFallbackDemotesOnQuota(t *testing.T) {
	tiny := NewKVBackend(5)
	ample := NewKVBackend(0)

	r, err := NewRouter(context.Background(), []Backend{tiny, ample}, 3, nil)
	require.NoError(t, err)
	require.Equal(t, "kv", r.ActiveName())

	err = r.StoreWithFallback(context.Background(), "cid1", make([]byte, 100))
	require.NoError(t, err)

	data, err := ample.Get(context.Background(), "cid1")
	require.NoError(t, err)
	assert.Len(t, data, 100)
}

func TestStoreWithFallbackGivesUpAfterMaxAttempts(t *testing.T) {
	tiny1 := NewKVBackend(1)
	tiny2 := NewKVBackend(1)

	r, err := NewRouter(context.Background(), []Backend{tiny1, tiny2}, 2, nil)
	require.NoError(t, err)

	err = r.StoreWithFallback(context.Background(), "cid1", make([]byte, 100))
	require.Error(t, err)
}

func TestRetrieveWithFallbackPrefersChecksumMatch(t *testing.T) {
	active := NewKVBackend(0)
	stale := NewKVBackend(0)

	r, err := NewRouter(context.Background(), []Backend{active, stale}, 3, nil)
	require.NoError(t, err)

	require.NoError(t, r.StoreWithFallback(context.Background(), "cid1", []byte("fresh")))
	// simulate the abandoned backend holding a different, stale copy
	require.NoError(t, stale.Put(context.Background(), "cid1", []byte("stale-copy")))

	data, err := r.RetrieveWithFallback(context.Background(), "cid1")
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), data)
}

type alwaysFailInit struct {
	name string
}

func (a *alwaysFailInit) Name() string                                    { return a.name }
func (a *alwaysFailInit) Init(ctx context.Context) error                  { return assertErr }
func (a *alwaysFailInit) Put(ctx context.Context, cid pdstypes.CID, data []byte) error {
	return assertErr
}
func (a *alwaysFailInit) PutWithRetry(ctx context.Context, cid pdstypes.CID, data []byte, retries int) error {
	return assertErr
}
func (a *alwaysFailInit) Get(ctx context.Context, cid pdstypes.CID) ([]byte, error) {
	return nil, assertErr
}
func (a *alwaysFailInit) Has(ctx context.Context, cid pdstypes.CID) (bool, error) {
	return false, assertErr
}
func (a *alwaysFailInit) List(ctx context.Context) ([]pdstypes.CID, error) { return nil, assertErr }
func (a *alwaysFailInit) Usage(ctx context.Context) (Usage, error)        { return Usage{}, assertErr }
func (a *alwaysFailInit) Clear(ctx context.Context) error                 { return assertErr }

var assertErr = &initError{}

type initError struct{}

func (*initError) Error() string { return "init always fails" }
