package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmove/pdsmigrate/pkg/migerr"
)

func backendsToTest(t *testing.T) map[string]Backend {
	t.Helper()
	fs := NewFSBackend(t.TempDir())
	require.NoError(t, fs.Init(context.Background()))

	idb := NewIDBBackend(t.TempDir(), 0)
	require.NoError(t, idb.Init(context.Background()))
	t.Cleanup(func() { idb.Close() })

	kv := NewKVBackend(0)
	require.NoError(t, kv.Init(context.Background()))

	return map[string]Backend{"fs": fs, "idb": idb, "kv": kv}
}

func TestBackendPutThenHasAndGet(t *testing.T) {
	for name, backend := range backendsToTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, backend.Put(ctx, "cid1", []byte("hello")))

			has, err := backend.Has(ctx, "cid1")
			require.NoError(t, err)
			assert.True(t, has)

			data, err := backend.Get(ctx, "cid1")
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), data)
		})
	}
}

func TestBackendGetMissingReturnsNotFound(t *testing.T) {
	for name, backend := range backendsToTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := backend.Get(context.Background(), "missing")
			assert.ErrorIs(t, err, migerr.ErrNotFound)
		})
	}
}

func TestKVBackendQuotaExceeded(t *testing.T) {
	kv := NewKVBackend(10)
	err := kv.Put(context.Background(), "cid1", make([]byte, 20))
	require.Error(t, err)
	assert.ErrorIs(t, err, migerr.ErrQuotaExceeded)
}

func TestBackendClearRemovesAll(t *testing.T) {
	for name, backend := range backendsToTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, backend.Put(ctx, "cid1", []byte("x")))
			require.NoError(t, backend.Clear(ctx))

			cids, err := backend.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, cids)
		})
	}
}

func TestUsageHelpers(t *testing.T) {
	u := Usage{Quota: 100, Used: 90}
	assert.True(t, u.NearCapacity())
	assert.Equal(t, uint64(10), u.Available())
	assert.True(t, u.CanFit(10))
	assert.False(t, u.CanFit(11))

	unlimited := Usage{Quota: 0, Used: 1 << 40}
	assert.False(t, unlimited.NearCapacity())
	assert.True(t, unlimited.CanFit(1<<50))
}
