package blobstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmove/pdsmigrate/pkg/migerr"
	"github.com/atmove/pdsmigrate/pkg/pdstypes"
)

// KVQuotaBytes is the default quota for the kv backend, modeling a
// browser key-value store's small effective capacity after base64
// inflation (~5MB raw, here treated as the usable budget directly).
const KVQuotaBytes = 5 * 1 << 20

// KVBackend is a last-resort, small-capacity blob cache. It is
// synchronous at the host API it stands in for (no transactions, no
// streaming), so it is unsuitable for large blobs; the Strategy Selector
// penalizes it accordingly via backend-tier scoring.
type KVBackend struct {
	mu    sync.Mutex
	data  map[pdstypes.CID][]byte
	quota uint64
}

// NewKVBackend creates a KVBackend with the given quota (KVQuotaBytes if
// zero).
func NewKVBackend(quota uint64) *KVBackend {
	if quota == 0 {
		quota = KVQuotaBytes
	}
	return &KVBackend{data: make(map[pdstypes.CID][]byte), quota: quota}
}

func (b *KVBackend) Name() string { return "kv" }

// Init always succeeds: an in-process map has no external failure mode,
// unlike fs or idb which may be denied by the host environment.
func (b *KVBackend) Init(ctx context.Context) error { return nil }

func (b *KVBackend) usageLocked() Usage {
	var used uint64
	for _, v := range b.data {
		used += uint64(len(v))
	}
	return Usage{Quota: b.quota, Used: used}
}

func (b *KVBackend) Put(ctx context.Context, cid pdstypes.CID, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	usage := b.usageLocked()
	if !usage.CanFit(uint64(len(data))) {
		return &migerr.QuotaError{Backend: b.Name(), Cause: fmt.Errorf("used %d of %d bytes", usage.Used, usage.Quota)}
	}
	b.data[cid] = append([]byte(nil), data...)
	return nil
}

// PutWithRetry does not retry quota failures (the map will not shrink on
// its own); it exists only to satisfy the Backend interface uniformly.
func (b *KVBackend) PutWithRetry(ctx context.Context, cid pdstypes.CID, data []byte, retries int) error {
	return b.Put(ctx, cid, data)
}

func (b *KVBackend) Get(ctx context.Context, cid pdstypes.CID) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.data[cid]
	if !ok {
		return nil, &migerr.NotFoundError{CID: string(cid)}
	}
	return append([]byte(nil), data...), nil
}

func (b *KVBackend) Has(ctx context.Context, cid pdstypes.CID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.data[cid]
	return ok, nil
}

func (b *KVBackend) List(ctx context.Context) ([]pdstypes.CID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cids := make([]pdstypes.CID, 0, len(b.data))
	for cid := range b.data {
		cids = append(cids, cid)
	}
	return cids, nil
}

func (b *KVBackend) Usage(ctx context.Context) (Usage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usageLocked(), nil
}

func (b *KVBackend) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = make(map[pdstypes.CID][]byte)
	return nil
}
