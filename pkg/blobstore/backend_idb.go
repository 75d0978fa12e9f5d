package blobstore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/atmove/pdsmigrate/pkg/migerr"
	"github.com/atmove/pdsmigrate/pkg/pdstypes"
)

// IDBQuotaBytes is the default quota assigned to the idb backend, modeling
// the host-dependent ~1GB a browser typically grants an IndexedDB origin.
const IDBQuotaBytes = 1 << 30

var idbBucket = []byte("blobs")

// IDBBackend is the Go analogue of an IndexedDB object store: a
// transactional, single-writer-per-bucket embedded database. It is backed
// by bbolt, which shares IndexedDB's transactional-and-persistent
// character closely enough to stand in for it in this port.
type IDBBackend struct {
	dataDir string
	quota   uint64
	db      *bolt.DB
}

// NewIDBBackend creates an IDBBackend rooted at dataDir with the given
// quota (IDBQuotaBytes if zero).
func NewIDBBackend(dataDir string, quota uint64) *IDBBackend {
	if quota == 0 {
		quota = IDBQuotaBytes
	}
	return &IDBBackend{dataDir: dataDir, quota: quota}
}

func (b *IDBBackend) Name() string { return "idb" }

func (b *IDBBackend) Init(ctx context.Context) error {
	dbPath := filepath.Join(b.dataDir, "idb-blobs.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("%w: idb backend unavailable: %v", migerr.ErrNetwork, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(idbBucket)
		return err
	}); err != nil {
		db.Close()
		return fmt.Errorf("%w: idb backend init failed: %v", migerr.ErrNetwork, err)
	}
	b.db = db
	return nil
}

func (b *IDBBackend) Put(ctx context.Context, cid pdstypes.CID, data []byte) error {
	usage, err := b.Usage(ctx)
	if err != nil {
		return err
	}
	if !usage.CanFit(uint64(len(data))) {
		return &migerr.QuotaError{Backend: b.Name(), Cause: fmt.Errorf("used %d of %d bytes", usage.Used, usage.Quota)}
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(idbBucket).Put([]byte(cid), data)
	})
}

func (b *IDBBackend) PutWithRetry(ctx context.Context, cid pdstypes.CID, data []byte, retries int) error {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		lastErr = b.Put(ctx, cid, data)
		if lastErr == nil {
			return nil
		}
		if _, isQuota := lastErr.(*migerr.QuotaError); isQuota {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return lastErr
}

func (b *IDBBackend) Get(ctx context.Context, cid pdstypes.CID) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(idbBucket).Get([]byte(cid))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, &migerr.NotFoundError{CID: string(cid)}
	}
	return data, nil
}

func (b *IDBBackend) Has(ctx context.Context, cid pdstypes.CID) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(idbBucket).Get([]byte(cid)) != nil
		return nil
	})
	return found, err
}

func (b *IDBBackend) List(ctx context.Context) ([]pdstypes.CID, error) {
	var cids []pdstypes.CID
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(idbBucket).ForEach(func(k, v []byte) error {
			cids = append(cids, pdstypes.CID(k))
			return nil
		})
	})
	return cids, err
}

func (b *IDBBackend) Usage(ctx context.Context) (Usage, error) {
	var used uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(idbBucket).ForEach(func(k, v []byte) error {
			used += uint64(len(v))
			return nil
		})
	})
	if err != nil {
		return Usage{}, err
	}
	return Usage{Quota: b.quota, Used: used}, nil
}

func (b *IDBBackend) Clear(ctx context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(idbBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(idbBucket)
		return err
	})
}

// Close releases the underlying database handle.
func (b *IDBBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
