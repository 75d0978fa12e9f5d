package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/atmove/pdsmigrate/pkg/migerr"
	"github.com/atmove/pdsmigrate/pkg/pdstypes"
)

// FSBackend caches blobs as individual files under a base directory. It
// has no practical quota, the way a local filesystem has effectively
// unlimited space compared to a browser storage bucket; it may be
// unavailable in a sandboxed environment, which Init reports.
type FSBackend struct {
	basePath string
}

// NewFSBackend creates an FSBackend rooted at basePath. The directory is
// created lazily in Init, mirroring the original's capability-probe step.
func NewFSBackend(basePath string) *FSBackend {
	return &FSBackend{basePath: basePath}
}

func (b *FSBackend) Name() string { return "fs" }

// Init probes whether basePath can be created and written to. Failure here
// (e.g. a read-only sandbox) is the signal the Router uses to skip straight
// to the next backend in priority order.
func (b *FSBackend) Init(ctx context.Context) error {
	if err := os.MkdirAll(b.basePath, 0o755); err != nil {
		return fmt.Errorf("%w: fs backend unavailable: %v", migerr.ErrNetwork, err)
	}
	probe := filepath.Join(b.basePath, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("%w: fs backend not writable: %v", migerr.ErrNetwork, err)
	}
	return os.Remove(probe)
}

func (b *FSBackend) path(cid pdstypes.CID) string {
	return filepath.Join(b.basePath, string(cid))
}

func (b *FSBackend) Put(ctx context.Context, cid pdstypes.CID, data []byte) error {
	if err := os.WriteFile(b.path(cid), data, 0o644); err != nil {
		return fmt.Errorf("fs backend put failed: %w", err)
	}
	return nil
}

func (b *FSBackend) PutWithRetry(ctx context.Context, cid pdstypes.CID, data []byte, retries int) error {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if lastErr = b.Put(ctx, cid, data); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return lastErr
}

func (b *FSBackend) Get(ctx context.Context, cid pdstypes.CID) ([]byte, error) {
	data, err := os.ReadFile(b.path(cid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &migerr.NotFoundError{CID: string(cid)}
		}
		return nil, fmt.Errorf("fs backend get failed: %w", err)
	}
	return data, nil
}

func (b *FSBackend) Has(ctx context.Context, cid pdstypes.CID) (bool, error) {
	_, err := os.Stat(b.path(cid))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (b *FSBackend) List(ctx context.Context) ([]pdstypes.CID, error) {
	entries, err := os.ReadDir(b.basePath)
	if err != nil {
		return nil, fmt.Errorf("fs backend list failed: %w", err)
	}
	cids := make([]pdstypes.CID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || e.Name() == ".probe" {
			continue
		}
		cids = append(cids, pdstypes.CID(e.Name()))
	}
	return cids, nil
}

func (b *FSBackend) Usage(ctx context.Context) (Usage, error) {
	entries, err := os.ReadDir(b.basePath)
	if err != nil {
		return Usage{}, fmt.Errorf("fs backend usage failed: %w", err)
	}
	var used uint64
	for _, e := range entries {
		if info, err := e.Info(); err == nil {
			used += uint64(info.Size())
		}
	}
	return Usage{Quota: 0, Used: used}, nil
}

func (b *FSBackend) Clear(ctx context.Context) error {
	entries, err := os.ReadDir(b.basePath)
	if err != nil {
		return fmt.Errorf("fs backend clear failed: %w", err)
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(b.basePath, e.Name())); err != nil {
			return fmt.Errorf("fs backend clear failed: %w", err)
		}
	}
	return nil
}
