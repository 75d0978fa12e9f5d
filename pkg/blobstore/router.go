package blobstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/atmove/pdsmigrate/pkg/log"
	"github.com/atmove/pdsmigrate/pkg/metrics"
	"github.com/atmove/pdsmigrate/pkg/migerr"
	"github.com/atmove/pdsmigrate/pkg/pdstypes"
	"github.com/atmove/pdsmigrate/pkg/progress"
)

// Router owns exactly one active Backend at a time, chosen at construction
// by probing a priority list and falling back on quota or transient
// failure. On fallback the abandoned backend's contents are left behind:
// the source PDS remains authoritative, so nothing migrates the old
// backend's cache to the new one.
type Router struct {
	mu                  sync.Mutex
	candidates          []Backend
	activeIndex         int
	maxFallbackAttempts int
	checksums           map[pdstypes.CID]blake2bSize
	logger              zerolog.Logger
	bus                 *progress.Bus
}

// blake2bSize mirrors blake2b.Size256 without importing the package here,
// keeping the checksum type local to this file's bookkeeping map.
type blake2bSize = [32]byte

// NewRouter probes candidates in priority order (index 0 highest) and
// commits to the first that initializes successfully and answers a usage
// query. candidates must be non-empty. bus may be nil; if set, the Router
// publishes its initial backend pick and every later fallback to it.
func NewRouter(ctx context.Context, candidates []Backend, maxFallbackAttempts int, bus *progress.Bus) (*Router, error) {
	if len(candidates) == 0 {
		return nil, errors.New("blobstore: no candidate backends provided")
	}
	if maxFallbackAttempts < 1 {
		maxFallbackAttempts = 3
	}

	r := &Router{
		candidates:          candidates,
		maxFallbackAttempts: maxFallbackAttempts,
		checksums:           make(map[pdstypes.CID][32]byte),
		logger:              log.WithComponent("blobstore"),
		bus:                 bus,
	}

	for i, backend := range candidates {
		if err := backend.Init(ctx); err != nil {
			r.logger.Warn().Str("backend", backend.Name()).Err(err).Msg("backend failed to initialize, trying next")
			continue
		}
		if _, err := backend.Usage(ctx); err != nil {
			r.logger.Warn().Str("backend", backend.Name()).Err(err).Msg("backend failed usage probe, trying next")
			continue
		}
		r.activeIndex = i
		r.logger.Info().Str("backend", backend.Name()).Msg("blob store backend selected")
		r.publish(progress.Event{Kind: progress.KindBlobStoreActive, ToBackend: backend.Name()})
		metrics.UpdateComponent("blob_store", true, "")
		return r, nil
	}

	metrics.UpdateComponent("blob_store", false, "no candidate backend could be initialized")
	return nil, fmt.Errorf("%w: no candidate backend could be initialized", migerr.ErrNetwork)
}

// publish is a nil-safe wrapper: a Router built without a bus works
// identically, it just reports nothing.
func (r *Router) publish(e progress.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

// Active returns the currently selected backend.
func (r *Router) Active() Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.candidates[r.activeIndex]
}

// ActiveName returns the currently selected backend's name.
func (r *Router) ActiveName() string {
	return r.Active().Name()
}

// TryFallback demotes the Router to the next backend in priority order.
// The previous backend's contents are abandoned. Returns an error if
// already on the last candidate.
func (r *Router) TryFallback(ctx context.Context, reason error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.candidates[r.activeIndex].Name()
	for next := r.activeIndex + 1; next < len(r.candidates); next++ {
		if err := r.candidates[next].Init(ctx); err != nil {
			r.logger.Warn().Str("backend", r.candidates[next].Name()).Err(err).Msg("fallback candidate failed to initialize")
			continue
		}
		r.activeIndex = next
		to := r.candidates[next].Name()
		r.logger.Warn().
			Str("from_backend", from).
			Str("to_backend", to).
			Err(reason).
			Msg("blob store backend fallback")
		r.publish(progress.Event{Kind: progress.KindBlobStoreFallback, FromBackend: from, ToBackend: to, Message: reason.Error()})
		metrics.UpdateComponent("blob_store", true, "")
		return nil
	}

	metrics.UpdateComponent("blob_store", false, fmt.Sprintf("no further fallback backend available after %s", from))
	return fmt.Errorf("blobstore: no further fallback backend available after %s", from)
}

// StoreWithFallback stores a blob, classifying failures and either
// retrying on the active backend, demoting once, or giving up. At most
// maxFallbackAttempts total attempts are made across backends (the current
// backend counts as the first attempt).
func (r *Router) StoreWithFallback(ctx context.Context, cid pdstypes.CID, data []byte) error {
	var lastErr error
	for attempt := 0; attempt < r.maxFallbackAttempts; attempt++ {
		backend := r.Active()
		err := backend.PutWithRetry(ctx, cid, data, 2)
		if err == nil {
			sum := checksum(data)
			r.mu.Lock()
			r.checksums[cid] = sum
			r.mu.Unlock()
			return nil
		}
		lastErr = err

		if !isFallbackTrigger(err) {
			return err
		}

		if fbErr := r.TryFallback(ctx, err); fbErr != nil {
			return lastErr
		}
	}
	return fmt.Errorf("blobstore: store_with_fallback exhausted %d attempts: %w", r.maxFallbackAttempts, lastErr)
}

// isFallbackTrigger reports whether an error should cause the Router to
// demote to the next backend. Only quota and transient backend failures
// qualify; NotFound and protocol errors never trigger a demotion.
func isFallbackTrigger(err error) bool {
	var quotaErr *migerr.QuotaError
	if errors.As(err, &quotaErr) {
		return true
	}
	return errors.Is(err, migerr.ErrNetwork)
}

// RetrieveWithFallback performs a best-effort lookup across every backend
// the Router knows about, starting with the active one, used only during
// recovery when a blob may have been stored on an already-abandoned
// backend. Prefers a backend whose stored checksum matches what was
// recorded at write time.
func (r *Router) RetrieveWithFallback(ctx context.Context, cid pdstypes.CID) ([]byte, error) {
	r.mu.Lock()
	wantSum, haveSum := r.checksums[cid]
	order := make([]Backend, 0, len(r.candidates))
	order = append(order, r.candidates[r.activeIndex])
	for i, b := range r.candidates {
		if i != r.activeIndex {
			order = append(order, b)
		}
	}
	r.mu.Unlock()

	var lastErr error
	var fallback []byte
	for _, backend := range order {
		data, err := backend.Get(ctx, cid)
		if err != nil {
			lastErr = err
			continue
		}
		if !haveSum {
			return data, nil
		}
		if checksum(data) == wantSum {
			return data, nil
		}
		if fallback == nil {
			fallback = data
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &migerr.NotFoundError{CID: string(cid)}
}
