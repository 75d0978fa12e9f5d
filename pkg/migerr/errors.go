// Package migerr defines the error taxonomy shared by every component of
// the migration tool. Callers classify failures by errors.Is/errors.As
// against the sentinels here rather than matching strings.
package migerr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap one of these with fmt.Errorf("%w: ...") to attach
// detail; never return a bare string where a kind applies.
var (
	// ErrNetwork covers transport failure, timeout, and TLS errors. Retryable.
	ErrNetwork = errors.New("network error")

	// ErrSessionExpired means the PDS rejected the bearer token. Callers may
	// refresh once and retry; a second failure is terminal for that call.
	ErrSessionExpired = errors.New("session expired")

	// ErrInvalidCredentials is a 401 on createSession. Terminal.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrQuotaExceeded means a blob store backend is full. Triggers router
	// fallback; see blobstore.Router.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrNotFound is a blob cache miss. Never surfaced past the router.
	ErrNotFound = errors.New("blob not found")

	// ErrResolution means a handle or DID could not be resolved. Terminal
	// at step boundaries.
	ErrResolution = errors.New("resolution failed")

	// ErrProtocol indicates an invariant violation in a PDS response, such
	// as a signed PLC operation missing its operation field.
	ErrProtocol = errors.New("protocol violation")
)

// PdsError is a structured PDS failure: an XRPC operation returned a non-2xx
// status with a JSON error body. AlreadyExists is detected with
// IsAlreadyExists and handled by the caller, since the recovery path (treat
// as success when a session is present) is operation-specific, not generic.
type PdsError struct {
	Op     string
	Status int
	Body   string
}

func (e *PdsError) Error() string {
	return fmt.Sprintf("pds operation %s failed (status %d): %s", e.Op, e.Status, e.Body)
}

// IsAlreadyExists reports whether the PDS error body carries the
// AlreadyExists discriminant used by createAccount.
func (e *PdsError) IsAlreadyExists() bool {
	return bodyErrorField(e.Body) == "AlreadyExists"
}

// bodyErrorField extracts the top-level "error" field from a JSON error body.
// Returns "" if the body is not a JSON object with that field.
func bodyErrorField(body string) string {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		return ""
	}
	return envelope.Error
}

// QuotaError wraps ErrQuotaExceeded with the backend name that rejected a
// write, letting the Router decide the next fallback target.
type QuotaError struct {
	Backend string
	Cause   error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("backend %q quota exceeded: %v", e.Backend, e.Cause)
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// NotFoundError wraps ErrNotFound with the missing CID.
type NotFoundError struct {
	CID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("blob %s not found", e.CID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ResolveError is the closed taxonomy of handle/DID resolution failures,
// richer than the single Resolution kind callers outside the resolver see.
// It always unwraps to ErrResolution.
type ResolveError struct {
	Kind   ResolveErrorKind
	Handle string
	DID    string
	Domain string
	DIDs   []string
}

// ResolveErrorKind enumerates the ways handle/DID resolution can fail.
type ResolveErrorKind string

const (
	ResolveNoDIDsFound         ResolveErrorKind = "no_dids_found"
	ResolveMultipleDIDsFound   ResolveErrorKind = "multiple_dids_found"
	ResolveConflictingDIDs     ResolveErrorKind = "conflicting_dids"
	ResolveInvalidHandle       ResolveErrorKind = "invalid_handle"
	ResolvePdsEndpointNotFound ResolveErrorKind = "pds_endpoint_not_found"
	ResolveDidDocumentFailed   ResolveErrorKind = "did_document_resolution_failed"
)

func (e *ResolveError) Error() string {
	switch e.Kind {
	case ResolveNoDIDsFound:
		return fmt.Sprintf("no DID found for domain %s", e.Domain)
	case ResolveMultipleDIDsFound:
		return fmt.Sprintf("multiple DIDs found for domain %s: %v", e.Domain, e.DIDs)
	case ResolveConflictingDIDs:
		return fmt.Sprintf("conflicting DIDs found for handle %s: %v", e.Handle, e.DIDs)
	case ResolveInvalidHandle:
		return fmt.Sprintf("invalid handle: %s", e.Handle)
	case ResolvePdsEndpointNotFound:
		return fmt.Sprintf("no PDS endpoint found for DID %s", e.DID)
	case ResolveDidDocumentFailed:
		return fmt.Sprintf("failed to resolve DID document for %s", e.DID)
	default:
		return fmt.Sprintf("resolution failed: %s", e.Kind)
	}
}

func (e *ResolveError) Unwrap() error {
	return ErrResolution
}
