// Package resolver defines the handle/DID resolution collaborator the
// orchestrator depends on but does not implement in full: production use
// is expected to supply a DNS-over-HTTPS-backed Resolver. The default
// implementation here only tries the well-known DID document fallback
// over plain HTTP, which is enough for local testing and for PDSes that
// serve it directly.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/atmove/pdsmigrate/pkg/migerr"
	"github.com/atmove/pdsmigrate/pkg/pdstypes"
)

// Resolver resolves a handle to a DID and a DID to its current PDS URL.
// The core calls exactly these two methods; it does not care how they are
// implemented.
type Resolver interface {
	ResolveHandle(ctx context.Context, handle pdstypes.Handle) (pdstypes.DID, error)
	ResolvePDS(ctx context.Context, did pdstypes.DID) (string, error)
}

// WellKnown is a minimal Resolver that only tries the well-known DID
// document path (`/.well-known/did.json`) the original implementation
// falls back to after DNS TXT lookup fails. It does not perform
// DNS-over-HTTPS resolution: a handle is assumed to double as an HTTPS
// host serving its own DID document.
type WellKnown struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewWellKnown creates a WellKnown resolver with the given per-call
// timeout.
func NewWellKnown(timeout time.Duration) *WellKnown {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WellKnown{httpClient: &http.Client{}, timeout: timeout}
}

// didDocument is the subset of a DID document this resolver needs: the
// service endpoint naming the account's PDS.
type didDocument struct {
	ID      string `json:"id"`
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// ResolveHandle fetches `https://<handle>/.well-known/did.json` and
// returns its `id` field as the DID. Returns a ResolveError wrapping
// ErrResolution on any failure; DNS TXT record resolution (the preferred
// path in a browser-hosted original) is out of scope here.
func (w *WellKnown) ResolveHandle(ctx context.Context, handle pdstypes.Handle) (pdstypes.DID, error) {
	if handle == "" {
		return "", &migerr.ResolveError{Kind: migerr.ResolveInvalidHandle, Handle: string(handle)}
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	url := fmt.Sprintf("https://%s/.well-known/did.json", handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &migerr.ResolveError{Kind: migerr.ResolveInvalidHandle, Handle: string(handle)}
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", &migerr.ResolveError{Kind: migerr.ResolveNoDIDsFound, Domain: string(handle)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &migerr.ResolveError{Kind: migerr.ResolveNoDIDsFound, Domain: string(handle)}
	}

	var doc didDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil || doc.ID == "" {
		return "", &migerr.ResolveError{Kind: migerr.ResolveDidDocumentFailed, Domain: string(handle)}
	}

	return pdstypes.DID(doc.ID), nil
}

// ResolvePDS fetches the DID document for did from
// https://plc.directory/<did> and returns the AtprotoPersonalDataServer
// service endpoint.
func (w *WellKnown) ResolvePDS(ctx context.Context, did pdstypes.DID) (string, error) {
	if did == "" {
		return "", &migerr.ResolveError{Kind: migerr.ResolvePdsEndpointNotFound, DID: string(did)}
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	url := fmt.Sprintf("https://plc.directory/%s", did)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &migerr.ResolveError{Kind: migerr.ResolvePdsEndpointNotFound, DID: string(did)}
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", &migerr.ResolveError{Kind: migerr.ResolveDidDocumentFailed, DID: string(did)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &migerr.ResolveError{Kind: migerr.ResolvePdsEndpointNotFound, DID: string(did)}
	}

	var doc didDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", &migerr.ResolveError{Kind: migerr.ResolveDidDocumentFailed, DID: string(did)}
	}

	for _, svc := range doc.Service {
		if svc.Type == "AtprotoPersonalDataServer" {
			return svc.ServiceEndpoint, nil
		}
	}

	return "", &migerr.ResolveError{Kind: migerr.ResolvePdsEndpointNotFound, DID: string(did)}
}
