// Package pdsclient implements the typed XRPC surface the orchestrator
// drives against a source or destination Personal Data Server. Each
// operation is one method wrapping a bounded-timeout HTTP call, following
// the same per-call context.WithTimeout shape used throughout this
// codebase's other RPC-style clients.
package pdsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/atmove/pdsmigrate/pkg/log"
	"github.com/atmove/pdsmigrate/pkg/metrics"
	"github.com/atmove/pdsmigrate/pkg/migerr"
	"github.com/atmove/pdsmigrate/pkg/pdstypes"
)

// Client is a stateless wrapper around one PDS base URL. It holds no
// session state of its own; callers pass bearer tokens per call. The
// source and destination PDS each get their own Client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	timeout    time.Duration
	component  string
}

// New creates a Client for the PDS at baseURL. timeout applies to every
// call via context.WithTimeout; the caller's own context is still honored
// if it carries an earlier deadline.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		logger:     log.WithComponent("pdsclient"),
		timeout:    timeout,
	}
}

// Component labels this Client's reports to the package-level health
// checker, e.g. "old_pds" or "new_pds". Unlabeled clients (the zero
// value, used freely by tests) simply skip health reporting.
func (c *Client) Component(name string) *Client {
	c.component = name
	return c
}

// Session is the minimal credential set required to authorize a call.
// Distinct from pdstypes.SessionRecord, which also carries refresh/PDS URL
// bookkeeping the client does not need.
type Session struct {
	AccessToken string
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) url(nsid string) string {
	return fmt.Sprintf("%s/xrpc/%s", c.baseURL, nsid)
}

// reportHealth updates this Client's labeled health component, if any.
func (c *Client) reportHealth(healthy bool, message string) {
	if c.component == "" {
		return
	}
	metrics.UpdateComponent(c.component, healthy, message)
}

// do issues an HTTP request and translates transport/status failures into
// the shared error taxonomy. A 2xx response is returned verbatim; callers
// decode the body themselves since shapes differ per operation.
func (c *Client) do(ctx context.Context, req *http.Request, op string) (*http.Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.PdsRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PdsRequestsTotal.WithLabelValues(op, "error").Inc()
		c.reportHealth(false, fmt.Sprintf("%s: %v", op, err))
		return nil, fmt.Errorf("%w: %s: %v", migerr.ErrNetwork, op, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.PdsRequestsTotal.WithLabelValues(op, "success").Inc()
		c.reportHealth(true, "")
		return resp, nil
	}

	metrics.PdsRequestsTotal.WithLabelValues(op, "error").Inc()
	// a non-2xx response still means the PDS is reachable; only a
	// transport-level failure marks the component unhealthy.
	c.reportHealth(true, "")

	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if op == "com.atproto.server.createSession" {
			return nil, fmt.Errorf("%w: %s", migerr.ErrInvalidCredentials, op)
		}
		return nil, fmt.Errorf("%w: %s", migerr.ErrSessionExpired, op)
	}

	return nil, &migerr.PdsError{Op: op, Status: resp.StatusCode, Body: string(body)}
}

func (c *Client) postJSON(ctx context.Context, nsid string, token string, in, out any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode %s request: %v", migerr.ErrProtocol, nsid, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(nsid), body)
	if err != nil {
		return fmt.Errorf("%w: build %s request: %v", migerr.ErrNetwork, nsid, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.do(ctx, req, nsid)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode %s response: %v", migerr.ErrProtocol, nsid, err)
		}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, nsid string, token string, query map[string]string, out any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(nsid), nil)
	if err != nil {
		return fmt.Errorf("%w: build %s request: %v", migerr.ErrNetwork, nsid, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	q := req.URL.Query()
	for k, v := range query {
		if v != "" {
			q.Set(k, v)
		}
	}
	req.URL.RawQuery = q.Encode()

	resp, err := c.do(ctx, req, nsid)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode %s response: %v", migerr.ErrProtocol, nsid, err)
		}
	}
	return nil
}

// CreateSessionResult is createSession's success shape.
type CreateSessionResult struct {
	DID          pdstypes.DID     `json:"did"`
	Handle       pdstypes.Handle  `json:"handle"`
	AccessJwt    string           `json:"accessJwt"`
	RefreshJwt   string           `json:"refreshJwt"`
}

// CreateSession authenticates against the PDS. A 401 is translated to
// ErrInvalidCredentials, distinct from a SessionExpired on any other call.
func (c *Client) CreateSession(ctx context.Context, identifier, password string) (*CreateSessionResult, error) {
	var out CreateSessionResult
	in := map[string]string{"identifier": identifier, "password": password}
	if err := c.postJSON(ctx, "com.atproto.server.createSession", "", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefreshSession exchanges a refresh token for a new session.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*CreateSessionResult, error) {
	var out CreateSessionResult
	if err := c.postJSON(ctx, "com.atproto.server.refreshSession", refreshToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DescribeServer returns the destination's identity and capabilities.
func (c *Client) DescribeServer(ctx context.Context) (*pdstypes.ServerDescription, error) {
	var out pdstypes.ServerDescription
	if err := c.getJSON(ctx, "com.atproto.server.describeServer", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckAccountStatus is the sole input to the Resume Engine's checkpoint
// inference.
func (c *Client) CheckAccountStatus(ctx context.Context, accessToken string) (*pdstypes.AccountStatus, error) {
	var out pdstypes.AccountStatus
	if err := c.getJSON(ctx, "com.atproto.server.checkAccountStatus", accessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ServiceAuthResult carries a short-lived JWT scoped to one XRPC method.
type ServiceAuthResult struct {
	Token string `json:"token"`
}

// GetServiceAuth requests a token from the source PDS authorizing a single
// call (createAccount) against the destination's audience DID.
func (c *Client) GetServiceAuth(ctx context.Context, accessToken string, audience pdstypes.DID, lxm string, exp time.Time) (*ServiceAuthResult, error) {
	var out ServiceAuthResult
	query := map[string]string{
		"aud": string(audience),
		"lxm": lxm,
		"exp": fmt.Sprintf("%d", exp.Unix()),
	}
	if err := c.getJSON(ctx, "com.atproto.server.getServiceAuth", accessToken, query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateAccountInput is createAccount's request shape.
type CreateAccountInput struct {
	DID               pdstypes.DID    `json:"did"`
	Handle            pdstypes.Handle `json:"handle"`
	Password          string          `json:"password"`
	Email             string          `json:"email"`
	InviteCode        string          `json:"inviteCode,omitempty"`
	ServiceAuthToken  string          `json:"-"`
}

// CreateAccountResult is createAccount's success shape. Session holds the
// new account's credentials on success, or the credentials the server
// included in an AlreadyExists error body (a resumable call); it is nil
// when AlreadyExists came without credentials.
type CreateAccountResult struct {
	Session *CreateSessionResult
}

// CreateAccount creates the account on the destination using the existing
// DID and a source-issued service auth token. If the destination reports
// AlreadyExists and includes session credentials in the error body, this
// is treated as success per step 6's resumability contract.
func (c *Client) CreateAccount(ctx context.Context, in CreateAccountInput) (*CreateAccountResult, error) {
	reqBody := map[string]any{
		"did":      in.DID,
		"handle":   in.Handle,
		"password": in.Password,
		"email":    in.Email,
	}
	if in.InviteCode != "" {
		reqBody["inviteCode"] = in.InviteCode
	}

	var out CreateSessionResult
	err := c.postJSON(ctx, "com.atproto.server.createAccount", in.ServiceAuthToken, reqBody, &out)
	if err == nil {
		return &CreateAccountResult{Session: &out}, nil
	}

	var pdsErr *migerr.PdsError
	if asPdsError(err, &pdsErr) && pdsErr.IsAlreadyExists() {
		var sessionBody CreateSessionResult
		if jsonErr := json.Unmarshal([]byte(pdsErr.Body), &sessionBody); jsonErr == nil && sessionBody.AccessJwt != "" {
			c.logger.Info().Str("did", string(in.DID)).Msg("createAccount AlreadyExists carried a session, treating as resumable")
			return &CreateAccountResult{Session: &sessionBody}, nil
		}
		return &CreateAccountResult{Session: nil}, nil
	}

	return nil, err
}

func asPdsError(err error, target **migerr.PdsError) bool {
	pe, ok := err.(*migerr.PdsError)
	if ok {
		*target = pe
	}
	return ok
}

// ExportRepo retrieves the full repository archive from the source.
func (c *Client) ExportRepo(ctx context.Context, accessToken string) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("com.atproto.sync.getRepo"), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build exportRepo request: %v", migerr.ErrNetwork, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.do(ctx, req, "exportRepo")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read exportRepo body: %v", migerr.ErrNetwork, err)
	}
	return data, nil
}

// ImportRepo uploads the archive to the destination. The body must never
// be compressed by the caller: the server expects a raw CAR file.
func (c *Client) ImportRepo(ctx context.Context, accessToken string, archive []byte) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("com.atproto.repo.importRepo"), bytes.NewReader(archive))
	if err != nil {
		return fmt.Errorf("%w: build importRepo request: %v", migerr.ErrNetwork, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/vnd.ipld.car")
	req.ContentLength = int64(len(archive))

	resp, err := c.do(ctx, req, "importRepo")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// BlobPage is one cursor page of a blob listing.
type BlobPage struct {
	Refs       []pdstypes.BlobRef
	NextCursor string
}

// ListMissingBlobs asks the destination which blobs it still needs.
func (c *Client) ListMissingBlobs(ctx context.Context, accessToken, cursor string, limit int) (*BlobPage, error) {
	var out struct {
		BlobRefs []pdstypes.BlobRef `json:"blobRefs"`
		Cursor   string             `json:"cursor"`
	}
	query := map[string]string{"cursor": cursor, "limit": fmt.Sprintf("%d", limit)}
	if err := c.getJSON(ctx, "com.atproto.repo.listMissingBlobs", accessToken, query, &out); err != nil {
		return nil, err
	}
	return &BlobPage{Refs: out.BlobRefs, NextCursor: out.Cursor}, nil
}

// CIDPage is one cursor page of a source blob inventory listing.
type CIDPage struct {
	CIDs       []pdstypes.CID
	NextCursor string
}

// ListBlobs asks the source for its full blob inventory, used when
// config.EnumerateSyncListBlobs is selected instead of missing-blob
// enumeration.
func (c *Client) ListBlobs(ctx context.Context, accessToken string, did pdstypes.DID, cursor string, limit int, since string) (*CIDPage, error) {
	var out struct {
		CIDs   []pdstypes.CID `json:"cids"`
		Cursor string         `json:"cursor"`
	}
	query := map[string]string{
		"did":    string(did),
		"cursor": cursor,
		"limit":  fmt.Sprintf("%d", limit),
		"since":  since,
	}
	if err := c.getJSON(ctx, "com.atproto.sync.listBlobs", accessToken, query, &out); err != nil {
		return nil, err
	}
	return &CIDPage{CIDs: out.CIDs, NextCursor: out.Cursor}, nil
}

// GetBlob streams one blob's bytes from the source.
func (c *Client) GetBlob(ctx context.Context, accessToken string, cid pdstypes.CID) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("com.atproto.sync.getBlob"), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build getBlob request: %v", migerr.ErrNetwork, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	q := req.URL.Query()
	q.Set("cid", string(cid))
	req.URL.RawQuery = q.Encode()

	resp, err := c.do(ctx, req, "getBlob")
	if err != nil {
		var pdsErr *migerr.PdsError
		if asPdsError(err, &pdsErr) && pdsErr.Status == http.StatusNotFound {
			return nil, &migerr.NotFoundError{CID: string(cid)}
		}
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read getBlob body: %v", migerr.ErrNetwork, err)
	}
	return data, nil
}

// UploadBlob sends one blob's bytes to the destination. The body must
// never be pre-compressed; Content-Length is mandatory.
func (c *Client) UploadBlob(ctx context.Context, accessToken string, data []byte) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("com.atproto.repo.uploadBlob"), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: build uploadBlob request: %v", migerr.ErrNetwork, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))

	resp, err := c.do(ctx, req, "uploadBlob")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// ExportPreferences retrieves the opaque preferences document from the
// source.
func (c *Client) ExportPreferences(ctx context.Context, accessToken string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.getJSON(ctx, "app.bsky.actor.getPreferences", accessToken, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ImportPreferences writes a preferences document to the destination.
func (c *Client) ImportPreferences(ctx context.Context, accessToken string, prefs json.RawMessage) error {
	in := map[string]json.RawMessage{"preferences": prefs}
	return c.postJSON(ctx, "app.bsky.actor.putPreferences", accessToken, in, nil)
}

// GetRecommendedDidCredentials fetches the unsigned PLC operation the
// destination recommends for this account.
func (c *Client) GetRecommendedDidCredentials(ctx context.Context, accessToken string) (pdstypes.PlcOperation, error) {
	var out pdstypes.PlcOperation
	if err := c.getJSON(ctx, "com.atproto.identity.getRecommendedDidCredentials", accessToken, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RequestPlcOperationSignature triggers the source PDS to email a
// verification token. The orchestrator pauses after this call.
func (c *Client) RequestPlcOperationSignature(ctx context.Context, accessToken string) error {
	return c.postJSON(ctx, "com.atproto.identity.requestPlcOperationSignature", accessToken, nil, nil)
}

// SignPlcOperation exchanges the emailed token and the unsigned operation
// for a signed one, on the source PDS.
func (c *Client) SignPlcOperation(ctx context.Context, accessToken string, unsigned pdstypes.PlcOperation, token string) (pdstypes.PlcOperation, error) {
	in := map[string]any{
		"token":                token,
		"alsoKnownAs":          unsigned["alsoKnownAs"],
		"rotationKeys":         unsigned["rotationKeys"],
		"services":             unsigned["services"],
		"verificationMethods":  unsigned["verificationMethods"],
	}
	var out struct {
		Operation pdstypes.PlcOperation `json:"operation"`
	}
	if err := c.postJSON(ctx, "com.atproto.identity.signPlcOperation", accessToken, in, &out); err != nil {
		return nil, err
	}
	if out.Operation == nil {
		return nil, fmt.Errorf("%w: signPlcOperation response missing operation field", migerr.ErrProtocol)
	}
	return out.Operation, nil
}

// SubmitPlcOperation submits the signed operation to the destination.
func (c *Client) SubmitPlcOperation(ctx context.Context, accessToken string, signed pdstypes.PlcOperation) error {
	in := map[string]any{"operation": signed}
	return c.postJSON(ctx, "com.atproto.identity.submitPlcOperation", accessToken, in, nil)
}

// ActivateAccount marks the destination account live.
func (c *Client) ActivateAccount(ctx context.Context, accessToken string) error {
	return c.postJSON(ctx, "com.atproto.server.activateAccount", accessToken, nil, nil)
}

// DeactivateAccount marks the source account inactive. Failure here is a
// best-effort epilogue per the orchestrator's step 20 contract; callers
// should downgrade an error from this call to a warning, not abort on it.
func (c *Client) DeactivateAccount(ctx context.Context, accessToken string) error {
	return c.postJSON(ctx, "com.atproto.server.deactivateAccount", accessToken, nil, nil)
}
