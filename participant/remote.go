package participant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/correlation"
)

// Protocol paths relative to a participant endpoint.
const (
	PreparePath  = "/v1/participant/prepare"
	CommitPath   = "/v1/participant/commit"
	RollbackPath = "/v1/participant/rollback"
)

const maxResponseBytes = 1 << 20

// RemoteError is a non-2xx answer from an HTTP participant.
type RemoteError struct {
	Endpoint string
	Status   int
	Code     string
	Detail   string
}

func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("participant %s: http %d", e.Endpoint, e.Status)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Remote drives a participant over HTTP. Its id is the endpoint URL.
type Remote struct {
	endpoint string
	client   *http.Client
}

// RemoteOption customises a Remote.
type RemoteOption func(*Remote)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(r *Remote) {
		if client != nil {
			r.client = client
		}
	}
}

// NewRemote returns a Remote for endpoint (http or https base URL).
func NewRemote(endpoint string, opts ...RemoteOption) (*Remote, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if !IsEndpoint(endpoint) {
		return nil, fmt.Errorf("participant: endpoint %q must be an absolute http(s) URL", endpoint)
	}
	r := &Remote{endpoint: endpoint}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.client == nil {
		r.client = DefaultHTTPClient()
	}
	return r, nil
}

// DefaultHTTPClient returns a client whose transport is instrumented with
// otelhttp.
func DefaultHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// ID returns the endpoint URL.
func (r *Remote) ID() string { return r.endpoint }

// Prepare calls POST <endpoint>/v1/participant/prepare.
func (r *Remote) Prepare(ctx context.Context, txnID string) (Vote, error) {
	var resp api.PrepareResponse
	if err := r.call(ctx, PreparePath, txnID, &resp); err != nil {
		return VoteNo, err
	}
	return ParseVote(resp.Vote)
}

// Commit calls POST <endpoint>/v1/participant/commit.
func (r *Remote) Commit(ctx context.Context, txnID string) error {
	return r.call(ctx, CommitPath, txnID, nil)
}

// Rollback calls POST <endpoint>/v1/participant/rollback.
func (r *Remote) Rollback(ctx context.Context, txnID string) error {
	return r.call(ctx, RollbackPath, txnID, nil)
}

func (r *Remote) call(ctx context.Context, path, txnID string, out any) error {
	body, err := json.Marshal(api.ParticipantRequest{TxnID: txnID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if id := correlation.ID(ctx); id != "" {
		req.Header.Set(correlation.Header, id)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("participant %s: %w", r.endpoint, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("participant %s: read response: %w", r.endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		remoteErr := &RemoteError{Endpoint: r.endpoint, Status: resp.StatusCode}
		var errResp api.ErrorResponse
		if json.Unmarshal(payload, &errResp) == nil {
			remoteErr.Code = errResp.ErrorCode
			remoteErr.Detail = errResp.Detail
		}
		return remoteErr
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("participant %s: decode response: %w", r.endpoint, err)
	}
	return nil
}
