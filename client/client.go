package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/svcfields"
)

const (
	// DefaultHTTPTimeout bounds a single API request. Commit may block for
	// the whole prepare and commit phases, so keep it above the server's
	// prepare timeout plus commit retries.
	DefaultHTTPTimeout = 2 * time.Minute

	headerRequestID  = "X-Request-Id"
	maxResponseBytes = 4 << 20
)

var (
	// ErrInvalidTransaction matches API errors for unknown or expired
	// transaction ids.
	ErrInvalidTransaction = errors.New("tpcd: invalid transaction")
	// ErrPartialCommit matches commits that decided COMMIT but left
	// participants unacknowledged.
	ErrPartialCommit = errors.New("tpcd: commit partial failure")
)

// APIError is a non-2xx answer from the coordinator.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for diagnostics.
	Body []byte
	// RequestID echoes the X-Request-Id the server logged the call under.
	RequestID string
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		if e.Response.Detail != "" {
			return fmt.Sprintf("tpcd: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
		}
		return "tpcd: " + e.Response.ErrorCode
	}
	return fmt.Sprintf("tpcd: status %d", e.Status)
}

// Is reports invalid_transaction answers as ErrInvalidTransaction.
func (e *APIError) Is(target error) bool {
	return target == ErrInvalidTransaction && e.Response.ErrorCode == "invalid_transaction"
}

// PartialCommitError lists participants that never acknowledged COMMIT.
type PartialCommitError struct {
	TxnID    string
	Failures []api.ParticipantFailure
}

func (e *PartialCommitError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.Participant)
	}
	return fmt.Sprintf("tpcd: transaction %s committed with unacknowledged participants: %s", e.TxnID, strings.Join(ids, ", "))
}

func (e *PartialCommitError) Unwrap() error { return ErrPartialCommit }

// Client talks to one coordinator endpoint.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	httpTimeout time.Duration
	logger      pslog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		c.logger = svcfields.WithSubsystem(logger, svcfields.ClientSDK)
	}
}

// WithHTTPTimeout bounds each request. Zero or negative disables the
// per-request deadline and relies on the caller's context.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpTimeout = d
	}
}

// New builds a client for the coordinator at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse baseURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("baseURL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("baseURL %q: missing host", baseURL)
	}
	c := &Client{
		baseURL:     trimmed,
		httpTimeout: DefaultHTTPTimeout,
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return c, nil
}

// BaseURL returns the normalised coordinator endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// Begin starts a transaction and returns its id.
func (c *Client) Begin(ctx context.Context) (string, error) {
	var resp api.BeginResponse
	if err := c.do(ctx, http.MethodPost, "/v1/txn/begin", struct{}{}, &resp); err != nil {
		return "", err
	}
	c.logger.Debug("client.txn.begin", "txn_id", resp.TxnID)
	return resp.TxnID, nil
}

// Enlist adds participant (an id registered on the coordinator or an HTTP
// participant base URL) to txnID and returns the participants enlisted so
// far, in enlistment order.
func (c *Client) Enlist(ctx context.Context, txnID, participant string) ([]string, error) {
	if txnID == "" || participant == "" {
		return nil, fmt.Errorf("txnID and participant required")
	}
	var resp api.EnlistResponse
	req := api.EnlistRequest{TxnID: txnID, Participant: participant}
	if err := c.do(ctx, http.MethodPost, "/v1/txn/enlist", req, &resp); err != nil {
		return nil, err
	}
	c.logger.Debug("client.txn.enlist", "txn_id", txnID, "participant", participant)
	return resp.Participants, nil
}

// Commit runs two-phase commit for txnID. A COMMIT decision that some
// participants never acknowledged returns the response together with a
// *PartialCommitError.
func (c *Client) Commit(ctx context.Context, txnID string) (api.CommitResponse, error) {
	if txnID == "" {
		return api.CommitResponse{}, fmt.Errorf("txnID required")
	}
	var resp api.CommitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/txn/commit", api.TxnRequest{TxnID: txnID}, &resp); err != nil {
		return api.CommitResponse{}, err
	}
	c.logger.Debug("client.txn.commit", "txn_id", txnID, "committed", resp.Committed, "state", resp.State)
	if len(resp.PartialFailures) > 0 {
		return resp, &PartialCommitError{TxnID: txnID, Failures: resp.PartialFailures}
	}
	return resp, nil
}

// Rollback aborts txnID. RolledBack is false when the transaction had
// already committed.
func (c *Client) Rollback(ctx context.Context, txnID string) (api.RollbackResponse, error) {
	if txnID == "" {
		return api.RollbackResponse{}, fmt.Errorf("txnID required")
	}
	var resp api.RollbackResponse
	if err := c.do(ctx, http.MethodPost, "/v1/txn/rollback", api.TxnRequest{TxnID: txnID}, &resp); err != nil {
		return api.RollbackResponse{}, err
	}
	c.logger.Debug("client.txn.rollback", "txn_id", txnID, "rolled_back", resp.RolledBack)
	return resp, nil
}

// Status returns the coordinator's view of txnID.
func (c *Client) Status(ctx context.Context, txnID string) (api.StatusResponse, error) {
	if txnID == "" {
		return api.StatusResponse{}, fmt.Errorf("txnID required")
	}
	var resp api.StatusResponse
	path := "/v1/txn/status?txn_id=" + url.QueryEscape(txnID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return api.StatusResponse{}, err
	}
	return resp, nil
}

// List returns every transaction the coordinator still tracks.
func (c *Client) List(ctx context.Context) ([]api.StatusResponse, error) {
	var resp api.TxnListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/txn/list", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// Health probes /healthz.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &resp); err != nil {
		return api.HealthResponse{}, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.httpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpTimeout)
		defer cancel()
	}
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	reqID := xid.New().String()
	req.Header.Set(headerRequestID, reqID)
	start := time.Now()
	c.logger.Trace("client.http.request", "method", method, "path", path, "req_id", reqID)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("client.http.error", "method", method, "path", path, "req_id", reqID, "error", err)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.logger.Trace("client.http.response", "method", method, "path", path, "req_id", reqID, "status", resp.StatusCode, "elapsed", time.Since(start))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp, data, reqID)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response, data []byte, reqID string) error {
	if echoed := resp.Header.Get(headerRequestID); echoed != "" {
		reqID = echoed
	}
	apiErr := &APIError{Status: resp.StatusCode, Body: data, RequestID: reqID}
	if len(data) > 0 {
		// a non-JSON body leaves Response empty but keeps Body
		_ = json.Unmarshal(data, &apiErr.Response)
	}
	return apiErr
}
