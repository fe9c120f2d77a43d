// Package exchange implements the HTTP client for the payment network's
// note-issuing exchanges: key download, coin deposit, wire-transfer tracking,
// reserve withdrawal and refund submission.
package exchange

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

	"golang.org/x/time/rate"
)

const maxResponseBody = 4 << 20

// ErrUnreachable wraps transport-level failures so callers can map them to a
// service-unavailable reply.
var ErrUnreachable = errors.New("exchange: unreachable")

// RemoteError is a non-2xx reply from the exchange. The body is kept verbatim
// so the merchant can wrap it unaltered into a failed-dependency response.
type RemoteError struct {
	Status int
	Body   json.RawMessage
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("exchange replied %d: %s", e.Status, truncate(string(e.Body), 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// Client talks to one exchange. Request pacing is bounded by a token-bucket
// limiter so a burst of coin deposits cannot trip the exchange's own limits.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// Option customises the client instance.
type Option func(*Client)

// WithHTTPClient supplies the underlying transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimit bounds outgoing requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewClient constructs a client for the exchange at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("exchange: invalid base url %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(50), 100),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the exchange base URL the client was built for.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var payload io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnreachable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RemoteError{Status: resp.StatusCode, Body: json.RawMessage(data)}
	}
	if respBody != nil {
		if err := json.Unmarshal(data, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Keys fetches the exchange's current key set.
func (c *Client) Keys(ctx context.Context) (*KeysResponse, error) {
	var out KeysResponse
	if err := c.do(ctx, http.MethodGet, "/keys", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deposit submits one coin deposit. The RPC is deliberately detached from the
// caller's cancellation: once fired, a deposit may have side effects at the
// exchange, so it runs to completion under its own absolute deadline and the
// outcome is recorded regardless of the originating HTTP connection.
func (c *Client) Deposit(ctx context.Context, coinPub string, req *DepositRequest) (*DepositConfirmation, error) {
	detached, cancel := context.WithDeadline(context.WithoutCancel(ctx), time.Now().Add(depositDeadline(ctx)))
	defer cancel()
	var out DepositConfirmation
	path := "/coins/" + url.PathEscape(coinPub) + "/deposit"
	if err := c.do(detached, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// depositDeadline derives the absolute budget for a deposit RPC: the
// remaining request time minus a grace margin, clamped to sane bounds.
func depositDeadline(ctx context.Context) time.Duration {
	const (
		floor   = 5 * time.Second
		ceiling = 60 * time.Second
		grace   = 2 * time.Second
	)
	dl, ok := ctx.Deadline()
	if !ok {
		return ceiling
	}
	budget := time.Until(dl) - grace
	if budget < floor {
		return floor
	}
	if budget > ceiling {
		return ceiling
	}
	return budget
}

// TrackTransfer resolves a wire transfer identifier into the deposits it
// aggregated.
func (c *Client) TrackTransfer(ctx context.Context, wtid string) (*TransferResponse, error) {
	var out TransferResponse
	if err := c.do(ctx, http.MethodGet, "/transfers/"+url.PathEscape(wtid), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Withdraw submits one blinded planchet against a reserve.
func (c *Client) Withdraw(ctx context.Context, reservePub string, req *WithdrawRequest) (*WithdrawResponse, error) {
	var out WithdrawResponse
	path := "/reserves/" + url.PathEscape(reservePub) + "/withdraw"
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refund submits a merchant-signed refund permission.
func (c *Client) Refund(ctx context.Context, req *RefundRequest) (*RefundResponse, error) {
	var out RefundResponse
	if err := c.do(ctx, http.MethodPost, "/refund", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
