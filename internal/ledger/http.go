package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

var ErrInvalidClientConfig = errors.New("ledger: invalid client config")

type ClientOption func(*HTTPClient) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidClientConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *HTTPClient) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidClientConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// HTTPClient submits transfers to the ledger's POST /v1/transfers endpoint.
//
// A 2xx answer carries the transfer status. 4xx answers other than 408 and
// 429 are definite rejections, and so is a failure to connect at all.
// Everything else, including errors after the request was written, leaves the
// outcome unknown.
type HTTPClient struct {
	baseURL      *url.URL
	authToken    string
	hc           *http.Client
	maxRespBytes int64
}

var _ Ledger = (*HTTPClient)(nil)

type transferResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func NewHTTPClient(baseURL string, authToken string, opts ...ClientOption) (*HTTPClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidClientConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidClientConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidClientConfig)
	}

	c := &HTTPClient{
		baseURL:      u,
		authToken:    authToken,
		hc:           &http.Client{Timeout: 30 * time.Second},
		maxRespBytes: 64 << 10,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *HTTPClient) Transfer(ctx context.Context, req Request) (Result, error) {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return Result{}, fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}

	b, err := EncodeIntent(req)
	if err != nil {
		return Result{}, err
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, "/v1/transfers")

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return Result{}, fmt.Errorf("ledger: build request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	r.Header.Set("Idempotency-Key", req.Intent().ExternalID)
	if c.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		if dialFailed(err) {
			return Result{}, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return Result{}, fmt.Errorf("ledger: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return Result{}, err
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return Result{Status: StatusPending}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case definiteRejection(resp.StatusCode):
		return Result{}, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, errorMessage(resp, body))
	default:
		return Result{}, fmt.Errorf("ledger: status %d: %s", resp.StatusCode, errorMessage(resp, body))
	}

	var out transferResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{}, fmt.Errorf("ledger: unmarshal response: %w", err)
	}
	st, err := ParseStatus(out.Status)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: st, Reason: out.Reason}, nil
}

// dialFailed reports whether err happened before a connection existed, so
// the request cannot have reached the ledger.
func dialFailed(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func definiteRejection(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

func errorMessage(resp *http.Response, body []byte) string {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return resp.Status
	}
	var er struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		return er.Error
	}
	return msg
}

func joinPath(basePath string, suffix string) string {
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("ledger: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("ledger: response too large")
	}
	return b, nil
}
