// Package api is the HTTP transport to the compute backend: request and
// response shapes, typed HTTP errors, and raw stream/download bodies.
package api

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

	"jobctl/pkg/sse"
)

// maxResponseSize limits JSON responses to 1MB.
const maxResponseSize = 1 << 20

// ErrBadResponse marks a 2xx response whose body could not be interpreted.
var ErrBadResponse = errors.New("malformed response")

// Client talks to the compute backend.
type Client struct {
	baseURL string
	// http bounds unary calls by the request timeout.
	http *http.Client
	// streaming has no overall timeout; stream and download lifetimes are
	// bounded by the caller's context.
	streaming *http.Client
}

// NewClient creates a backend client with standard transport settings.
func NewClient(baseURL string, timeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: timeout, Transport: transport},
		streaming: &http.Client{Transport: transport},
	}
}

// BaseURL returns the backend root the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ComputeRequest is the body of POST /compute.
type ComputeRequest struct {
	N int64 `json:"n"`
}

// JobResponse is returned by compute, capture and verify.
type JobResponse struct {
	JobID string `json:"job_id"`
}

// OrderRequest is the body of POST /create-order.
type OrderRequest struct {
	N int64 `json:"n"`
}

// OrderResponse carries the provider transaction id.
type OrderResponse struct {
	PaymentID string `json:"paymentID"`
}

// CaptureRequest is the body of POST /capture-order.
type CaptureRequest struct {
	PaymentID string `json:"payment_id"`
	PayerID   string `json:"payer_id"`
	N         int64  `json:"n"`
	Amount    string `json:"amount"`
}

// VerifyRequest is the body of POST /verify-payment.
type VerifyRequest struct {
	TransactionID string `json:"transaction_id"`
}

// Compute submits a job and returns its id.
func (c *Client) Compute(ctx context.Context, n int64) (string, error) {
	var resp JobResponse
	if err := c.postJSON(ctx, "/compute", ComputeRequest{N: n}, &resp); err != nil {
		return "", err
	}
	return requireJobID(resp)
}

// CreateOrder opens a payment order for n and returns the transaction id.
func (c *Client) CreateOrder(ctx context.Context, n int64) (string, error) {
	var resp OrderResponse
	if err := c.postJSON(ctx, "/create-order", OrderRequest{N: n}, &resp); err != nil {
		return "", err
	}
	if resp.PaymentID == "" {
		return "", fmt.Errorf("%w: missing paymentID", ErrBadResponse)
	}
	return resp.PaymentID, nil
}

// CaptureOrder captures an approved payment; the backend submits the job.
func (c *Client) CaptureOrder(ctx context.Context, req CaptureRequest) (string, error) {
	var resp JobResponse
	if err := c.postJSON(ctx, "/capture-order", req, &resp); err != nil {
		return "", err
	}
	return requireJobID(resp)
}

// VerifyPayment resolves an already approved transaction to its job.
func (c *Client) VerifyPayment(ctx context.Context, transactionID string) (string, error) {
	var resp JobResponse
	if err := c.postJSON(ctx, "/verify-payment", VerifyRequest{TransactionID: transactionID}, &resp); err != nil {
		return "", err
	}
	return requireJobID(resp)
}

// OpenStream opens the job's status event stream. The caller closes the body.
func (c *Client) OpenStream(ctx context.Context, jobID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jobURL("/stream-status/", jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", sse.ContentType)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streaming.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream request failed: %w", err)
	}
	if !success(resp.StatusCode) {
		defer resp.Body.Close()
		return nil, readHTTPError(resp)
	}
	return resp.Body, nil
}

// OpenDownload starts the result transfer. The caller closes the body.
func (c *Client) OpenDownload(ctx context.Context, jobID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jobURL("/download/", jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.streaming.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	if !success(resp.StatusCode) {
		defer resp.Body.Close()
		return nil, readHTTPError(resp)
	}
	return resp, nil
}

func (c *Client) jobURL(prefix, jobID string) string {
	return c.baseURL + prefix + url.PathEscape(jobID)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if !success(resp.StatusCode) {
		return readHTTPError(resp)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return nil
}

func requireJobID(resp JobResponse) (string, error) {
	if resp.JobID == "" {
		return "", fmt.Errorf("%w: missing job_id", ErrBadResponse)
	}
	return resp.JobID, nil
}

func success(code int) bool {
	return code >= 200 && code < 300
}
