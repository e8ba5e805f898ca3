package ratelimit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sbiproxy/ingressrl/internal/pool"
)

// BucketRequest is one element of the RLF request array.
type BucketRequest struct {
	Name      string  `json:"name"`
	Watermark float64 `json:"watermark"`
	Amount    int     `json:"amount"`
}

// BucketResult is one element of the RLF response array.
type BucketResult struct {
	RC int  `json:"rc"`
	RA *int `json:"ra,omitempty"`
}

// RLFClient calls the rate-limit decider. Lookup returns the parsed
// per-bucket results in request order, or an error for anything that
// should be handled as a TransportFailure (cluster unreachable, timeout,
// connection reset) — DeciderProtocol conditions (bad status, malformed
// body) are reported through ok=false instead of an error, matching
// §4.6.3's distinction between the two failure kinds.
type RLFClient interface {
	Lookup(ctx context.Context, path string, buckets []BucketRequest) (results []BucketResult, ok bool, err error)
}

// HTTPRLFClient is the production RLFClient, grounded on the teacher's
// DoH transport's use of a context-scoped http.Client and a length-limited
// body reader.
type HTTPRLFClient struct {
	BaseURL    string // e.g. "https://eric-sc-rlf"
	HTTPClient *http.Client
}

// NewHTTPRLFClient builds a client with sane defaults.
func NewHTTPRLFClient(baseURL string) *HTTPRLFClient {
	return &HTTPRLFClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
	}
}

const maxRLFResponseBytes = 65535

// Lookup issues the POST described in spec §4.6.2 and parses the response
// described in §4.6.3.
func (c *HTTPRLFClient) Lookup(ctx context.Context, path string, buckets []BucketRequest) ([]BucketResult, bool, error) {
	buf := pool.GetBuffer(256 * len(buckets))
	body := bytes.NewBuffer(buf)
	if err := json.NewEncoder(body).Encode(buckets); err != nil {
		return nil, false, fmt.Errorf("ratelimit: encoding RLF request: %w", err)
	}
	defer pool.PutBuffer(body.Bytes())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return nil, false, fmt.Errorf("ratelimit: building RLF request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("ratelimit: calling RLF: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRLFResponseBytes))
	if err != nil {
		return nil, false, nil
	}

	var results []BucketResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, false, nil
	}
	if len(results) == 0 {
		return nil, false, nil
	}

	return results, true, nil
}

// WithTimeout returns a context derived from parent and additionally
// bounded by d (20ms when d is not positive); any earlier deadline of
// parent still applies.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 20 * time.Millisecond
	}
	return context.WithTimeout(parent, d)
}
