package transports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPTransport implements Transport over the REST API.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport builds a transport for baseURL. A nil client uses one
// with a 60s timeout, long enough for blocking group reads.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPTransport{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Call sends the request and decodes the JSON answer.
func (t *HTTPTransport) Call(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := t.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	// 207 and 429 on ingest carry per-event results worth printing.
	if resp.StatusCode >= 300 && !(resp.StatusCode == http.StatusTooManyRequests && isIngestBody(raw)) {
		return apiError(resp, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return apiError(resp, raw)
	}
	return nil
}

func isIngestBody(raw []byte) bool {
	var results struct {
		Results json.RawMessage `json:"results"`
	}
	return json.Unmarshal(raw, &results) == nil && len(results.Results) > 0
}

func apiError(resp *http.Response, raw []byte) error {
	e := &APIError{Status: resp.StatusCode}
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		e.Kind, e.Detail = body.Error, body.Detail
	} else {
		e.Kind = http.StatusText(resp.StatusCode)
		e.Detail = strings.TrimSpace(string(raw))
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}
