package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const maxBodySize = 8 << 20

// fetcher performs paced HTTP requests and maps failures to FetchErrors.
type fetcher struct {
	client  *http.Client
	limiter *HostLimiter
}

// do sends req and returns the body for 2xx responses and for any status
// listed in allow. Other statuses become FetchErrors.
func (f *fetcher) do(req *http.Request, allow ...int) ([]byte, int, error) {
	host := req.URL.Host
	if f.limiter != nil {
		if err := f.limiter.Wait(req.Context(), host); err != nil {
			return nil, 0, AsFetchError(err)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fetchErr(ErrUpstreamUnavailable, fmt.Sprintf("%s unreachable", host), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests && f.limiter != nil {
		f.limiter.Backoff(host, retryAfter(resp.Header, f.limiter.now()))
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, s := range allow {
		if resp.StatusCode == s {
			ok = true
		}
	}
	if !ok {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, resp.StatusCode, statusError(host, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, resp.StatusCode, fetchErr(ErrUpstreamUnavailable, fmt.Sprintf("reading %s response", host), err)
	}
	return body, resp.StatusCode, nil
}

// getJSON issues a GET and decodes the response (unwrapping a top-level
// "payload" envelope). Statuses in allow are returned without decoding.
func (f *fetcher) getJSON(ctx context.Context, rawURL string, headers map[string]string, params url.Values, out any, allow ...int) (int, error) {
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}
	return f.sendJSON(ctx, http.MethodGet, rawURL, headers, nil, out, allow...)
}

// postJSON sends body as JSON and decodes the response like getJSON.
func (f *fetcher) postJSON(ctx context.Context, rawURL string, headers map[string]string, body, out any, allow ...int) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fetchErr(ErrUpstreamUnavailable, "encoding request", err)
	}
	return f.sendJSON(ctx, http.MethodPost, rawURL, headers, data, out, allow...)
}

func (f *fetcher) sendJSON(ctx context.Context, method, rawURL string, headers map[string]string, body []byte, out any, allow ...int) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, fetchErr(ErrUpstreamUnavailable, "building request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", browserUserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, status, err := f.do(req, allow...)
	if err != nil {
		return status, err
	}
	if status < 200 || status >= 300 {
		return status, nil
	}
	if err := json.Unmarshal(unwrapPayload(resp), out); err != nil {
		return status, fetchErr(ErrSelectorMismatch, fmt.Sprintf("unexpected response shape from %s", req.URL.Host), err)
	}
	return status, nil
}

func unwrapPayload(body []byte) []byte {
	var env struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.Payload) > 0 {
		if c := env.Payload[0]; c == '{' || c == '[' {
			return env.Payload
		}
	}
	return body
}
