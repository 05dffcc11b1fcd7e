// Package transport is the HTTP executor described in spec.md §4.4: it
// builds the final request URL, attaches the fixed header set, applies
// a per-request timeout, and classifies the response into a decoded
// payload or a tagged error. It is grounded on the request/response
// shape the teacher's http package used for its outbound HTTP calls,
// trimmed to the single execution path the resilient client needs
// (no multipart, no file-save, no server-side retry: retry is owned
// by hevyclient so it can consult the circuit breaker between
// attempts).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"hevysync.dev/agent/internal/herrors"
)

// Request is everything the executor needs to perform one HTTP call.
type Request struct {
	Method  string
	Path    string // joined onto BaseURL
	Query   url.Values
	Headers map[string]string
	// Payload is serialized per the rules in spec.md §4.4: a []byte is
	// passed through untouched, a type with a RawBody() method supplies
	// its own bytes, anything else is JSON-encoded.
	Payload interface{}
	Timeout time.Duration
}

// ResponseView carries the raw outcome of a successful round trip:
// status, headers, and body bytes, before classification.
type ResponseView struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Executor performs HTTP requests against a fixed base URL, attaching
// the api-key header to every call.
type Executor struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New constructs an Executor. The http.Client's Timeout is left at zero;
// each call's deadline comes from its own Request.Timeout via context.
func New(baseURL, apiKey string) *Executor {
	return &Executor{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

// WithHTTPClient overrides the underlying *http.Client, for tests that
// need to substitute a RoundTripper.
func (e *Executor) WithHTTPClient(c *http.Client) *Executor {
	e.client = c
	return e
}

// Do builds and executes req and returns the raw ResponseView for any
// HTTP status; an error is returned only when the request could not be
// built, sent, or read. Status classification is left to Classify.
func (e *Executor) Do(ctx context.Context, req Request) (*ResponseView, error) {
	body, contentType, err := serializePayload(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("serializing request payload: %w", err)
	}

	fullURL := e.baseURL + req.Path
	if len(req.Query) > 0 {
		fullURL += "?" + req.Query.Encode()
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if e.apiKey != "" {
		httpReq.Header.Set("api-key", e.apiKey)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("performing request to %s: %w", req.Path, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body from %s: %w", req.Path, err)
	}

	return &ResponseView{
		Status:  httpResp.StatusCode,
		Headers: httpResp.Header,
		Body:    respBody,
	}, nil
}

// Classify applies spec.md §4.4's response classification table,
// decoding successful bodies into out (a pointer, as for
// json.Unmarshal). It returns nil on success (including 204 and empty
// 2xx bodies, which leave out untouched) and a tagged error otherwise.
func Classify(resp *ResponseView, out interface{}) error {
	switch {
	case resp.Status == 204:
		return nil

	case resp.Status >= 200 && resp.Status <= 299:
		if len(resp.Body) == 0 {
			return nil
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return &herrors.BadJsonError{Status: resp.Status, Body: resp.Body, Cause: err}
		}
		return nil

	case resp.Status == 401:
		return &herrors.InvalidApiKeyError{Body: resp.Body}

	case resp.Status == 400 || resp.Status == 403 || resp.Status == 404 || resp.Status == 429:
		return &herrors.ApiError{Status: resp.Status, Message: stockMessage(resp.Status), Body: resp.Body}

	default:
		return &herrors.ApiError{
			Status:  resp.Status,
			Message: fmt.Sprintf("API request failed with status %d", resp.Status),
			Body:    resp.Body,
		}
	}
}

func stockMessage(status int) string {
	switch status {
	case 400:
		return "bad request"
	case 403:
		return "forbidden"
	case 404:
		return "not found"
	case 429:
		return "rate limited"
	default:
		return fmt.Sprintf("API request failed with status %d", status)
	}
}

// serializePayload applies the ordered rule set from spec.md §4.4: a
// []byte payload passes through untouched; a type with a RawBody()
// ([]byte, string) method supplies its own bytes and content type;
// anything else is JSON-encoded.
func serializePayload(payload interface{}) ([]byte, string, error) {
	if payload == nil {
		return nil, "", nil
	}
	if raw, ok := payload.([]byte); ok {
		return raw, "application/octet-stream", nil
	}
	if rb, ok := payload.(interface{ RawBody() ([]byte, string) }); ok {
		b, ct := rb.RawBody()
		return b, ct, nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	return encoded, "application/json", nil
}
