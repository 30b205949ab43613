// Package biomed implements source adapters for the public biomedical
// APIs the playbooks federate. A shared JSON client translates HTTP
// failures into the typed adapter error kinds the governor retries on;
// each adapter normalizes its API's response shape into flat records.
package biomed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/converge-bio/converge-go/internal/domain"
)

const maxErrorBody = 64 << 10

type Client struct {
	source  string
	baseURL string
	http    *http.Client
}

func NewClient(source, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		source:  source,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// GetJSON issues one GET and decodes the JSON body. A top-level array is
// wrapped under "results" so callers always see an object.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values) (map[string]any, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, domain.NewAdapterError(c.source, domain.AdapterErrInvalidRequest, err.Error())
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, c.statusError(resp)
	}

	var decoded any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, domain.NewAdapterError(c.source, domain.AdapterErrUpstream, fmt.Sprintf("decode response: %v", err))
	}
	switch typed := decoded.(type) {
	case map[string]any:
		return typed, nil
	case []any:
		return map[string]any{"results": typed}, nil
	default:
		return nil, domain.NewAdapterError(c.source, domain.AdapterErrUpstream, fmt.Sprintf("unexpected response type %T", decoded))
	}
}

func (c *Client) transportError(err error) *domain.AdapterError {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewAdapterError(c.source, domain.AdapterErrTimeout, "request deadline exceeded")
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.NewAdapterError(c.source, domain.AdapterErrTimeout, err.Error())
	}
	return domain.NewAdapterError(c.source, domain.AdapterErrUpstream, err.Error())
}

func (c *Client) statusError(resp *http.Response) *domain.AdapterError {
	kind := classifyStatus(resp.StatusCode)
	message := fmt.Sprintf("HTTP %d", resp.StatusCode)
	if detail := errorDetail(resp.Body); detail != "" {
		message += " - " + detail
	}
	return domain.NewAdapterError(c.source, kind, message)
}

func classifyStatus(status int) domain.AdapterErrorKind {
	switch {
	case status == http.StatusRequestTimeout:
		return domain.AdapterErrTimeout
	case status == http.StatusTooManyRequests:
		return domain.AdapterErrRateLimited
	case status == http.StatusNotFound:
		return domain.AdapterErrNotFound
	case status >= 400 && status < 500:
		return domain.AdapterErrInvalidRequest
	default:
		return domain.AdapterErrUpstream
	}
}

// errorDetail pulls a human-readable message out of a JSON error body,
// trying the field names the upstream APIs actually use.
func errorDetail(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil {
		return ""
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ""
	}
	for _, field := range []string{"error", "message", "detail", "error_message"} {
		if v, ok := decoded[field].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func stringParam(params map[string]any, name string) (string, bool) {
	v, ok := params[name]
	if !ok {
		return "", false
	}
	switch typed := v.(type) {
	case string:
		trimmed := strings.TrimSpace(typed)
		return trimmed, trimmed != ""
	case fmt.Stringer:
		trimmed := strings.TrimSpace(typed.String())
		return trimmed, trimmed != ""
	default:
		return "", false
	}
}

// queryTermParam accepts a string or a list of strings and joins the list
// into one search term, so a prior step's gene list can feed a query param
// directly.
func queryTermParam(params map[string]any, name string) (string, bool) {
	if s, ok := stringParam(params, name); ok {
		return s, true
	}
	var items []any
	switch typed := params[name].(type) {
	case []any:
		items = typed
	case []string:
		items = make([]any, len(typed))
		for i, s := range typed {
			items[i] = s
		}
	default:
		return "", false
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			parts = append(parts, strings.TrimSpace(s))
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, " "), true
}

func missingParam(source, capability, name string) *domain.AdapterError {
	return domain.NewAdapterError(source, domain.AdapterErrInvalidRequest,
		fmt.Sprintf("%s requires param %q", capability, name))
}

func unknownCapability(source, capability string) *domain.AdapterError {
	return domain.NewAdapterError(source, domain.AdapterErrInvalidRequest,
		fmt.Sprintf("unknown capability %q", capability))
}
