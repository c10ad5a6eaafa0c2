// Package taskflowsdk is a client for the TaskFlow document service. A
// Client bound to one collection satisfies the remote store used by sync.
package taskflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"taskflow/internal/docstore"
)

// Client is a minimal TaskFlow HTTP API client.
type Client struct {
	BaseURL     string
	Collection  string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	Log         *zap.Logger
	// Reconnect bounds the delay between listen stream reconnects.
	Reconnect Backoff
}

// New creates a client with sane defaults.
func New(baseURL, collection string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Collection: collection,
		Timeout:    10 * time.Second,
	}
}

// Viewer is the identity behind the bearer token.
type Viewer struct {
	Subject     string `json:"subject"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Role        string `json:"role"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Is maps 404 responses to docstore.ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == docstore.ErrNotFound && e.StatusCode == http.StatusNotFound
}

type putRequest struct {
	Fields docstore.Fields `json:"fields"`
}

type queryResponse struct {
	Documents []docstore.Document `json:"documents"`
}

// Health checks the service without credentials.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v1/health", nil, nil)
}

// Me returns the viewer for the configured token.
func (c *Client) Me(ctx context.Context) (Viewer, error) {
	var v Viewer
	err := c.do(ctx, http.MethodGet, "v1/me", nil, &v)
	return v, err
}

// Get fetches a document. A missing document yields an error matching
// docstore.ErrNotFound.
func (c *Client) Get(ctx context.Context, id string) (docstore.Document, error) {
	var d docstore.Document
	err := c.do(ctx, http.MethodGet, c.documentPath(id), nil, &d)
	return d, err
}

// Set writes a document, merging into the stored fields when mergeFields is set.
func (c *Client) Set(ctx context.Context, id string, fields docstore.Fields, mergeFields bool) (docstore.Document, error) {
	var d docstore.Document
	endpoint := c.documentPath(id) + "?merge=" + strconv.FormatBool(mergeFields)
	err := c.do(ctx, http.MethodPut, endpoint, putRequest{Fields: fields}, &d)
	return d, err
}

// Delete removes a document. Requires an admin token.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.documentPath(id), nil, nil)
}

// Query runs an equality query.
func (c *Client) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	var resp queryResponse
	err := c.do(ctx, http.MethodPost, c.collectionPath("query"), q, &resp)
	return resp.Documents, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := c.newRequest(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	return req, nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

func (c *Client) collectionPath(p string) string {
	return fmt.Sprintf("v1/collections/%s/%s", url.PathEscape(c.Collection), strings.TrimLeft(p, "/"))
}

func (c *Client) documentPath(id string) string {
	return c.collectionPath("documents/" + url.PathEscape(id))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) log() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}
