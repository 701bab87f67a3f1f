// Package remote is the client side of the authoritative CRM data store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/crmsync/internal/tenancy"
	"github.com/hrygo/crmsync/plugin/sensitivity"
)

// Record is a remote record as decoded from JSON.
type Record = sensitivity.Record

// Store is the remote data store the sync engine replays writes against.
// Update returns the record as the server stored it.
type Store interface {
	Create(ctx context.Context, resource string, record Record) (Record, error)
	Update(ctx context.Context, resource, id string, record Record) (Record, error)
	Delete(ctx context.Context, resource, id string) error
}

// StatusError is returned when the remote answers with a non-2xx status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote %s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Config holds the HTTP client configuration.
type Config struct {
	// BaseURL is the REST root, e.g. https://crm.example.com/api/v1
	BaseURL string
	// Timeout is the per request timeout
	Timeout time.Duration
}

// Client is a JSON over HTTP Store.
//
//	POST   {base}/{resource}        create
//	PUT    {base}/{resource}/{id}   update
//	DELETE {base}/{resource}/{id}   delete
//
// The caller's tenant and user travel as X-Tenant-ID and X-User-ID headers.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a new remote client.
func NewClient(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Create implements Store.
func (c *Client) Create(ctx context.Context, resource string, record Record) (Record, error) {
	return c.do(ctx, http.MethodPost, "/"+url.PathEscape(resource), record)
}

// Update implements Store.
func (c *Client) Update(ctx context.Context, resource, id string, record Record) (Record, error) {
	return c.do(ctx, http.MethodPut, "/"+url.PathEscape(resource)+"/"+url.PathEscape(id), record)
}

// Delete implements Store.
func (c *Client) Delete(ctx context.Context, resource, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/"+url.PathEscape(resource)+"/"+url.PathEscape(id), nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, record Record) (Record, error) {
	if c.config.BaseURL == "" {
		return nil, errors.New("remote base url is not configured")
	}

	var body io.Reader
	if record != nil {
		data, err := json.Marshal(record)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode record")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if caller, ok := tenancy.FromContext(ctx); ok {
		req.Header.Set("X-Tenant-ID", caller.TenantID)
		req.Header.Set("X-User-ID", caller.UserID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "remote %s %s failed", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var result Record
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "failed to decode response")
	}
	return result, nil
}
