// Package catalog talks to the map server's REST API. The client
// treats publication as an opaque capability: it posts resources and
// reads identifiers back, and never interprets the server's own
// resource model beyond that.
package catalog

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

	"github.com/jobrunner/strata/internal/ports/output"
)

// Config holds the map-server connection settings.
type Config struct {
	BaseURL   string
	Workspace string
	Username  string
	Password  string
	Timeout   time.Duration
}

// Client implements output.Catalog against a REST map server.
type Client struct {
	client    *http.Client
	baseURL   string
	workspace string
	username  string
	password  string
}

// NewClient creates a catalog client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Workspace == "" {
		cfg.Workspace = "strata"
	}
	return &Client{
		client:    &http.Client{Timeout: cfg.Timeout},
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		workspace: cfg.Workspace,
		username:  cfg.Username,
		password:  cfg.Password,
	}
}

// EnsureStore creates the named datastore if it does not exist yet.
// A conflict response means another worker created it first; both
// callers report success.
func (c *Client) EnsureStore(ctx context.Context, name string, params map[string]string) (string, error) {
	body := map[string]any{
		"name":                 name,
		"connectionParameters": params,
	}
	resp, err := c.do(ctx, http.MethodPost, c.workspacePath("datastores"), body)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		return name, nil
	case resp.StatusCode == http.StatusConflict:
		return name, nil
	}
	return "", c.statusError("create datastore", resp)
}

// PublishLayer exposes a table from a datastore as a layer.
func (c *Client) PublishLayer(ctx context.Context, store, layer, srs string) (map[string]any, error) {
	body := map[string]any{
		"name":    layer,
		"srs":     srs,
		"enabled": true,
	}
	resp, err := c.do(ctx, http.MethodPost, c.workspacePath("datastores", store, "featuretypes"), body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, c.statusError("publish layer", resp)
	}
	return decodeResource(resp.Body)
}

// PublishCoverage exposes a raster output file as a coverage.
func (c *Client) PublishCoverage(ctx context.Context, name, path string) (map[string]any, error) {
	body := map[string]any{
		"name": name,
		"type": "GeoPackage",
		"url":  "file:" + path,
	}
	resp, err := c.do(ctx, http.MethodPost, c.workspacePath("coveragestores"), body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, c.statusError("publish coverage", resp)
	}
	return decodeResource(resp.Body)
}

// ConfigureTime enables the temporal dimension on a published layer.
func (c *Client) ConfigureTime(ctx context.Context, layer, startAttr, endAttr string) error {
	body := map[string]any{
		"enabled":      true,
		"attribute":    startAttr,
		"endAttribute": endAttr,
		"presentation": "LIST",
	}
	resp, err := c.do(ctx, http.MethodPut, c.layerPath(layer, "time"), body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.statusError("configure time", resp)
	}
	return nil
}

// GetLayerBounds reads the published lat/lon bounding box.
func (c *Client) GetLayerBounds(ctx context.Context, layer string) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.layerPath(layer, "bounds"), nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError("get bounds", resp)
	}
	var payload struct {
		Bbox []string `json:"bbox"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("catalog: decoding bounds: %w", err)
	}
	return payload.Bbox, nil
}

// SetLayerBounds overwrites the published lat/lon bounding box.
func (c *Client) SetLayerBounds(ctx context.Context, layer string, bbox []string, srs string) error {
	body := map[string]any{"bbox": bbox, "srs": srs}
	resp, err := c.do(ctx, http.MethodPut, c.layerPath(layer, "bounds"), body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.statusError("set bounds", resp)
	}
	return nil
}

// SeedCache registers a layer with the tile cache. The configuration
// document is forwarded verbatim; its content type is sniffed from the
// first byte (XML seed requests vs YAML cache documents).
func (c *Client) SeedCache(ctx context.Context, layer string, config []byte) error {
	contentType := "application/x-yaml"
	if len(config) > 0 && config[0] == '<' {
		contentType = "application/xml"
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/cache/seed/"+url.PathEscape(layer), bytes.NewReader(config))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("catalog: seed cache: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return c.statusError("seed cache", resp)
	}
	return nil
}

// CreateRecord creates the metadata record for a published resource.
func (c *Client) CreateRecord(ctx context.Context, record output.CatalogRecord) (string, error) {
	body := map[string]any{
		"name":       record.Name,
		"title":      record.Title,
		"store":      record.Store,
		"store_type": record.StoreType,
		"owner":      record.Owner,
		"uuid":       record.UUID,
		"abstract":   record.Abstract,
	}
	resp, err := c.do(ctx, http.MethodPost, "/records", body)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", c.statusError("create record", resp)
	}
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("catalog: decoding record id: %w", err)
	}
	return payload.ID, nil
}

// HasLayer reports whether the server knows the layer.
func (c *Client) HasLayer(ctx context.Context, layer string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, c.layerPath(layer), nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, c.statusError("get layer", resp)
}

func (c *Client) workspacePath(parts ...string) string {
	segments := append([]string{"workspaces", c.workspace}, parts...)
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return "/" + strings.Join(segments, "/")
}

func (c *Client) layerPath(layer string, parts ...string) string {
	segments := append([]string{"layers", layer}, parts...)
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return "/" + strings.Join(segments, "/")
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

func (c *Client) statusError(op string, resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("catalog: %s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(detail)))
}

func decodeResource(r io.Reader) (map[string]any, error) {
	resource := map[string]any{}
	if err := json.NewDecoder(r).Decode(&resource); err != nil && err != io.EOF {
		return nil, fmt.Errorf("catalog: decoding resource: %w", err)
	}
	return resource, nil
}
