// Package fhir is a small Medplum FHIR R4 client: CRUD and search over REST,
// authenticated with OAuth2 client credentials, plus websocket subscriptions.
package fhir

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

	"golang.org/x/oauth2/clientcredentials"

	"github.com/reflectionguide/reflect/internal/config"
	"github.com/reflectionguide/reflect/internal/metrics"
)

const (
	contentTypeFHIR  = "application/fhir+json"
	contentTypePatch = "application/json-patch+json"
	collaborator     = "medplum"
	maxResponseBytes = 8 << 20
)

type Client struct {
	root    string
	fhirURL string
	wsURL   string
	http    *http.Client
}

// New returns a client that fetches and refreshes its bearer token from
// BaseURL/oauth2/token.
func New(cfg config.MedplumConfig) *Client {
	root := strings.TrimRight(cfg.BaseURL, "/")
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     root + "/oauth2/token",
	}
	hc := cc.Client(context.Background())
	hc.Timeout = cfg.Timeout

	c := NewWithHTTPClient(root, hc)
	if cfg.WSURL != "" {
		c.wsURL = cfg.WSURL
	}
	return c
}

// NewWithHTTPClient uses hc as is. hc is expected to attach credentials.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	root := strings.TrimRight(baseURL, "/")
	return &Client{
		root:    root,
		fhirURL: root + "/fhir/R4",
		wsURL:   websocketURL(root),
		http:    hc,
	}
}

func websocketURL(root string) string {
	switch {
	case strings.HasPrefix(root, "https://"):
		return "wss://" + strings.TrimPrefix(root, "https://") + "/ws/subscriptions-r4"
	case strings.HasPrefix(root, "http://"):
		return "ws://" + strings.TrimPrefix(root, "http://") + "/ws/subscriptions-r4"
	default:
		return root + "/ws/subscriptions-r4"
	}
}

// Read fetches resourceType/id into out.
func (c *Client) Read(ctx context.Context, resourceType, id string, out any) error {
	return c.do(ctx, "read", http.MethodGet, c.resourcePath(resourceType, id), nil, contentTypeFHIR, out)
}

// Create posts body and decodes the stored resource into out, which may be nil.
func (c *Client) Create(ctx context.Context, resourceType string, body, out any) error {
	return c.do(ctx, "create", http.MethodPost, c.resourcePath(resourceType, ""), body, contentTypeFHIR, out)
}

// Update replaces resourceType/id with body.
func (c *Client) Update(ctx context.Context, resourceType, id string, body, out any) error {
	return c.do(ctx, "update", http.MethodPut, c.resourcePath(resourceType, id), body, contentTypeFHIR, out)
}

// Patch applies JSON Patch operations to resourceType/id.
func (c *Client) Patch(ctx context.Context, resourceType, id string, ops []PatchOp, out any) error {
	return c.do(ctx, "patch", http.MethodPatch, c.resourcePath(resourceType, id), ops, contentTypePatch, out)
}

func (c *Client) Delete(ctx context.Context, resourceType, id string) error {
	return c.do(ctx, "delete", http.MethodDelete, c.resourcePath(resourceType, id), nil, contentTypeFHIR, nil)
}

// Search runs a type-level search and returns the searchset bundle.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) (*Bundle, error) {
	u := c.resourcePath(resourceType, "")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var bundle Bundle
	if err := c.do(ctx, "search", http.MethodGet, u, nil, contentTypeFHIR, &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// SearchAll runs a search and follows next links, appending every page's
// entries to the first bundle. It stops once limit entries are collected;
// limit <= 0 reads every page.
func (c *Client) SearchAll(ctx context.Context, resourceType string, params url.Values, limit int) (*Bundle, error) {
	bundle, err := c.Search(ctx, resourceType, params)
	if err != nil {
		return nil, err
	}
	next := bundle.NextURL()
	for next != "" && (limit <= 0 || len(bundle.Entry) < limit) {
		if !strings.HasPrefix(next, c.fhirURL+"/") {
			return nil, fmt.Errorf("fhir next page %q is outside %s", next, c.fhirURL)
		}
		var page Bundle
		if err := c.do(ctx, "search", http.MethodGet, next, nil, contentTypeFHIR, &page); err != nil {
			return nil, err
		}
		bundle.Entry = append(bundle.Entry, page.Entry...)
		next = page.NextURL()
	}
	bundle.Link = nil
	return bundle, nil
}

// Operation invokes an instance-level operation such as $get-ws-binding-token.
func (c *Client) Operation(ctx context.Context, resourceType, id, operation string, out any) error {
	u := c.resourcePath(resourceType, id) + "/$" + strings.TrimPrefix(operation, "$")
	return c.do(ctx, "operation", http.MethodGet, u, nil, contentTypeFHIR, out)
}

func (c *Client) resourcePath(resourceType, id string) string {
	u := c.fhirURL + "/" + url.PathEscape(resourceType)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

func (c *Client) do(ctx context.Context, op, method, u string, body any, contentType string, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		switch {
		case errors.Is(err, ErrNotFound):
			outcome = "not_found"
		case err != nil:
			outcome = "error"
		}
		metrics.CollaboratorRequestsTotal.WithLabelValues(collaborator, op, outcome).Inc()
		metrics.CollaboratorRequestDuration.WithLabelValues(collaborator, op).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("building %s request: %w", op, err)
	}
	req.Header.Set("Accept", contentTypeFHIR)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fhir %s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading fhir response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fhirErr := &Error{Status: resp.StatusCode}
		var outcome OperationOutcome
		if json.Unmarshal(data, &outcome) == nil && outcome.ResourceType == "OperationOutcome" {
			fhirErr.Issues = outcome.Issue
		}
		return fhirErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding fhir %s response: %w", op, err)
	}
	return nil
}
