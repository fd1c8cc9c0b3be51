package billing

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

	"github.com/reflectionguide/reflect/internal/metrics"
)

const collaborator = "revenuecat"

// API is the remote billing backend.
type API interface {
	Verify(ctx context.Context) error
	GetSubscriber(ctx context.Context, appUserID string) (*CustomerInfo, error)
	GetOfferings(ctx context.Context, appUserID string) (*Offerings, error)
	PostReceipt(ctx context.Context, appUserID string, pkg Package, receipt Receipt) (*CustomerInfo, error)
}

// APIError is a non-2xx RevenueCat response.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("revenuecat: status %d", e.Status)
	}
	return fmt.Sprintf("revenuecat: status %d: %s", e.Status, e.Message)
}

// Temporary reports whether the call is worth retrying.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// RevenueCat talks to the RevenueCat REST API v1.
type RevenueCat struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewRevenueCat(baseURL, apiKey string, hc *http.Client) *RevenueCat {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &RevenueCat{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    hc,
	}
}

// probeUserID is fetched to verify the API key during Configure.
const probeUserID = "reflect-configuration-probe"

func (c *RevenueCat) Verify(ctx context.Context) error {
	_, err := c.GetSubscriber(ctx, probeUserID)
	return err
}

type subscriberResponse struct {
	RequestDate time.Time `json:"request_date"`
	Subscriber  struct {
		OriginalAppUserID string                 `json:"original_app_user_id"`
		FirstSeen         *time.Time             `json:"first_seen"`
		Entitlements      map[string]Entitlement `json:"entitlements"`
	} `json:"subscriber"`
}

func (r subscriberResponse) customerInfo(appUserID string) *CustomerInfo {
	ents := r.Subscriber.Entitlements
	if ents == nil {
		ents = map[string]Entitlement{}
	}
	return &CustomerInfo{
		AppUserID:         appUserID,
		OriginalAppUserID: r.Subscriber.OriginalAppUserID,
		Entitlements:      ents,
		FirstSeen:         r.Subscriber.FirstSeen,
		RequestDate:       r.RequestDate,
	}
}

// GetSubscriber fetches the subscriber, creating it on first sight.
func (c *RevenueCat) GetSubscriber(ctx context.Context, appUserID string) (*CustomerInfo, error) {
	var resp subscriberResponse
	if err := c.do(ctx, "get_subscriber", http.MethodGet, "/v1/subscribers/"+url.PathEscape(appUserID), "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.customerInfo(appUserID), nil
}

func (c *RevenueCat) GetOfferings(ctx context.Context, appUserID string) (*Offerings, error) {
	var resp Offerings
	if err := c.do(ctx, "get_offerings", http.MethodGet, "/v1/subscribers/"+url.PathEscape(appUserID)+"/offerings", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type receiptRequest struct {
	AppUserID  string `json:"app_user_id"`
	FetchToken string `json:"fetch_token"`
	ProductID  string `json:"product_id"`
	OfferingID string `json:"presented_offering_identifier,omitempty"`
}

// PostReceipt records a store purchase and returns the updated customer info.
func (c *RevenueCat) PostReceipt(ctx context.Context, appUserID string, pkg Package, receipt Receipt) (*CustomerInfo, error) {
	body := receiptRequest{
		AppUserID:  appUserID,
		FetchToken: receipt.Token,
		ProductID:  pkg.ProductID,
		OfferingID: pkg.OfferingID,
	}
	var resp subscriberResponse
	if err := c.do(ctx, "post_receipt", http.MethodPost, "/v1/receipts", receipt.Platform, body, &resp); err != nil {
		return nil, err
	}
	return resp.customerInfo(appUserID), nil
}

func (c *RevenueCat) do(ctx context.Context, op, method, path, platform string, body, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
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

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if platform != "" {
		req.Header.Set("X-Platform", platform)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("revenuecat %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading revenuecat response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding revenuecat %s response: %w", op, err)
	}
	return nil
}

// retryable reports whether err is a transient failure.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}
