package billing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevenueCat_GetSubscriber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/subscribers/Patient%2F1", r.URL.EscapedPath())
		_, _ = io.WriteString(w, `{
			"request_date": "2026-10-18T12:00:00Z",
			"subscriber": {
				"original_app_user_id": "Patient/1",
				"entitlements": {
					"premium": {"product_identifier": "premium_monthly", "expires_date": "2026-11-18T12:00:00Z"}
				}
			}
		}`)
	}))
	defer srv.Close()

	rc := NewRevenueCat(srv.URL, "sk_test", srv.Client())
	info, err := rc.GetSubscriber(context.Background(), "Patient/1")
	require.NoError(t, err)
	assert.Equal(t, "Patient/1", info.AppUserID)
	assert.True(t, info.HasEntitlement("premium", testNow))
	assert.False(t, info.HasEntitlement("premium", time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, []string{"premium"}, info.ActiveEntitlements(testNow))
}

func TestRevenueCat_PostReceipt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/receipts", r.URL.Path)
		assert.Equal(t, "ios", r.Header.Get("X-Platform"))

		var body receiptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Patient/1", body.AppUserID)
		assert.Equal(t, "receipt-data", body.FetchToken)
		assert.Equal(t, "premium_monthly", body.ProductID)
		assert.Equal(t, "default", body.OfferingID)
		_, _ = io.WriteString(w, `{"subscriber":{"entitlements":{"premium":{"product_identifier":"premium_monthly"}}}}`)
	}))
	defer srv.Close()

	rc := NewRevenueCat(srv.URL, "sk_test", srv.Client())
	info, err := rc.PostReceipt(context.Background(), "Patient/1", monthly(), Receipt{Platform: "ios", Token: "receipt-data"})
	require.NoError(t, err)
	assert.True(t, info.HasEntitlement("premium", testNow))
}

func TestRevenueCat_GetOfferings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/subscribers/Patient%2F1/offerings", r.URL.EscapedPath())
		_, _ = io.WriteString(w, `{"current_offering_id":"default","offerings":[
			{"identifier":"default","description":"Premium","packages":[
				{"identifier":"$rc_monthly","platform_product_identifier":"premium_monthly"}]}]}`)
	}))
	defer srv.Close()

	rc := NewRevenueCat(srv.URL, "sk_test", srv.Client())
	offerings, err := rc.GetOfferings(context.Background(), "Patient/1")
	require.NoError(t, err)
	current := offerings.Current()
	require.NotNil(t, current)
	require.Len(t, current.Packages, 1)
	assert.Equal(t, "premium_monthly", current.Packages[0].ProductID)
}

func TestRevenueCat_ErrorResponses(t *testing.T) {
	status := http.StatusUnauthorized
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"code":7225,"message":"Invalid API key"}`)
	}))
	defer srv.Close()

	rc := NewRevenueCat(srv.URL, "sk_bad", srv.Client())

	err := rc.Verify(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, 7225, apiErr.Code)
	assert.Contains(t, err.Error(), "Invalid API key")
	assert.False(t, retryable(err))

	status = http.StatusBadGateway
	err = rc.Verify(context.Background())
	assert.True(t, retryable(err))

	assert.False(t, retryable(context.Canceled))
}
