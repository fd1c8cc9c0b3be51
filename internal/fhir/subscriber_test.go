package fhir

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestSubscriber_DeliversNotificationResources(t *testing.T) {
	var deleted atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/fhir/R4/Subscription", func(w http.ResponseWriter, r *http.Request) {
		var sub Resource
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sub))
		assert.Equal(t, "Communication?subject=Patient/1", sub["criteria"])
		sub["id"] = "sub-1"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(sub)
	})
	mux.HandleFunc("/fhir/R4/Subscription/sub-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted.Store(true)
		}
	})
	mux.HandleFunc("/fhir/R4/Subscription/sub-1/$get-ws-binding-token", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"resourceType":"Parameters","parameter":[{"name":"token","valueString":"bind-1"}]}`)
	})
	mux.HandleFunc("/ws/subscriptions-r4", func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var bind bindMessage
		require.NoError(t, conn.ReadJSON(&bind))
		assert.Equal(t, "bind-with-token", bind.Type)
		assert.Equal(t, "bind-1", bind.Payload.Token)

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"resourceType":"Bundle","type":"history","entry":[
			{"resource":{"resourceType":"SubscriptionStatus","type":"heartbeat"}}]}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"resourceType":"Bundle","type":"history","entry":[
			{"resource":{"resourceType":"SubscriptionStatus","type":"event-notification"}},
			{"resource":{"resourceType":"Communication","id":"m-9"}}]}`))

		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithHTTPClient(srv.URL, srv.Client())
	sub := NewSubscriber(client)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Resource, 4)
	done := make(chan error, 1)
	go func() {
		done <- sub.Run(ctx, "Communication?subject=Patient/1", func(_ context.Context, r Resource) {
			got <- r
		})
	}()

	select {
	case r := <-got:
		assert.Equal(t, "Communication/m-9", r.Reference())
	case <-time.After(5 * time.Second):
		t.Fatal("no notification delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}
	assert.True(t, deleted.Load())
	assert.Empty(t, got)
}

func TestSubscriber_RetriesCreateUntilServerRecovers(t *testing.T) {
	var creates atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/fhir/R4/Subscription", func(w http.ResponseWriter, r *http.Request) {
		if creates.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"resourceType":"Subscription","id":"sub-2"}`)
	})
	mux.HandleFunc("/fhir/R4/Subscription/sub-2", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/fhir/R4/Subscription/sub-2/$get-ws-binding-token", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"resourceType":"Parameters","parameter":[{"name":"token","valueString":"bind-2"}]}`)
	})
	mux.HandleFunc("/ws/subscriptions-r4", func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var bind bindMessage
		require.NoError(t, conn.ReadJSON(&bind))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"resourceType":"Bundle","type":"history","entry":[
			{"resource":{"resourceType":"Communication","id":"m-1"}}]}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sub := NewSubscriber(NewWithHTTPClient(srv.URL, srv.Client()))
	sub.MaxReconnectInterval = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Resource, 1)
	done := make(chan error, 1)
	go func() {
		done <- sub.Run(ctx, "Communication", func(_ context.Context, r Resource) {
			select {
			case got <- r:
			default:
			}
		})
	}()

	select {
	case r := <-got:
		assert.Equal(t, "Communication/m-1", r.Reference())
	case err := <-done:
		t.Fatalf("Run returned before the server recovered: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification delivered")
	}
	assert.Equal(t, int32(3), creates.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestSubscriber_StopsWhileServerDown(t *testing.T) {
	var creates atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creates.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sub := NewSubscriber(NewWithHTTPClient(srv.URL, srv.Client()))
	sub.MaxReconnectInterval = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, sub.Run(ctx, "Communication", func(context.Context, Resource) {}))
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
	assert.Greater(t, creates.Load(), int32(1))
}

func TestNotificationResources_SkipsStatusAndNonBundles(t *testing.T) {
	rs, err := notificationResources([]byte(`{"resourceType":"Bundle","entry":[
		{"resource":{"resourceType":"SubscriptionStatus"}},
		{"resource":{"resourceType":"Communication","id":"a"}}]}`))
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, "a", rs[0].ID())

	rs, err = notificationResources([]byte(`{"type":"connected"}`))
	require.NoError(t, err)
	assert.Empty(t, rs)

	_, err = notificationResources([]byte(strings.Repeat("{", 3)))
	assert.Error(t, err)
}
