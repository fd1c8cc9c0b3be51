package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// Handler receives each resource carried by a subscription notification.
type Handler func(ctx context.Context, resource Resource)

// Subscriber keeps a websocket-channel Subscription bound and reconnects
// with exponential backoff when the connection drops.
type Subscriber struct {
	client *Client
	dialer *websocket.Dialer
	// MaxReconnectInterval caps the wait between reconnect attempts.
	MaxReconnectInterval time.Duration
}

func NewSubscriber(client *Client) *Subscriber {
	return &Subscriber{
		client:               client,
		dialer:               websocket.DefaultDialer,
		MaxReconnectInterval: 30 * time.Second,
	}
}

type bindMessage struct {
	Type    string      `json:"type"`
	Payload bindPayload `json:"payload"`
}

type bindPayload struct {
	Token string `json:"token"`
}

// Run creates a Subscription for criteria and delivers notifications to
// handle until ctx is done. Creating the Subscription and binding the
// websocket are both retried with backoff, so Run only returns once ctx
// ends. The Subscription is deleted on return.
func (s *Subscriber) Run(ctx context.Context, criteria string, handle Handler) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = min(bo.InitialInterval, s.MaxReconnectInterval)
	bo.MaxInterval = s.MaxReconnectInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	subID, ok := s.create(ctx, bo, criteria)
	if !ok {
		return nil
	}
	slog.Info("fhir subscription created", "subscription_id", subID, "criteria", criteria)

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.client.Delete(cleanupCtx, "Subscription", subID); err != nil {
			slog.Warn("deleting fhir subscription", "subscription_id", subID, "error", err)
		}
	}()

	bo.Reset()
	for {
		connected, err := s.listen(ctx, subID, handle)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		slog.Warn("fhir subscription disconnected", "subscription_id", subID, "error", err, "retry_in", wait)
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// create posts the Subscription until it succeeds. ok is false when ctx
// ended first.
func (s *Subscriber) create(ctx context.Context, bo backoff.BackOff, criteria string) (id string, ok bool) {
	sub := Resource{
		"resourceType": "Subscription",
		"status":       "active",
		"reason":       "reflect live updates",
		"criteria":     criteria,
		"channel":      map[string]any{"type": "websocket"},
	}
	for {
		var created Resource
		err := s.client.Create(ctx, "Subscription", sub, &created)
		if err == nil {
			return created.ID(), true
		}
		if ctx.Err() != nil {
			return "", false
		}
		wait := bo.NextBackOff()
		slog.Warn("creating fhir subscription failed", "criteria", criteria, "error", err, "retry_in", wait)
		if !sleep(ctx, wait) {
			return "", false
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// listen binds one websocket connection. connected reports whether the bind
// succeeded before the connection failed.
func (s *Subscriber) listen(ctx context.Context, subID string, handle Handler) (connected bool, err error) {
	var params Parameters
	if err := s.client.Operation(ctx, "Subscription", subID, "get-ws-binding-token", &params); err != nil {
		return false, fmt.Errorf("fetching binding token: %w", err)
	}
	token := params.Get("token")
	if token == "" {
		return false, errors.New("binding token response has no token")
	}
	wsURL := params.Get("websocket-url")
	if wsURL == "" {
		wsURL = s.client.wsURL
	}

	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	defer conn.Close()

	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteJSON(bindMessage{Type: "bind-with-token", Payload: bindPayload{Token: token}}); err != nil {
		return false, fmt.Errorf("binding subscription: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		resources, err := notificationResources(data)
		if err != nil {
			slog.Warn("skipping malformed subscription notification", "subscription_id", subID, "error", err)
			continue
		}
		for _, r := range resources {
			handle(ctx, r)
		}
	}
}

// notificationResources returns the resources of a notification bundle,
// skipping the SubscriptionStatus entry and heartbeats.
func notificationResources(data []byte) ([]Resource, error) {
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, err
	}
	if bundle.ResourceType != "Bundle" {
		return nil, nil
	}
	out := make([]Resource, 0, len(bundle.Entry))
	for _, e := range bundle.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		var r Resource
		if err := json.Unmarshal(e.Resource, &r); err != nil {
			return nil, err
		}
		if r.ResourceType() == "SubscriptionStatus" {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
