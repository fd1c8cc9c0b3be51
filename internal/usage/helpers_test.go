package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/reflectionguide/reflect/internal/config"
	inats "github.com/reflectionguide/reflect/internal/nats"
)

var errStoreDown = errors.New("profile store unavailable")

type memStore struct {
	mu      sync.Mutex
	records map[string]Record
	loadErr error
	saveErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]Record)}
}

func (m *memStore) Load(_ context.Context, userID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return Record{}, m.loadErr
	}
	return m.records[userID], nil
}

func (m *memStore) Save(_ context.Context, userID string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.records[userID] = rec
	return nil
}

type fakeEntitlements struct {
	premium map[string]bool
	err     error
}

func (f *fakeEntitlements) IsPremium(_ context.Context, userID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.premium[userID], nil
}

type captureRecorder struct {
	mu     sync.Mutex
	events []inats.AuditEvent
}

func (c *captureRecorder) Record(_ context.Context, event inats.AuditEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureRecorder) has(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.EventType == eventType {
			return true
		}
	}
	return false
}

type capturePublisher struct {
	events []inats.VoiceUsageEvent
}

func (c *capturePublisher) PublishVoiceUsage(_ context.Context, event inats.VoiceUsageEvent) error {
	c.events = append(c.events, event)
	return nil
}

// 2026-10-18 14:00 UTC.
var gateNow = time.Date(2026, 10, 18, 14, 0, 0, 0, time.UTC)

type gateFixture struct {
	gate  *Gate
	store *memStore
	ents  *fakeEntitlements
	audit *captureRecorder
}

func newGateFixture(t *testing.T, mutate func(cfg *config.VoiceConfig)) *gateFixture {
	t.Helper()
	cfg := config.VoiceConfig{DailyLimit: FreeDailyVoiceMessageLimit, FailOpen: true, Timezone: "UTC"}
	if mutate != nil {
		mutate(&cfg)
	}
	f := &gateFixture{
		store: newMemStore(),
		ents:  &fakeEntitlements{premium: map[string]bool{}},
		audit: &captureRecorder{},
	}
	g, err := NewGate(f.store, f.ents, cfg, false, f.audit, nil)
	require.NoError(t, err)
	g.now = func() time.Time { return gateNow }
	f.gate = g
	return f
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}
