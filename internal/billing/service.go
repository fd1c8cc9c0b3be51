package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/reflectionguide/reflect/internal/audit"
	"github.com/reflectionguide/reflect/internal/config"
	"github.com/reflectionguide/reflect/internal/metrics"
	inats "github.com/reflectionguide/reflect/internal/nats"
	"github.com/reflectionguide/reflect/internal/retry"
)

// Factory builds the remote API client for an API key.
type Factory func(apiKey string) API

// Service is the process-wide billing collaborator. Create one in main and
// inject it; every call except Configure returns ErrNotReady until Configure
// has succeeded.
type Service struct {
	newAPI        Factory
	entitlementID string
	initDelay     time.Duration
	policy        retry.Policy
	audit         audit.Recorder
	now           func() time.Time

	configureMu sync.Mutex

	mu         sync.RWMutex
	state      State
	lastErr    error
	api        API
	snapshots  map[string]*CustomerInfo
	purchasing map[string]bool
	listeners  map[int]Listener
	nextID     int
}

func NewService(cfg config.RevenueCatConfig, newAPI Factory, rec audit.Recorder) *Service {
	policy := retry.Policy{MaxAttempts: cfg.RetryAttempts, Delays: cfg.RetryDelays}
	if policy.MaxAttempts < 1 {
		policy = retry.Default
	}
	s := &Service{
		newAPI:        newAPI,
		entitlementID: cfg.EntitlementID,
		initDelay:     cfg.InitDelay,
		policy:        policy,
		audit:         rec,
		now:           time.Now,
		snapshots:     make(map[string]*CustomerInfo),
		purchasing:    make(map[string]bool),
		listeners:     make(map[int]Listener),
	}
	metrics.BillingState.Set(float64(StateUninitialized))
	return s
}

func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the error that moved the service to StateFailed, if any.
func (s *Service) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// EntitlementID is the entitlement that marks a user as premium.
func (s *Service) EntitlementID() string {
	return s.entitlementID
}

// Configure waits the startup delay, verifies apiKey against the backend
// under the retry policy and moves to StateReady or StateFailed. It is a
// no-op once ready; a failed service may be configured again.
func (s *Service) Configure(ctx context.Context, apiKey string) error {
	s.configureMu.Lock()
	defer s.configureMu.Unlock()

	if s.State() == StateReady {
		return nil
	}
	s.setState(StateInitializing, nil, nil)

	if apiKey == "" {
		return s.configureFailed(ctx, ErrMissingAPIKey)
	}

	if s.initDelay > 0 {
		timer := time.NewTimer(s.initDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return s.configureFailed(ctx, ctx.Err())
		case <-timer.C:
		}
	}

	api := s.newAPI(apiKey)
	if err := s.call(ctx, "revenuecat.configure", api.Verify); err != nil {
		return s.configureFailed(ctx, err)
	}

	s.setState(StateReady, nil, api)
	slog.Info("billing service ready", "entitlement", s.entitlementID)
	s.audit.Record(ctx, inats.AuditEvent{
		EventType: inats.EventBillingConfigured,
		Details:   fmt.Sprintf("entitlement %s", s.entitlementID),
	})
	return nil
}

func (s *Service) configureFailed(ctx context.Context, err error) error {
	s.setState(StateFailed, err, nil)
	slog.Error("billing service failed to configure", "error", err)
	s.audit.Record(ctx, inats.AuditEvent{
		EventType: inats.EventBillingConfigureFail,
		Severity:  inats.SeverityError,
		Details:   err.Error(),
	})
	return fmt.Errorf("configuring billing: %w", err)
}

func (s *Service) setState(state State, err error, api API) {
	s.mu.Lock()
	s.state = state
	s.lastErr = err
	if api != nil {
		s.api = api
	}
	s.mu.Unlock()
	metrics.BillingState.Set(float64(state))
}

func (s *Service) ready() (API, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateReady {
		return nil, ErrNotReady
	}
	return s.api, nil
}

// call runs op under the retry policy; non-transient failures stop early.
func (s *Service) call(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return retry.Do(ctx, s.policy, name, func(ctx context.Context) error {
		err := op(ctx)
		if err != nil && !retryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (s *Service) fetchSubscriber(ctx context.Context, api API, name, userID string) (*CustomerInfo, error) {
	var info *CustomerInfo
	err := s.call(ctx, name, func(ctx context.Context) error {
		var err error
		info, err = api.GetSubscriber(ctx, userID)
		return err
	})
	return info, err
}

// LogIn identifies userID with the billing backend, creating the subscriber
// on first sight.
func (s *Service) LogIn(ctx context.Context, userID string) (*CustomerInfo, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	api, err := s.ready()
	if err != nil {
		return nil, err
	}

	info, err := s.fetchSubscriber(ctx, api, "revenuecat.login", userID)
	if err != nil {
		s.audit.Record(ctx, inats.AuditEvent{
			ProfileID: userID,
			EventType: inats.EventBillingLoginFailed,
			Severity:  inats.SeverityWarn,
			Details:   err.Error(),
		})
		return nil, fmt.Errorf("logging in to billing: %w", err)
	}

	s.audit.Record(ctx, inats.AuditEvent{ProfileID: userID, EventType: inats.EventBillingLogin})
	if s.update(userID, info) {
		s.notify(userID, info)
	}
	return info, nil
}

func (s *Service) GetCustomerInfo(ctx context.Context, userID string) (*CustomerInfo, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	api, err := s.ready()
	if err != nil {
		return nil, err
	}
	info, err := s.fetchSubscriber(ctx, api, "revenuecat.customer_info", userID)
	if err != nil {
		return nil, fmt.Errorf("fetching customer info: %w", err)
	}
	if s.update(userID, info) {
		s.notify(userID, info)
	}
	return info, nil
}

func (s *Service) GetOfferings(ctx context.Context, userID string) (*Offerings, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	api, err := s.ready()
	if err != nil {
		return nil, err
	}
	var offerings *Offerings
	err = s.call(ctx, "revenuecat.offerings", func(ctx context.Context) error {
		var err error
		offerings, err = api.GetOfferings(ctx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching offerings: %w", err)
	}
	return offerings, nil
}

// PurchasePackage records a completed store purchase of pkg. A nil receipt
// means the user dismissed the store sheet and yields ErrPurchaseCancelled.
func (s *Service) PurchasePackage(ctx context.Context, userID string, pkg Package, receipt *Receipt) (*CustomerInfo, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	if err := pkg.Validate(); err != nil {
		return nil, err
	}
	api, err := s.ready()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.purchasing[userID] {
		s.mu.Unlock()
		return nil, ErrPurchaseInProgress
	}
	s.purchasing[userID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.purchasing, userID)
		s.mu.Unlock()
	}()

	if receipt == nil {
		s.audit.Record(ctx, inats.AuditEvent{
			ProfileID:  userID,
			EventType:  inats.EventPurchaseCancelled,
			ResourceID: pkg.Identifier,
		})
		return nil, ErrPurchaseCancelled
	}

	var info *CustomerInfo
	err = s.call(ctx, "revenuecat.purchase", func(ctx context.Context) error {
		var err error
		info, err = api.PostReceipt(ctx, userID, pkg, *receipt)
		return err
	})
	if err != nil {
		s.audit.Record(ctx, inats.AuditEvent{
			ProfileID:  userID,
			EventType:  inats.EventPurchaseFailed,
			Severity:   inats.SeverityError,
			ResourceID: pkg.Identifier,
			Details:    err.Error(),
		})
		return nil, fmt.Errorf("posting purchase receipt: %w", err)
	}

	s.audit.Record(ctx, inats.AuditEvent{
		ProfileID:  userID,
		EventType:  inats.EventPurchaseCompleted,
		ResourceID: pkg.Identifier,
		Details:    fmt.Sprintf("product %s on %s", pkg.ProductID, receipt.Platform),
	})
	s.update(userID, info)
	s.notify(userID, info)
	return info, nil
}

// RestorePurchases re-syncs the user's entitlements and always notifies
// listeners.
func (s *Service) RestorePurchases(ctx context.Context, userID string) (*CustomerInfo, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	api, err := s.ready()
	if err != nil {
		return nil, err
	}
	info, err := s.fetchSubscriber(ctx, api, "revenuecat.restore", userID)
	if err != nil {
		return nil, fmt.Errorf("restoring purchases: %w", err)
	}
	s.audit.Record(ctx, inats.AuditEvent{
		ProfileID: userID,
		EventType: inats.EventPurchasesRestored,
		Details:   fmt.Sprintf("active entitlements %v", info.ActiveEntitlements(s.now())),
	})
	s.update(userID, info)
	s.notify(userID, info)
	return info, nil
}

// HandleWebhook refreshes every user the event touches.
func (s *Service) HandleWebhook(ctx context.Context, event WebhookEvent) error {
	if event.Type == "TEST" {
		slog.Info("billing webhook test event received", "event_id", event.ID)
		return nil
	}
	api, err := s.ready()
	if err != nil {
		return err
	}

	var errs []error
	for _, userID := range event.AffectedUsers() {
		info, err := s.fetchSubscriber(ctx, api, "revenuecat.webhook", userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("refreshing %s: %w", userID, err))
			continue
		}
		s.audit.Record(ctx, inats.AuditEvent{
			ProfileID:  userID,
			EventType:  inats.EventCustomerInfoChanged,
			ResourceID: event.ID,
			Details:    event.Type,
		})
		s.update(userID, info)
		s.notify(userID, info)
	}
	return errors.Join(errs...)
}

// IsPremium reports whether userID holds the premium entitlement, from the
// session snapshot when one exists.
func (s *Service) IsPremium(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, ErrMissingUser
	}
	if _, err := s.ready(); err != nil {
		return false, err
	}
	if info, ok := s.Snapshot(userID); ok {
		return info.HasEntitlement(s.entitlementID, s.now()), nil
	}
	info, err := s.GetCustomerInfo(ctx, userID)
	if err != nil {
		return false, err
	}
	return info.HasEntitlement(s.entitlementID, s.now()), nil
}

// Snapshot returns the last customer info seen for userID in this process.
func (s *Service) Snapshot(userID string) (*CustomerInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.snapshots[userID]
	return info, ok
}

// AddCustomerInfoListener registers fn and returns a func that removes it.
func (s *Service) AddCustomerInfoListener(fn Listener) (remove func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// update stores info and reports whether the active entitlements changed.
func (s *Service) update(userID string, info *CustomerInfo) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.snapshots[userID]
	s.snapshots[userID] = info
	return !ok || !slices.Equal(prev.ActiveEntitlements(now), info.ActiveEntitlements(now))
}

func (s *Service) notify(userID string, info *CustomerInfo) {
	s.mu.RLock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(userID, info)
	}
}
