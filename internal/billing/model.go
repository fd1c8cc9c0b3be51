package billing

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrNotReady           = errors.New("billing: service not ready")
	ErrInvalidPackage     = errors.New("billing: invalid package")
	ErrPurchaseCancelled  = errors.New("billing: purchase cancelled by user")
	ErrPurchaseInProgress = errors.New("billing: purchase already in progress")
	ErrMissingUser        = errors.New("billing: app user id is required")
	ErrMissingAPIKey      = errors.New("billing: api key is required")
)

// State is the billing service lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entitlement is one granted entitlement. A nil ExpiresDate never expires.
type Entitlement struct {
	ProductIdentifier      string     `json:"product_identifier"`
	PurchaseDate           *time.Time `json:"purchase_date,omitempty"`
	ExpiresDate            *time.Time `json:"expires_date,omitempty"`
	GracePeriodExpiresDate *time.Time `json:"grace_period_expires_date,omitempty"`
}

// Active reports whether the entitlement grants access at now.
func (e Entitlement) Active(now time.Time) bool {
	if e.ExpiresDate == nil {
		return true
	}
	if now.Before(*e.ExpiresDate) {
		return true
	}
	return e.GracePeriodExpiresDate != nil && now.Before(*e.GracePeriodExpiresDate)
}

// CustomerInfo is the entitlement snapshot for one app user.
type CustomerInfo struct {
	AppUserID         string                 `json:"app_user_id"`
	OriginalAppUserID string                 `json:"original_app_user_id,omitempty"`
	Entitlements      map[string]Entitlement `json:"entitlements"`
	FirstSeen         *time.Time             `json:"first_seen,omitempty"`
	RequestDate       time.Time              `json:"request_date"`
}

func (c *CustomerInfo) HasEntitlement(id string, now time.Time) bool {
	if c == nil {
		return false
	}
	e, ok := c.Entitlements[id]
	return ok && e.Active(now)
}

// ActiveEntitlements returns the sorted ids of entitlements active at now.
func (c *CustomerInfo) ActiveEntitlements(now time.Time) []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.Entitlements))
	for id, e := range c.Entitlements {
		if e.Active(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

type Package struct {
	Identifier string `json:"identifier"`
	ProductID  string `json:"platform_product_identifier"`
	OfferingID string `json:"offering_id,omitempty"`
}

// Validate rejects malformed package objects before any remote call.
func (p Package) Validate() error {
	if p.Identifier == "" || p.ProductID == "" {
		return ErrInvalidPackage
	}
	return nil
}

type Offering struct {
	Identifier  string    `json:"identifier"`
	Description string    `json:"description"`
	Packages    []Package `json:"packages"`
}

type Offerings struct {
	CurrentOfferingID string     `json:"current_offering_id"`
	All               []Offering `json:"offerings"`
}

// Current returns the offering marked current, or nil.
func (o *Offerings) Current() *Offering {
	if o == nil {
		return nil
	}
	for i := range o.All {
		if o.All[i].Identifier == o.CurrentOfferingID {
			return &o.All[i]
		}
	}
	return nil
}

// Receipt is the store purchase token the client obtained from the native
// purchase sheet.
type Receipt struct {
	Platform string `json:"platform" validate:"required,oneof=ios android"`
	Token    string `json:"token" validate:"required"`
}

// Listener is notified whenever a user's customer info changes.
type Listener func(userID string, info *CustomerInfo)

// WebhookEvent is the subset of a RevenueCat webhook event this service reads.
type WebhookEvent struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	AppUserID       string   `json:"app_user_id"`
	OriginalUserID  string   `json:"original_app_user_id"`
	Aliases         []string `json:"aliases"`
	TransferredTo   []string `json:"transferred_to"`
	TransferredFrom []string `json:"transferred_from"`
	EntitlementIDs  []string `json:"entitlement_ids"`
	ProductID       string   `json:"product_id"`
}

// AffectedUsers returns the distinct app user ids whose entitlements the event
// may have changed.
func (e WebhookEvent) AffectedUsers() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(ids ...string) {
		for _, id := range ids {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	add(e.AppUserID)
	add(e.TransferredTo...)
	add(e.TransferredFrom...)
	return out
}
