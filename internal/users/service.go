package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/reflectionguide/reflect/internal/fhir"
	inats "github.com/reflectionguide/reflect/internal/nats"
)

var ErrUserNotFound = errors.New("users: user not found")

// IdentifierSystem tags the Patient created for an account with its user id.
const IdentifierSystem = "https://reflectionguide.app/fhir/identifier/user-id"

type profileCreator interface {
	Create(ctx context.Context, resourceType string, body, out any) error
}

// auditRecorder is audit.Recorder. Importing audit here would cycle
// through auth.
type auditRecorder interface {
	Record(ctx context.Context, event inats.AuditEvent)
}

type Service struct {
	repo     Repository
	profiles profileCreator
	audit    auditRecorder
}

func NewService(repo Repository, profiles profileCreator, rec auditRecorder) *Service {
	return &Service{repo: repo, profiles: profiles, audit: rec}
}

// Register stores the account and then creates its Patient profile. A
// profile failure does not fail registration; the next login retries it.
func (s *Service) Register(ctx context.Context, email, passwordHash string) (*User, error) {
	now := time.Now()
	user := &User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}

	if err := s.EnsureProfile(ctx, user); err != nil {
		slog.Warn("creating profile at registration", "error", err, "user_id", user.ID)
	}
	return user, nil
}

// EnsureProfile creates and links a Patient when the user has none.
func (s *Service) EnsureProfile(ctx context.Context, user *User) error {
	if user.ProfileID != "" {
		return nil
	}

	patient := fhir.Resource{
		"resourceType": "Patient",
		"active":       true,
		"identifier":   []map[string]string{{"system": IdentifierSystem, "value": user.ID.String()}},
		"telecom":      []map[string]string{{"system": "email", "value": user.Email}},
	}
	var created fhir.Resource
	if err := s.profiles.Create(ctx, "Patient", patient, &created); err != nil {
		s.audit.Record(ctx, inats.AuditEvent{
			EventType:    inats.EventRemoteCallFailed,
			Severity:     inats.SeverityError,
			ResourceType: "Patient",
			Details:      fmt.Sprintf("create profile for user %s: %v", user.ID, err),
		})
		return fmt.Errorf("creating patient: %w", err)
	}

	ref := created.Reference()
	if err := s.repo.SetProfileID(ctx, user.ID, ref); err != nil {
		return err
	}
	user.ProfileID = ref

	s.audit.Record(ctx, inats.AuditEvent{
		ProfileID:    ref,
		EventType:    inats.EventProfileCreated,
		ResourceType: "Patient",
		ResourceID:   created.ID(),
	})
	return nil
}

// CurrentProfile returns the profile reference of userID, creating the
// Patient first when the account still has none.
func (s *Service) CurrentProfile(ctx context.Context, userID string) (string, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return "", fmt.Errorf("parsing user id: %w", err)
	}
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", ErrUserNotFound
	}
	if err := s.EnsureProfile(ctx, user); err != nil {
		return "", err
	}
	return user.ProfileID, nil
}

func (s *Service) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.repo.GetByEmail(ctx, email)
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return s.repo.ExistsByEmail(ctx, email)
}
