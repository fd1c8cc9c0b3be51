package users

import (
	"time"

	"github.com/google/uuid"
)

// User is a login account. ProfileID is the FHIR reference of the Patient
// created for it, empty until Medplum accepted the profile.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	ProfileID    string    `json:"profile_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
