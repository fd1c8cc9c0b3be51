package usage

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidTransition = errors.New("usage: invalid attempt state transition")
	ErrAttemptNotFound   = errors.New("usage: recording attempt not found")
	ErrInvalidChoice     = errors.New("usage: choice must be upgrade or continue")
)

// State is a step of one recording attempt.
type State string

const (
	StateIdle              State = "idle"
	StateChecking          State = "checking"
	StateAllowed           State = "allowed"
	StateRecording         State = "recording"
	StateIncrementing      State = "incrementing"
	StateDenied            State = "denied"
	StatePromptShown       State = "prompt_shown"
	StateNavigateToUpgrade State = "navigate_to_upgrade"
)

var transitions = map[State][]State{
	StateIdle:         {StateChecking},
	StateChecking:     {StateAllowed, StateDenied},
	StateAllowed:      {StateRecording, StateIdle},
	StateRecording:    {StateIncrementing, StateIdle},
	StateIncrementing: {StateIdle},
	StateDenied:       {StatePromptShown},
	StatePromptShown:  {StateIdle, StateNavigateToUpgrade},
}

// CanTransition reports whether from → to is an edge of the attempt graph.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Attempt tracks one user's attempt to record a voice message.
type Attempt struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	State     State     `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAttempt starts an attempt for userID in the Idle state.
func NewAttempt(userID string, now time.Time) *Attempt {
	return &Attempt{
		ID:        uuid.NewString(),
		UserID:    userID,
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the attempt to state to, or returns ErrInvalidTransition.
func (a *Attempt) Transition(to State, now time.Time) error {
	if !CanTransition(a.State, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, a.State, to)
	}
	a.State = to
	a.UpdatedAt = now
	return nil
}
