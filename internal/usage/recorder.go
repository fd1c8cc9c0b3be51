package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/reflectionguide/reflect/internal/audit"
	inats "github.com/reflectionguide/reflect/internal/nats"
)

// Recorder drives recording attempts through the gate:
//
//	idle → checking → allowed → recording → incrementing → idle
//	                → denied → prompt_shown → idle | navigate_to_upgrade
type Recorder struct {
	gate     *Gate
	attempts *AttemptStore
	audit    audit.Recorder
	now      func() time.Time
}

func NewRecorder(gate *Gate, attempts *AttemptStore, rec audit.Recorder) *Recorder {
	return &Recorder{gate: gate, attempts: attempts, audit: rec, now: time.Now}
}

// Begin checks permission and stores a new attempt, either allowed or
// showing the limit-reached prompt.
func (r *Recorder) Begin(ctx context.Context, userID string) (*Attempt, Decision, error) {
	a := NewAttempt(userID, r.now())
	if err := a.Transition(StateChecking, r.now()); err != nil {
		return nil, Decision{}, err
	}

	decision, err := r.gate.CheckRecordingPermission(ctx, userID)
	if err != nil {
		return nil, decision, err
	}
	a.Reason = decision.Reason

	if decision.Allowed {
		err = a.Transition(StateAllowed, r.now())
	} else {
		err = a.Transition(StateDenied, r.now())
		if err == nil {
			err = a.Transition(StatePromptShown, r.now())
		}
	}
	if err != nil {
		return nil, decision, err
	}

	if err := r.attempts.Create(ctx, a); err != nil {
		return nil, decision, err
	}
	return a, decision, nil
}

func (r *Recorder) Get(ctx context.Context, userID, attemptID string) (*Attempt, error) {
	return r.attempts.Get(ctx, userID, attemptID)
}

// StartRecording marks an allowed attempt as recording.
func (r *Recorder) StartRecording(ctx context.Context, userID, attemptID string) (*Attempt, error) {
	return r.transition(ctx, userID, attemptID, StateRecording)
}

// Claim moves a recording attempt to incrementing while its message is
// being sent. Only one caller can claim an attempt.
func (r *Recorder) Claim(ctx context.Context, userID, attemptID string) (*Attempt, error) {
	return r.transition(ctx, userID, attemptID, StateIncrementing)
}

// Finish closes a claimed attempt. When produced is true the message counts
// against the usage record; rec is nil when nothing was counted.
func (r *Recorder) Finish(ctx context.Context, userID, attemptID string, produced bool) (a *Attempt, rec *Record, err error) {
	if produced {
		counted, incErr := r.gate.IncrementVoiceCount(ctx, userID)
		if incErr != nil {
			slog.Warn("counting voice message failed", "error", incErr, "profile", userID, "attempt_id", attemptID)
			r.audit.Record(ctx, inats.AuditEvent{
				ProfileID:    userID,
				EventType:    inats.EventRemoteCallFailed,
				Severity:     inats.SeverityWarn,
				ResourceType: "VoiceAttempt",
				ResourceID:   attemptID,
				Details:      incErr.Error(),
			})
			err = fmt.Errorf("counting voice message: %w", incErr)
		} else {
			rec = &counted
		}
	}

	a, trErr := r.transition(ctx, userID, attemptID, StateIdle)
	if trErr != nil {
		return nil, rec, trErr
	}
	return a, rec, err
}

// Complete claims and finishes a recording attempt whose message was sent.
func (r *Recorder) Complete(ctx context.Context, userID, attemptID string) (*Attempt, *Record, error) {
	if _, err := r.Claim(ctx, userID, attemptID); err != nil {
		return nil, nil, err
	}
	return r.Finish(ctx, userID, attemptID, true)
}

// Cancel abandons an allowed or recording attempt without counting it.
func (r *Recorder) Cancel(ctx context.Context, userID, attemptID string) (*Attempt, error) {
	return r.update(ctx, userID, attemptID, func(a *Attempt) error {
		if a.State != StateAllowed && a.State != StateRecording {
			return fmt.Errorf("%w: cannot cancel from %s", ErrInvalidTransition, a.State)
		}
		return a.Transition(StateIdle, r.now())
	})
}

// Choose answers the limit-reached prompt.
func (r *Recorder) Choose(ctx context.Context, userID, attemptID string, choice Choice) (*Attempt, error) {
	if !choice.Valid() {
		return nil, ErrInvalidChoice
	}
	to := StateIdle
	if choice == ChoiceUpgrade {
		to = StateNavigateToUpgrade
	}
	return r.update(ctx, userID, attemptID, func(a *Attempt) error {
		if a.State != StatePromptShown {
			return fmt.Errorf("%w: no prompt shown in %s", ErrInvalidTransition, a.State)
		}
		return a.Transition(to, r.now())
	})
}

func (r *Recorder) transition(ctx context.Context, userID, attemptID string, to State) (*Attempt, error) {
	return r.update(ctx, userID, attemptID, func(a *Attempt) error {
		return a.Transition(to, r.now())
	})
}

func (r *Recorder) update(ctx context.Context, userID, attemptID string, fn func(a *Attempt) error) (*Attempt, error) {
	if userID == "" {
		return nil, ErrNoProfile
	}
	return r.attempts.Update(ctx, userID, attemptID, fn)
}
