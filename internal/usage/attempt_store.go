package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	attemptKeyPrefix  = "voice:attempt:"
	maxUpdateRetries  = 3
	defaultAttemptTTL = 10 * time.Minute
)

// AttemptStore keeps recording attempts in Redis hashes. Every write renews
// the TTL, so an abandoned attempt disappears on its own.
type AttemptStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewAttemptStore(client redis.UniversalClient, ttl time.Duration) *AttemptStore {
	if ttl <= 0 {
		ttl = defaultAttemptTTL
	}
	return &AttemptStore{client: client, ttl: ttl}
}

func attemptKey(id string) string {
	return attemptKeyPrefix + id
}

func (s *AttemptStore) Create(ctx context.Context, a *Attempt) error {
	key := attemptKey(a.ID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, attemptFields(a))
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing attempt %s: %w", a.ID, err)
	}
	return nil
}

// Get returns the attempt when it exists and belongs to userID.
func (s *AttemptStore) Get(ctx context.Context, userID, id string) (*Attempt, error) {
	return s.get(ctx, s.client, userID, id)
}

// Update applies fn to the stored attempt atomically. A concurrent writer
// makes the transaction retry with fresh state.
func (s *AttemptStore) Update(ctx context.Context, userID, id string, fn func(a *Attempt) error) (*Attempt, error) {
	key := attemptKey(id)
	var updated *Attempt

	txf := func(tx *redis.Tx) error {
		a, err := s.get(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, attemptFields(a))
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = a
		return nil
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("updating attempt %s: too much contention", id)
}

func (s *AttemptStore) get(ctx context.Context, c redis.Cmdable, userID, id string) (*Attempt, error) {
	vals, err := c.HGetAll(ctx, attemptKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading attempt %s: %w", id, err)
	}
	if len(vals) == 0 || vals["user_id"] != userID {
		return nil, ErrAttemptNotFound
	}

	a := &Attempt{
		ID:     vals["id"],
		UserID: vals["user_id"],
		State:  State(vals["state"]),
		Reason: vals["reason"],
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, vals["created_at"]); err != nil {
		return nil, fmt.Errorf("parsing attempt %s created_at: %w", id, err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339Nano, vals["updated_at"]); err != nil {
		return nil, fmt.Errorf("parsing attempt %s updated_at: %w", id, err)
	}
	return a, nil
}

func attemptFields(a *Attempt) map[string]any {
	return map[string]any{
		"id":         a.ID,
		"user_id":    a.UserID,
		"state":      string(a.State),
		"reason":     a.Reason,
		"created_at": a.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": a.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}
