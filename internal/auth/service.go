package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/reflectionguide/reflect/internal/users"
)

var ErrRefreshRevoked = errors.New("refresh token revoked")

// ProfileResolver returns a user's current profile reference.
type ProfileResolver interface {
	CurrentProfile(ctx context.Context, userID string) (string, error)
}

// Service mints token pairs and tracks live refresh tokens in Redis. Each
// refresh key stores the identity it was minted for. On refresh the profile
// is looked up again through profiles, when set, so a profile created after
// login reaches the next access token.
type Service struct {
	jwt      *JWTManager
	redis    redis.UniversalClient
	profiles ProfileResolver
}

// NewService builds a Service. profiles may be nil.
func NewService(jwt *JWTManager, redisClient redis.UniversalClient, profiles ProfileResolver) *Service {
	return &Service{jwt: jwt, redis: redisClient, profiles: profiles}
}

func refreshKey(userID, tokenID string) string {
	return fmt.Sprintf("refresh:%s:%s", userID, tokenID)
}

func (s *Service) GenerateTokens(ctx context.Context, id Identity) (*TokenPair, error) {
	pair, tokenID, err := s.jwt.GenerateTokenPair(id)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("encoding identity: %w", err)
	}
	if err := s.redis.Set(ctx, refreshKey(id.UserID, tokenID), payload, s.jwt.RefreshExpiry()).Err(); err != nil {
		return nil, fmt.Errorf("storing refresh token: %w", err)
	}
	return pair, nil
}

// RefreshTokens rotates a refresh token. The old token is consumed
// atomically so a replayed token fails.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.jwt.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh token: %w", err)
	}

	payload, err := s.redis.GetDel(ctx, refreshKey(claims.UserID, claims.TokenID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRefreshRevoked
	}
	if err != nil {
		return nil, fmt.Errorf("checking refresh token: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(payload, &id); err != nil {
		return nil, fmt.Errorf("decoding refresh identity: %w", err)
	}
	if id.UserID != claims.UserID {
		return nil, fmt.Errorf("refresh identity is for user %q, token for %q", id.UserID, claims.UserID)
	}

	if s.profiles != nil {
		profile, err := s.profiles.CurrentProfile(ctx, id.UserID)
		switch {
		case errors.Is(err, users.ErrUserNotFound):
			return nil, ErrRefreshRevoked
		case err != nil:
			slog.Warn("resolving profile on refresh, keeping previous", "error", err, "user_id", id.UserID)
		default:
			id.ProfileID = profile
		}
	}
	return s.GenerateTokens(ctx, id)
}

// Logout revokes every refresh token of the user.
func (s *Service) Logout(ctx context.Context, userID string) error {
	iter := s.redis.Scan(ctx, 0, refreshKey(userID, "*"), 100).Iterator()
	for iter.Next(ctx) {
		if err := s.redis.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("revoking refresh token: %w", err)
		}
	}
	return iter.Err()
}

func (s *Service) ValidateAccessToken(token string) (*AccessClaims, error) {
	return s.jwt.ValidateAccessToken(token)
}

func (s *Service) JWT() *JWTManager {
	return s.jwt
}
