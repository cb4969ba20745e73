package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/coachdesk/coachdesk/internal/shared"
)

const tokenKeyPrefix = "auth:token:"

// TokenStore keeps bearer tokens in Redis with a fixed TTL.
type TokenStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

type tokenPayload struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// NewTokenStore constructs a TokenStore.
func NewTokenStore(client *redis.Client, ttl time.Duration) *TokenStore {
	return &TokenStore{client: client, ttl: ttl, now: time.Now}
}

// TTL returns configured token lifetime.
func (s *TokenStore) TTL() time.Duration {
	return s.ttl
}

// Issue stores a fresh random token for caller.
func (s *TokenStore) Issue(ctx context.Context, caller shared.Caller) (string, time.Time, error) {
	token := uuid.NewString()
	payload, err := json.Marshal(tokenPayload{UserID: caller.UserID, Email: caller.Email, Role: caller.Role})
	if err != nil {
		return "", time.Time{}, err
	}
	if err := s.client.Set(ctx, tokenKeyPrefix+token, payload, s.ttl).Err(); err != nil {
		return "", time.Time{}, err
	}
	return token, s.now().Add(s.ttl), nil
}

// Resolve returns the caller a token was issued to.
func (s *TokenStore) Resolve(ctx context.Context, token string) (shared.Caller, error) {
	if _, err := uuid.Parse(token); err != nil {
		return shared.Caller{}, ErrInvalidToken
	}
	raw, err := s.client.Get(ctx, tokenKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return shared.Caller{}, ErrInvalidToken
	}
	if err != nil {
		return shared.Caller{}, err
	}
	var payload tokenPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return shared.Caller{}, ErrInvalidToken
	}
	return shared.Caller{UserID: payload.UserID, Email: payload.Email, Role: payload.Role}, nil
}

// Revoke deletes the token. Revoking an unknown token is not an error.
func (s *TokenStore) Revoke(ctx context.Context, token string) error {
	return s.client.Del(ctx, tokenKeyPrefix+token).Err()
}
