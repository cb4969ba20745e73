package auth

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/coachdesk/coachdesk/internal/shared"
)

// Service wraps authentication business rules.
type Service struct {
	repo   Repository
	tokens *TokenStore
}

// NewService constructs a new Service.
func NewService(repo Repository, tokens *TokenStore) *Service {
	return &Service{repo: repo, tokens: tokens}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// Login authenticates and issues a bearer token.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	token, expiresAt, err := s.tokens.Issue(ctx, shared.Caller{UserID: user.ID, Email: user.Email, Role: user.Role})
	if err != nil {
		return Session{}, fmt.Errorf("auth: issue token: %w", err)
	}
	return Session{Token: token, ExpiresAt: expiresAt, User: *user}, nil
}

// Logout revokes the token.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.tokens.Revoke(ctx, token)
}

// Resolve maps a bearer token to its caller.
func (s *Service) Resolve(ctx context.Context, token string) (shared.Caller, error) {
	return s.tokens.Resolve(ctx, token)
}

// CreateUser hashes password and stores a new account.
func (s *Service) CreateUser(ctx context.Context, email, name, role, password string) (int64, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if role != RoleCoach && role != RoleClient {
		return 0, fmt.Errorf("auth: unknown role %q", role)
	}
	if len(password) < 8 {
		return 0, fmt.Errorf("auth: password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}
	return s.repo.CreateUser(ctx, User{Email: email, Name: name, Role: role, PasswordHash: string(hash)})
}
