package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mmynk/groupchat/internal/auth"
	"github.com/mmynk/groupchat/internal/models"
	"github.com/mmynk/groupchat/internal/storage"
)

// AuthService registers users and manages their sessions.
type AuthService struct {
	authenticator auth.Authenticator
	jwtManager    *auth.JWTManager
	revocations   auth.RevocationList
	users         storage.UserStore
	logger        *slog.Logger
}

// NewAuthService creates a new authentication service.
func NewAuthService(
	authenticator auth.Authenticator,
	jwtManager *auth.JWTManager,
	revocations auth.RevocationList,
	users storage.UserStore,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		authenticator: authenticator,
		jwtManager:    jwtManager,
		revocations:   revocations,
		users:         users,
		logger:        logger,
	}
}

// Register creates a new user account.
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.User, error) {
	s.logger.Info("Register request", "username", username)

	user, err := s.authenticator.Register(ctx, username, password)
	if err != nil {
		s.logger.Warn("Registration failed", "username", username, "error", err)
		return nil, err
	}

	s.logger.Info("User registered successfully", "username", user.Username)
	return user, nil
}

// Login authenticates a user and returns a signed token with the session it
// establishes.
func (s *AuthService) Login(ctx context.Context, username, password string) (string, auth.Session, error) {
	s.logger.Info("Login request", "username", username)

	if username == "" || password == "" {
		return "", auth.Session{}, auth.ErrInvalidCredentials
	}

	user, err := s.authenticator.Authenticate(ctx, username, password)
	if err != nil {
		s.logger.Warn("Login failed", "username", username, "error", err)
		if errors.Is(err, models.ErrUnauthenticated) {
			return "", auth.Session{}, auth.ErrInvalidCredentials
		}
		return "", auth.Session{}, err
	}

	token, sess, err := s.jwtManager.Generate(user)
	if err != nil {
		s.logger.Error("Failed to generate token", "username", user.Username, "error", err)
		return "", auth.Session{}, err
	}

	s.logger.Info("User logged in successfully", "username", user.Username)
	return token, sess, nil
}

// Logout ends the session. Its token is rejected from then on, until it
// would have expired anyway.
func (s *AuthService) Logout(ctx context.Context, sess auth.Session) error {
	if !sess.LoggedIn() {
		return models.ErrUnauthenticated
	}
	s.logger.Info("Logout request", "username", sess.Username)

	if sess.TokenID == "" {
		return auth.ErrInvalidToken
	}
	if err := s.revocations.Revoke(ctx, sess.TokenID, sess.ExpiresAt); err != nil {
		s.logger.Error("Logout failed", "username", sess.Username, "error", err)
		return fmt.Errorf("failed to end session: %w", err)
	}

	s.logger.Info("User logged out", "username", sess.Username)
	return nil
}

// Authenticate turns a token into the session it carries. Invalid, expired
// and logged-out tokens are rejected.
func (s *AuthService) Authenticate(ctx context.Context, token string) (auth.Session, error) {
	if token == "" {
		return auth.Session{}, auth.ErrMissingToken
	}

	claims, err := s.jwtManager.Validate(token)
	if err != nil {
		return auth.Session{}, err
	}

	sess := claims.Session()
	revoked, err := s.revocations.IsRevoked(ctx, sess.TokenID)
	if err != nil {
		return auth.Session{}, fmt.Errorf("failed to check session: %w", err)
	}
	if revoked {
		return auth.Session{}, auth.ErrRevokedToken
	}
	return sess, nil
}

// CurrentUser returns the logged-in user with its groups.
func (s *AuthService) CurrentUser(ctx context.Context, sess auth.Session) (*models.User, error) {
	if !sess.LoggedIn() {
		return nil, models.ErrUnauthenticated
	}
	return s.users.GetUser(ctx, sess.Username)
}
