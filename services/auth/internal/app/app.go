package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bmsreport/pkg/auth"
	"bmsreport/pkg/domain"
	"bmsreport/pkg/store"
)

// UserStore is the slice of the store the auth service needs.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	SaveUser(ctx context.Context, u domain.User) error
}

// SessionManager issues, verifies and revokes session tokens and publishes
// the keys that verify them.
type SessionManager interface {
	store.SessionStore
	store.UserSessionRevoker
	store.JWKSProvider
}

// Limiter counts attempts per key.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Config holds runtime dependencies for the auth application.
type Config struct {
	Store        UserStore
	Sessions     SessionManager
	LoginLimiter Limiter
	Logger       *slog.Logger
	Now          func() time.Time
}

// App wires storage, password checks and session tokens together.
type App struct {
	store    UserStore
	sessions SessionManager
	limiter  Limiter
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("user store is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &App{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		limiter:  cfg.LoginLimiter,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// Login validates credentials and issues a session token. Attempts are
// counted per client address before the password is checked.
func (a *App) Login(ctx context.Context, email, password, clientIP string) (domain.User, store.Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domain.User{}, store.Session{}, ErrEmailAndPasswordRequired
	}
	if a.limiter != nil && !a.limiter.Allow(ctx, "login:"+clientIP) {
		return domain.User{}, store.Session{}, ErrRateLimited
	}
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, store.Session{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, store.Session{}, ErrInvalidCredentials
	}
	if user.Status == domain.StatusDisabled {
		return domain.User{}, store.Session{}, ErrUserDisabled
	}
	if strings.TrimSpace(user.PasswordHash) == "" || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, store.Session{}, ErrInvalidCredentials
	}
	session, err := a.sessions.NewSession(ctx, user)
	if err != nil {
		return domain.User{}, store.Session{}, fmt.Errorf("issue session: %w", err)
	}
	return user, session, nil
}

// Authenticate resolves the active user behind a session token.
func (a *App) Authenticate(ctx context.Context, token string) (domain.User, error) {
	id, err := a.sessions.VerifySession(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrInvalidSession) || errors.Is(err, store.ErrSessionRevoked) {
			return domain.User{}, ErrUnauthorized
		}
		return domain.User{}, fmt.Errorf("verify session: %w", err)
	}
	user, ok, err := a.store.GetUserByID(ctx, id.UserID)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok || user.Status == domain.StatusDisabled {
		return domain.User{}, ErrUnauthorized
	}
	return user, nil
}

// Logout revokes the token until it would have expired.
func (a *App) Logout(ctx context.Context, token string) error {
	return a.sessions.DeleteSession(ctx, token)
}

// RevokeUser invalidates every session userID holds right now. With disable
// set the account is also switched off so it cannot log in again.
func (a *App) RevokeUser(ctx context.Context, admin domain.User, userID string, disable bool) (domain.User, error) {
	if admin.Role != domain.RoleAdmin {
		return domain.User{}, ErrForbidden
	}
	userID = strings.TrimSpace(userID)
	if userID == admin.ID {
		return domain.User{}, ErrCannotRevokeSelf
	}
	target, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	now := a.now()
	if disable && target.Status != domain.StatusDisabled {
		target.Status = domain.StatusDisabled
		target.UpdatedAt = now
		if err := a.store.SaveUser(ctx, target); err != nil {
			return domain.User{}, fmt.Errorf("disable user: %w", err)
		}
	}
	if err := a.sessions.RevokeUserSessions(ctx, target.ID, now); err != nil {
		return domain.User{}, fmt.Errorf("revoke user sessions: %w", err)
	}
	a.logger.Info("user sessions revoked", "user_id", target.ID, "by", admin.ID, "disabled", target.Status == domain.StatusDisabled)
	return target, nil
}

// JWKS returns the public keys able to verify issued tokens.
func (a *App) JWKS() []store.JWK {
	return a.sessions.JWKS()
}
