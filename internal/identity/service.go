// Package identity handles sign-in: email/password for provisioned
// accounts and passwordless magic links delivered over email.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"pulse/api/internal/auth"
	"pulse/api/internal/store"
	"pulse/api/internal/util"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidLink        = errors.New("invalid or expired sign-in link")
)

// UserStore is the subset of the record store identity needs.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
}

// LinkStore holds one-shot magic-link tokens (Redis or Postgres).
type LinkStore interface {
	SaveMagicLink(ctx context.Context, tokenHash, userID string, ttl time.Duration) error
	ConsumeMagicLink(ctx context.Context, tokenHash string) (string, error)
}

// Mailer delivers the sign-in link.
type Mailer interface {
	IsConfigured() bool
	SendMagicLinkEmail(to, signInURL string) error
}

type Service struct {
	users      UserStore
	links      LinkStore
	mailer     Mailer
	appBaseURL string
	linkTTL    time.Duration
}

func NewService(users UserStore, links LinkStore, mailer Mailer, appBaseURL string, linkTTL time.Duration) *Service {
	return &Service{
		users:      users,
		links:      links,
		mailer:     mailer,
		appBaseURL: strings.TrimRight(appBaseURL, "/"),
		linkTTL:    linkTTL,
	}
}

// SignIn authenticates a provisioned email/password account.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if user.PasswordHash == "" {
		// Magic-link-only account.
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// RequestMagicLink issues a one-shot sign-in token and emails the link.
// Unknown addresses are ignored silently so the endpoint does not leak
// which emails are registered.
func (s *Service) RequestMagicLink(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return errors.New("email is required")
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		log.Printf("identity: magic link requested for unknown address")
		return nil
	}

	token := util.NewToken()
	if err := s.links.SaveMagicLink(ctx, auth.HashToken(token), user.ID, s.linkTTL); err != nil {
		return fmt.Errorf("save magic link: %w", err)
	}

	signInURL := s.appBaseURL + "/auth/verify?token=" + url.QueryEscape(token)
	if s.mailer == nil || !s.mailer.IsConfigured() {
		// Dev setups without SMTP: the link only shows up in the log.
		log.Printf("identity: email not configured, magic link for %s: %s", user.ID, signInURL)
		return nil
	}
	if err := s.mailer.SendMagicLinkEmail(user.Email, signInURL); err != nil {
		return fmt.Errorf("send magic link: %w", err)
	}
	return nil
}

// VerifyMagicLink consumes the token and returns the account it belongs
// to. A token verifies at most once.
func (s *Service) VerifyMagicLink(ctx context.Context, token string) (store.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return store.User{}, ErrInvalidLink
	}

	userID, err := s.links.ConsumeMagicLink(ctx, auth.HashToken(token))
	if err != nil {
		return store.User{}, ErrInvalidLink
	}

	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return store.User{}, ErrInvalidLink
	}
	return user, nil
}

// HashPassword is used at account provisioning time.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", errors.New("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
