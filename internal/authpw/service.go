// Package authpw provides email/password authentication for portal users.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"rars/api/internal/rbac"
	"rars/api/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidInput       = errors.New("invalid sign-up details")
)

// Service provides email/password authentication
type Service struct {
	store ProfileStore
	cost  int
}

// ProfileStore defines the storage interface for auth
type ProfileStore interface {
	GetProfileByEmail(ctx context.Context, email string) (store.Profile, error)
	CreateProfile(ctx context.Context, profile store.Profile) (store.Profile, error)
}

// NewService creates a new auth service
func NewService(s ProfileStore) *Service {
	return &Service{store: s, cost: bcrypt.DefaultCost}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email         string
	Password      string
	FullName      string
	ApplicantType string
	Institution   string
}

// SignUp creates a profile holding only the APPLICANT role. Staff roles are
// granted separately by a system administrator.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.Profile, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	name := strings.TrimSpace(req.FullName)
	if email == "" || req.Password == "" || name == "" {
		return store.Profile{}, fmt.Errorf("%w: email, password, and full name are required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return store.Profile{}, fmt.Errorf("%w: email address is not valid", ErrInvalidInput)
	}
	if len(req.Password) < 8 {
		return store.Profile{}, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	applicantType, err := store.ParseApplicantType(req.ApplicantType)
	if err != nil {
		return store.Profile{}, fmt.Errorf("%w: unknown applicant type %q", ErrInvalidInput, req.ApplicantType)
	}

	if _, err := s.store.GetProfileByEmail(ctx, email); err == nil {
		return store.Profile{}, ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Profile{}, fmt.Errorf("lookup profile: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.Profile{}, fmt.Errorf("hash password: %w", err)
	}

	profile, err := s.store.CreateProfile(ctx, store.Profile{
		FullName:      name,
		Email:         email,
		PasswordHash:  string(hash),
		ApplicantType: string(applicantType),
		Institution:   strings.TrimSpace(req.Institution),
		Roles:         []string{string(rbac.RoleApplicant)},
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.Profile{}, ErrEmailTaken
		}
		return store.Profile{}, fmt.Errorf("create profile: %w", err)
	}
	return profile, nil
}

// SignIn authenticates a user. Unknown emails and wrong passwords return the
// same error.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.Profile, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return store.Profile{}, ErrInvalidCredentials
	}

	profile, err := s.store.GetProfileByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Profile{}, ErrInvalidCredentials
		}
		return store.Profile{}, fmt.Errorf("lookup profile: %w", err)
	}
	if profile.PasswordHash == "" {
		return store.Profile{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(profile.PasswordHash), []byte(password)); err != nil {
		return store.Profile{}, ErrInvalidCredentials
	}
	return profile, nil
}
