// Package authpw provides email/password authentication backed by the
// profiles table.
package authpw

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"punchtime/api/internal/store"
	"punchtime/api/internal/util"
)

// Service provides email/password authentication
type Service struct {
	store ProfileStore
}

// ProfileStore defines the storage interface for auth
type ProfileStore interface {
	GetProfileByEmail(ctx context.Context, email string) (store.Profile, error)
	InsertProfile(ctx context.Context, profile store.Profile) error
}

// NewService creates a new auth service
func NewService(store ProfileStore) *Service {
	return &Service{store: store}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
	AvatarURL   string
}

// SignUp creates a new profile
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.Profile, error) {
	if req.Email == "" || req.Password == "" || req.DisplayName == "" {
		return store.Profile{}, errors.New("email, password, and display name are required")
	}

	if len(req.Password) < 8 {
		return store.Profile{}, errors.New("password must be at least 8 characters")
	}

	// Check if email already exists
	_, err := s.store.GetProfileByEmail(ctx, req.Email)
	if err == nil {
		return store.Profile{}, errors.New("email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.Profile{}, fmt.Errorf("hash password: %w", err)
	}

	profile := store.Profile{
		ID:           util.NewID("user"),
		DisplayName:  req.DisplayName,
		Email:        req.Email,
		AvatarURL:    req.AvatarURL,
		PasswordHash: string(hash),
	}

	if err := s.store.InsertProfile(ctx, profile); err != nil {
		return store.Profile{}, fmt.Errorf("create profile: %w", err)
	}

	return profile, nil
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Email    string
	Password string
}

// SignIn authenticates a user
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.Profile, error) {
	if req.Email == "" || req.Password == "" {
		return store.Profile{}, errors.New("email and password are required")
	}

	profile, err := s.store.GetProfileByEmail(ctx, req.Email)
	if err != nil {
		return store.Profile{}, errors.New("invalid email or password")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(profile.PasswordHash), []byte(req.Password)); err != nil {
		return store.Profile{}, errors.New("invalid email or password")
	}

	return profile, nil
}
