// Package auth implements actor registration, login, and token issuance.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"devchain/internal/domain"
	pkgerrors "devchain/pkg/errors"
)

// Repository is the actor persistence the service needs.
type Repository interface {
	Create(ctx context.Context, user *domain.User) error
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	FindByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	UpdateLastLogin(ctx context.Context, id uuid.UUID) error
}

// Service provides actor registration, login, and JWT issuance. An actor's
// role is fixed at registration and carried in the token.
type Service struct {
	repo      Repository
	jwtSecret string
	jwtExpiry time.Duration
}

func NewService(repo Repository, jwtSecret string, jwtExpiry time.Duration) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: jwtSecret,
		jwtExpiry: jwtExpiry,
	}
}

// RegisterRequest captures the fields required to create a new actor account.
type RegisterRequest struct {
	Email         string `json:"email" validate:"required,email"`
	Password      string `json:"password" validate:"required,min=8"`
	Name          string `json:"name" validate:"required"`
	Role          string `json:"role" validate:"required,actor_role"`
	LedgerAddress string `json:"ledger_address" validate:"omitempty,len=42"`
}

// LoginRequest captures credentials for login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// TokenResponse is returned on successful register/login.
type TokenResponse struct {
	AccessToken string       `json:"access_token"`
	ExpiresAt   time.Time    `json:"expires_at"`
	User        *domain.User `json:"user"`
}

// Register creates a new actor account and returns a token.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*TokenResponse, error) {
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		return nil, pkgerrors.ErrInvalidRole
	}

	exists, err := s.repo.ExistsByEmail(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, pkgerrors.ErrActorAlreadyExists
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &domain.User{
		ID:            uuid.New(),
		Email:         req.Email,
		PasswordHash:  string(passwordHash),
		Name:          req.Name,
		Role:          role,
		LedgerAddress: req.LedgerAddress,
		IsActive:      true,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	if err := s.repo.Create(ctx, user); err != nil {
		// Unique constraint violation on email
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, pkgerrors.ErrActorAlreadyExists
		}
		return nil, err
	}

	return s.generateToken(user)
}

// Login authenticates an actor and returns a token.
func (s *Service) Login(ctx context.Context, req *LoginRequest) (*TokenResponse, error) {
	user, err := s.repo.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrActorNotFound) {
			return nil, pkgerrors.ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, pkgerrors.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, pkgerrors.ErrInvalidCredentials
	}

	// last_login is advisory; login succeeds even if the update fails.
	_ = s.repo.UpdateLastLogin(ctx, user.ID)

	return s.generateToken(user)
}

// GetActor resolves an actor identity by ID, for token refresh paths.
func (s *Service) GetActor(ctx context.Context, id uuid.UUID) (domain.Actor, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return domain.Actor{}, err
	}
	return user.Actor(), nil
}

func (s *Service) generateToken(user *domain.User) (*TokenResponse, error) {
	expiresAt := time.Now().Add(s.jwtExpiry)

	claims := jwt.MapClaims{
		"user_id":        user.ID.String(),
		"role":           string(user.Role),
		"ledger_address": user.LedgerAddress,
		"exp":            expiresAt.Unix(),
		"iat":            time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &TokenResponse{
		AccessToken: signed,
		ExpiresAt:   expiresAt,
		User:        user,
	}, nil
}
