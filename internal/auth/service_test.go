package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"golang.org/x/crypto/bcrypt"

	"devchain/internal/domain"
	pkgerrors "devchain/pkg/errors"
)

// Mocks

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, user *domain.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	args := m.Called(ctx, email)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) UpdateLastLogin(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

const testSecret = "test-secret"

// Tests

func TestRegisterIssuesTokenWithRoleClaim(t *testing.T) {
	mockRepo := new(MockRepository)
	service := NewService(mockRepo, testSecret, time.Hour)

	mockRepo.On("ExistsByEmail", mock.Anything, "maker@example.com").Return(false, nil)
	mockRepo.On("Create", mock.Anything, mock.MatchedBy(func(u *domain.User) bool {
		return u.Email == "maker@example.com" && u.Role == domain.RoleManufacturer && u.IsActive
	})).Return(nil)

	resp, err := service.Register(context.Background(), &RegisterRequest{
		Email:    "maker@example.com",
		Password: "supersecret",
		Name:     "Maker One",
		Role:     "manufacturer",
	})

	assert.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)

	token, err := jwt.Parse(resp.AccessToken, func(t *jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	})
	assert.NoError(t, err)
	claims := token.Claims.(jwt.MapClaims)
	assert.Equal(t, "manufacturer", claims["role"])
	assert.Equal(t, resp.User.ID.String(), claims["user_id"])
	mockRepo.AssertExpectations(t)
}

func TestRegisterRejectsUnknownRole(t *testing.T) {
	mockRepo := new(MockRepository)
	service := NewService(mockRepo, testSecret, time.Hour)

	resp, err := service.Register(context.Background(), &RegisterRequest{
		Email:    "a@example.com",
		Password: "supersecret",
		Name:     "A",
		Role:     "admin",
	})

	assert.Nil(t, resp)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidRole)
	mockRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	mockRepo := new(MockRepository)
	service := NewService(mockRepo, testSecret, time.Hour)

	mockRepo.On("ExistsByEmail", mock.Anything, "dup@example.com").Return(true, nil)

	resp, err := service.Register(context.Background(), &RegisterRequest{
		Email:    "dup@example.com",
		Password: "supersecret",
		Name:     "Dup",
		Role:     "shipper",
	})

	assert.Nil(t, resp)
	assert.ErrorIs(t, err, pkgerrors.ErrActorAlreadyExists)
}

func TestLoginSuccess(t *testing.T) {
	mockRepo := new(MockRepository)
	service := NewService(mockRepo, testSecret, time.Hour)

	hash, err := bcrypt.GenerateFromPassword([]byte("supersecret"), bcrypt.MinCost)
	assert.NoError(t, err)

	user := &domain.User{
		ID:           uuid.New(),
		Email:        "ship@example.com",
		PasswordHash: string(hash),
		Role:         domain.RoleShipper,
		IsActive:     true,
	}
	mockRepo.On("FindByEmail", mock.Anything, "ship@example.com").Return(user, nil)
	mockRepo.On("UpdateLastLogin", mock.Anything, user.ID).Return(nil)

	resp, err := service.Login(context.Background(), &LoginRequest{
		Email:    "ship@example.com",
		Password: "supersecret",
	})

	assert.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	mockRepo.AssertExpectations(t)
}

func TestLoginWrongPassword(t *testing.T) {
	mockRepo := new(MockRepository)
	service := NewService(mockRepo, testSecret, time.Hour)

	hash, _ := bcrypt.GenerateFromPassword([]byte("supersecret"), bcrypt.MinCost)
	user := &domain.User{
		ID:           uuid.New(),
		Email:        "ship@example.com",
		PasswordHash: string(hash),
		IsActive:     true,
	}
	mockRepo.On("FindByEmail", mock.Anything, "ship@example.com").Return(user, nil)

	resp, err := service.Login(context.Background(), &LoginRequest{
		Email:    "ship@example.com",
		Password: "wrong",
	})

	assert.Nil(t, resp)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidCredentials)
}

func TestLoginUnknownEmailAndInactiveAccount(t *testing.T) {
	mockRepo := new(MockRepository)
	service := NewService(mockRepo, testSecret, time.Hour)

	mockRepo.On("FindByEmail", mock.Anything, "ghost@example.com").Return(nil, pkgerrors.ErrActorNotFound)

	resp, err := service.Login(context.Background(), &LoginRequest{Email: "ghost@example.com", Password: "x"})
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidCredentials)

	hash, _ := bcrypt.GenerateFromPassword([]byte("supersecret"), bcrypt.MinCost)
	mockRepo.On("FindByEmail", mock.Anything, "off@example.com").Return(&domain.User{
		ID:           uuid.New(),
		Email:        "off@example.com",
		PasswordHash: string(hash),
		IsActive:     false,
	}, nil)

	resp, err = service.Login(context.Background(), &LoginRequest{Email: "off@example.com", Password: "supersecret"})
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidCredentials)
}
