package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrInvalidCredentials is returned by Authenticate for an unknown email or a
// wrong password alike.
var ErrInvalidCredentials = errors.New("invalid email or password")

// RegisterRequest is the body of POST /users.
type RegisterRequest struct {
	Email             string `json:"email" validate:"required,email,max=254"`
	Password          string `json:"password" validate:"required,min=8,max=72"`
	ConfirmedPassword string `json:"confirmedPassword" validate:"required,eqfield=Password"`
	FirstName         string `json:"firstName" validate:"required,max=100"`
	LastName          string `json:"lastName" validate:"required,max=100"`
}

// LoginRequest is the body of POST /tokens.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Hasher hashes and checks passwords.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

// Service implements registration and login on top of a Store.
type Service struct {
	store    Store
	hasher   Hasher
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store Store, hasher Hasher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		hasher:   hasher,
		validate: NewValidator(),
		logger:   logger.With("component", "users"),
		now:      time.Now,
	}
}

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Register validates req and creates the account. Validation failures are
// returned as validator.ValidationErrors; a taken email as ErrDuplicate.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	req.Email = normalizeEmail(req.Email)
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, err
	}

	if _, err := s.store.GetUserByEmail(ctx, req.Email); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, req.Email)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	u := &User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("user registered", "user_id", u.ID, "email", u.Email)
	return u, nil
}

// Authenticate checks a login and returns the matching user.
func (s *Service) Authenticate(ctx context.Context, req LoginRequest) (*User, error) {
	req.Email = normalizeEmail(req.Email)
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, err
	}

	u, err := s.store.GetUserByEmail(ctx, req.Email)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !s.hasher.Verify(req.Password, u.PasswordHash) {
		s.logger.Info("login rejected", "email", req.Email)
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CountUsers returns the number of registered accounts.
func (s *Service) CountUsers(ctx context.Context) (int, error) {
	return s.store.CountUsers(ctx)
}
