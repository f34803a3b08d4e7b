// Package authpw provides email/password registration and sign-in.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"salesdesk/api/internal/rbac"
	"salesdesk/api/internal/store"
	"salesdesk/api/internal/util"
)

const MinPasswordLength = 6

var (
	ErrEmailTaken         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// ValidationError lists the request fields that failed validation, keyed by field name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	return "invalid credentials request: " + strings.Join(parts, ", ")
}

type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) (store.User, error)
}

type Service struct {
	store UserStore
	cost  int
}

func NewService(store UserStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

type RegisterRequest struct {
	Name     string
	Email    string
	Password string
	Role     string
}

// Register creates a user. An empty role becomes Sales Executive.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	fields := map[string]string{}
	name := strings.TrimSpace(req.Name)
	email := util.NormalizeEmail(req.Email)
	if name == "" {
		fields["name"] = "Name is required"
	}
	if !util.ValidEmail(email) {
		fields["email"] = "Please include a valid email"
	}
	if len(req.Password) < MinPasswordLength {
		fields["password"] = fmt.Sprintf("Password must be %d or more characters", MinPasswordLength)
	}
	role := strings.TrimSpace(req.Role)
	if role != "" && !rbac.Valid(role) {
		fields["role"] = "Invalid role"
	}
	if len(fields) > 0 {
		return store.User{}, &ValidationError{Fields: fields}
	}
	if role == "" {
		role = string(rbac.RoleSalesExecutive)
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, store.User{
		ID:           util.NewID("usr"),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
	})
	if errors.Is(err, store.ErrConflict) {
		// lost a race with a concurrent registration
		return store.User{}, ErrEmailTaken
	}
	if err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login returns the user whose password matches. Unknown email and wrong password are
// indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (store.User, error) {
	email = util.NormalizeEmail(email)
	if email == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}
