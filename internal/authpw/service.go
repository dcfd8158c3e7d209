// Package authpw handles email/password accounts. New accounts wait in
// the pending state until an administrator approves them.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"backstage/api/internal/store"
	"backstage/api/internal/util"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrPendingApproval    = errors.New("account awaiting approval")
	ErrRejected           = errors.New("account rejected")
)

const minPasswordLength = 8

type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	ListUsersByStatus(ctx context.Context, status string) ([]store.User, error)
	SetUserStatus(ctx context.Context, userID, status string) error
}

type Service struct {
	store          UserStore
	bootstrapAdmin string
	cost           int
}

// NewService returns a Service. An account signing up with bootstrapAdmin
// as its email is approved immediately with the admin role.
func NewService(users UserStore, bootstrapAdmin string) *Service {
	return &Service{
		store:          users,
		bootstrapAdmin: normalizeEmail(bootstrapAdmin),
		cost:           bcrypt.DefaultCost,
	}
}

type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
}

func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	email := normalizeEmail(req.Email)
	name := strings.TrimSpace(req.DisplayName)
	if email == "" || name == "" || req.Password == "" {
		return store.User{}, fmt.Errorf("%w: email, password and display name are required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return store.User{}, fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}
	if len(req.Password) < minPasswordLength {
		return store.User{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}

	_, err := s.store.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		return store.User{}, ErrEmailTaken
	case !errors.Is(err, sql.ErrNoRows):
		return store.User{}, fmt.Errorf("lookup email: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID(""),
		DisplayName:  name,
		Email:        email,
		PasswordHash: string(hash),
		Role:         store.RoleUser,
		Status:       store.StatusPending,
	}
	if s.bootstrapAdmin != "" && email == s.bootstrapAdmin {
		user.Role = store.RoleAdmin
		user.Status = store.StatusApproved
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// SignIn checks the password first so account status is never revealed
// to someone without valid credentials.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	user, err := s.store.GetUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return store.User{}, ErrInvalidCredentials
	}
	switch user.Status {
	case store.StatusApproved:
		return user, nil
	case store.StatusRejected:
		return store.User{}, ErrRejected
	default:
		return store.User{}, ErrPendingApproval
	}
}

func (s *Service) ListPending(ctx context.Context) ([]store.User, error) {
	users, err := s.store.ListUsersByStatus(ctx, store.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending users: %w", err)
	}
	return users, nil
}

func (s *Service) Approve(ctx context.Context, userID string) (store.User, error) {
	return s.setStatus(ctx, userID, store.StatusApproved)
}

func (s *Service) Reject(ctx context.Context, userID string) (store.User, error) {
	return s.setStatus(ctx, userID, store.StatusRejected)
}

func (s *Service) setStatus(ctx context.Context, userID, status string) (store.User, error) {
	if strings.TrimSpace(userID) == "" {
		return store.User{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if err := s.store.SetUserStatus(ctx, userID, status); err != nil {
		return store.User{}, fmt.Errorf("set user status: %w", err)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return store.User{}, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
