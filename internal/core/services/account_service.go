package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	apperrors "huddle/pkg/errors"
	"huddle/pkg/validation"
)

type accountService struct {
	users       ports.UserRepository
	credentials CredentialService
}

func NewAccountService(users ports.UserRepository, credentials CredentialService) ports.AccountService {
	return &accountService{users: users, credentials: credentials}
}

func (s *accountService) Register(ctx context.Context, displayName string) (*domain.User, string, error) {
	if err := validation.ValidateDisplayName(displayName); err != nil {
		return nil, "", apperrors.WrapError(domain.ErrEmptyDisplayName, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	}
	displayName = strings.TrimSpace(displayName)

	user := &domain.User{
		ID:          domain.UserID(uuid.NewString()),
		DisplayName: displayName,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, "", fmt.Errorf("failed to create user: %w", err)
	}

	secret, err := s.credentials.Issue(user.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to issue secret: %w", err)
	}
	return user, secret, nil
}

func (s *accountService) Login(ctx context.Context, secret string) (*domain.User, error) {
	claims, err := s.credentials.Validate(secret)
	if err != nil {
		return nil, apperrors.WrapError(domain.ErrInvalidSecret, apperrors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized)
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "secret names an unknown user", http.StatusUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

func (s *accountService) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeNotFound, "user not found", http.StatusNotFound)
	}
	return user, err
}
