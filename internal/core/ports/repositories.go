package ports

import (
	"context"

	"huddle/internal/core/domain"
)

type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id domain.UserID) (*domain.User, error)
	Update(ctx context.Context, user *domain.User) error
}

type RoomRepository interface {
	Create(ctx context.Context, room *domain.Room) error
	GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	Update(ctx context.Context, room *domain.Room) error
	Delete(ctx context.Context, id domain.RoomID) error
	List(ctx context.Context) ([]*domain.Room, error)
}
