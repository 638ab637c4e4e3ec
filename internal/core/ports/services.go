package ports

import (
	"context"

	"huddle/internal/core/domain"
)

// AccountService issues relay identities. The secret returned by Register
// is the only credential Login accepts.
type AccountService interface {
	Register(ctx context.Context, displayName string) (*domain.User, string, error)
	Login(ctx context.Context, secret string) (*domain.User, error)
	GetUser(ctx context.Context, id domain.UserID) (*domain.User, error)
}

type RoomService interface {
	CreateRoom(ctx context.Context, admin domain.UserID) (*domain.Room, error)
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	ListRooms(ctx context.Context) ([]*domain.Room, error)
	// Join adds user to the room and returns it with every member's record.
	Join(ctx context.Context, id domain.RoomID, user domain.UserID) (*domain.Room, []domain.User, error)
	Leave(ctx context.Context, id domain.RoomID, user domain.UserID) (*domain.Room, error)
	SetPlugin(ctx context.Context, id domain.RoomID, user domain.UserID, plugin *domain.Plugin, iframeID string) (*domain.Room, error)
	ListPlugins(ctx context.Context) []domain.Plugin
}
