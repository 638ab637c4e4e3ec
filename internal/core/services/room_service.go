package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	apperrors "huddle/pkg/errors"
	"huddle/pkg/validation"
)

type roomService struct {
	rooms   ports.RoomRepository
	users   ports.UserRepository
	plugins []domain.Plugin
	logger  *zap.SugaredLogger

	// serializes read-modify-write of room records
	mu sync.Mutex
}

func NewRoomService(
	rooms ports.RoomRepository,
	users ports.UserRepository,
	plugins []domain.Plugin,
	logger *zap.SugaredLogger,
) ports.RoomService {
	return &roomService{
		rooms:   rooms,
		users:   users,
		plugins: plugins,
		logger:  logger,
	}
}

func (s *roomService) CreateRoom(ctx context.Context, admin domain.UserID) (*domain.Room, error) {
	room := &domain.Room{
		ID:          domain.RoomID(uuid.NewString()),
		AdminID:     admin,
		JoinedUsers: []domain.PeerID{},
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.rooms.Create(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	s.logger.Infow("room created", "room_id", room.ID, "admin_id", admin)
	return room, nil
}

func (s *roomService) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	room, err := s.rooms.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "room")
	}
	return room, nil
}

func (s *roomService) ListRooms(ctx context.Context) ([]*domain.Room, error) {
	return s.rooms.List(ctx)
}

func (s *roomService) Join(ctx context.Context, id domain.RoomID, user domain.UserID) (*domain.Room, []domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, err := s.rooms.GetByID(ctx, id)
	if err != nil {
		return nil, nil, notFound(err, "room")
	}
	if room.AddMember(domain.PeerID(user)) {
		if err := s.rooms.Update(ctx, room); err != nil {
			return nil, nil, fmt.Errorf("failed to update room: %w", err)
		}
	}

	users := make([]domain.User, 0, len(room.JoinedUsers))
	for _, peer := range room.JoinedUsers {
		u, err := s.users.GetByID(ctx, domain.UserID(peer))
		if err != nil {
			s.logger.Warnw("room member without user record", "room_id", id, "peer_id", peer, "error", err)
			continue
		}
		users = append(users, *u)
	}
	return room, users, nil
}

func (s *roomService) Leave(ctx context.Context, id domain.RoomID, user domain.UserID) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, err := s.rooms.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "room")
	}
	if !room.RemoveMember(domain.PeerID(user)) {
		return room, nil
	}
	if err := s.rooms.Update(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to update room: %w", err)
	}
	return room, nil
}

func (s *roomService) SetPlugin(ctx context.Context, id domain.RoomID, user domain.UserID, plugin *domain.Plugin, iframeID string) (*domain.Room, error) {
	if plugin == nil {
		return nil, apperrors.NewInvalidInputError("plugin is required")
	}
	if err := validation.ValidatePluginURL(plugin.URL); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	room, err := s.rooms.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "room")
	}
	if !room.HasMember(domain.PeerID(user)) {
		return nil, apperrors.WrapError(domain.ErrNotInRoom, apperrors.ErrCodeConflict, "not a member of the room", http.StatusConflict)
	}

	p := *plugin
	room.Plugin = &p
	room.IframeID = iframeID
	if err := s.rooms.Update(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to update room: %w", err)
	}
	s.logger.Infow("plugin set", "room_id", id, "plugin_id", p.ID, "url", p.URL)
	return room, nil
}

func (s *roomService) ListPlugins(ctx context.Context) []domain.Plugin {
	return append([]domain.Plugin(nil), s.plugins...)
}

func notFound(err error, resource string) error {
	if errors.Is(err, domain.ErrRoomNotFound) || errors.Is(err, domain.ErrUserNotFound) {
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, resource+" not found", http.StatusNotFound)
	}
	return err
}
