package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
)

type MemoryRoomRepository struct {
	rooms map[domain.RoomID]*domain.Room
	mu    sync.RWMutex
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms: make(map[domain.RoomID]*domain.Room),
	}
}

func (r *MemoryRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[room.ID]; exists {
		return fmt.Errorf("room already exists: %s", room.ID)
	}

	r.rooms[room.ID] = room.Clone()
	return nil
}

func (r *MemoryRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}

	return room.Clone(), nil
}

func (r *MemoryRoomRepository) Update(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[room.ID]; !exists {
		return domain.ErrRoomNotFound
	}

	r.rooms[room.ID] = room.Clone()
	return nil
}

func (r *MemoryRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[id]; !exists {
		return domain.ErrRoomNotFound
	}

	delete(r.rooms, id)
	return nil
}

// List returns every room, oldest first.
func (r *MemoryRoomRepository) List(ctx context.Context) ([]*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]*domain.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room.Clone())
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})

	return rooms, nil
}
