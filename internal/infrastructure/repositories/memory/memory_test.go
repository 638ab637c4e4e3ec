package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/internal/core/domain"
)

func TestMemoryRoomRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRoomRepository()

	room := &domain.Room{ID: "r1", AdminID: "alice", JoinedUsers: []domain.PeerID{"alice"}}
	require.NoError(t, repo.Create(ctx, room))
	assert.Error(t, repo.Create(ctx, room), "duplicate id")

	got, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, room.JoinedUsers, got.JoinedUsers)

	// stored copies are isolated from callers
	room.JoinedUsers[0] = "mallory"
	got.JoinedUsers = append(got.JoinedUsers, "bob")
	again, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"alice"}, again.JoinedUsers)

	require.NoError(t, repo.Update(ctx, got))
	again, err = repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"alice", "bob"}, again.JoinedUsers)

	require.NoError(t, repo.Delete(ctx, "r1"))
	_, err = repo.GetByID(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "r1"), domain.ErrRoomNotFound)
	assert.ErrorIs(t, repo.Update(ctx, got), domain.ErrRoomNotFound)
}

func TestMemoryRoomRepository_ListOldestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRoomRepository()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, &domain.Room{ID: "c", CreatedAt: base.Add(2 * time.Minute)}))
	require.NoError(t, repo.Create(ctx, &domain.Room{ID: "b", CreatedAt: base}))
	require.NoError(t, repo.Create(ctx, &domain.Room{ID: "a", CreatedAt: base}))

	rooms, err := repo.List(ctx)
	require.NoError(t, err)
	ids := make([]domain.RoomID, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []domain.RoomID{"a", "b", "c"}, ids)
}

func TestMemoryUserRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryUserRepository()

	user := &domain.User{ID: "alice", DisplayName: "Alice"}
	require.NoError(t, repo.Create(ctx, user))
	assert.Error(t, repo.Create(ctx, user))

	got, err := repo.GetByID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.DisplayName)

	got.DisplayName = "Alicia"
	require.NoError(t, repo.Update(ctx, got))
	got, err = repo.GetByID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alicia", got.DisplayName)

	_, err = repo.GetByID(ctx, "bob")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
	assert.ErrorIs(t, repo.Update(ctx, &domain.User{ID: "bob"}), domain.ErrUserNotFound)
}
