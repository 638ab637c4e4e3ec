package domain

import "errors"

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrPluginNotFound   = errors.New("plugin not found")
	ErrAlreadyInRoom    = errors.New("already in room")
	ErrNotInRoom        = errors.New("not in a room")
	ErrInvalidSecret    = errors.New("invalid secret")
	ErrEmptyDisplayName = errors.New("display name must not be empty")
)
