package distributed

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"huddle/internal/core/domain"
)

// PeerDirectory records which relay instance holds each peer's socket.
// Entries expire unless refreshed, so a crashed instance drops out on its own.
type PeerDirectory struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
	prefix     string
	logger     *zap.SugaredLogger
}

func NewPeerDirectory(client *redis.Client, instanceID string, ttl time.Duration, logger *zap.SugaredLogger) *PeerDirectory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PeerDirectory{
		client:     client,
		instanceID: instanceID,
		ttl:        ttl,
		prefix:     "huddle:peer:",
		logger:     logger,
	}
}

func (d *PeerDirectory) peerKey(id domain.PeerID) string {
	return d.prefix + string(id)
}

// Register claims peer for this instance, replacing any older claim.
func (d *PeerDirectory) Register(ctx context.Context, peer domain.PeerID) error {
	if err := d.client.Set(ctx, d.peerKey(peer), d.instanceID, d.ttl).Err(); err != nil {
		return fmt.Errorf("failed to register peer: %w", err)
	}
	return nil
}

// Refresh extends the claim while the socket stays up.
func (d *PeerDirectory) Refresh(ctx context.Context, peer domain.PeerID) error {
	return d.client.Expire(ctx, d.peerKey(peer), d.ttl).Err()
}

// Unregister drops the claim if this instance still owns it.
func (d *PeerDirectory) Unregister(ctx context.Context, peer domain.PeerID) error {
	key := d.peerKey(peer)
	owner, err := d.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get peer: %w", err)
	}
	if owner != d.instanceID {
		d.logger.Debugw("peer claimed by another instance", "peer_id", peer, "owner", owner)
		return nil
	}
	return d.client.Del(ctx, key).Err()
}

// Locate returns the instance holding peer, or "" when nobody does.
func (d *PeerDirectory) Locate(ctx context.Context, peer domain.PeerID) (string, error) {
	owner, err := d.client.Get(ctx, d.peerKey(peer)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to locate peer: %w", err)
	}
	return owner, nil
}
