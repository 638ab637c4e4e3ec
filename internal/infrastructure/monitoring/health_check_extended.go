package monitoring

import (
	"context"
	"time"

	"huddle/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRepositoryCheck lists rooms to prove the store answers.
func (h *HealthChecker) AddRepositoryCheck(repo ports.RoomRepository, interval, timeout time.Duration) {
	h.AddCheck("repository", func(ctx context.Context) (bool, error) {
		if _, err := repo.List(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRelayCheck reports the relay as unhealthy once it holds more than
// maxConnections sockets. A non-positive limit only reports liveness.
func (h *HealthChecker) AddRelayCheck(connections func() int, maxConnections int, interval, timeout time.Duration) {
	h.AddCheck("relay", func(ctx context.Context) (bool, error) {
		if maxConnections > 0 && connections() > maxConnections {
			return false, nil
		}
		return true, nil
	}, interval, timeout)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
