package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"huddle/internal/core/ports"
	"huddle/pkg/circuitbreaker"
)

// envelope is what travels over the pub/sub channel.
type envelope struct {
	InstanceID string         `json:"instance_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Delivery   ports.Delivery `json:"delivery"`
}

// EventBus fans relay deliveries out to the other relay instances over a
// redis pub/sub channel. Publishing stops trying while redis keeps failing.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
}

func NewEventBus(client *redis.Client, instanceID, channel string, logger *zap.SugaredLogger) *EventBus {
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("relay fan-out breaker changed state", "from", from, "to", to)
	})
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		breaker:    breaker,
		logger:     logger,
	}
}

var _ ports.Broker = (*EventBus)(nil)

func (eb *EventBus) Publish(ctx context.Context, d ports.Delivery) error {
	data, err := json.Marshal(envelope{
		InstanceID: eb.instanceID,
		Timestamp:  time.Now(),
		Delivery:   d,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	err = eb.breaker.Execute(ctx, func() error {
		return eb.client.Publish(ctx, eb.channel, data).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish delivery: %w", err)
	}

	eb.logger.Debugw("published delivery", "to", d.To, "bytes", len(d.Frame))
	return nil
}

func (eb *EventBus) Subscribe(ctx context.Context, handler func(ports.Delivery)) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.channel)
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				eb.logger.Warnw("failed to unmarshal delivery", "error", err)
				continue
			}
			if env.InstanceID == eb.instanceID {
				continue
			}
			handler(env.Delivery)
		}
	}
}

func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
