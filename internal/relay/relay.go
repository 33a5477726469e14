// Package relay fans local broadcasts out to other instances over redis
// pub/sub. Every instance publishes its broadcasts under an instance-ID
// envelope and re-broadcasts foreign envelopes locally, so a message entering
// any instance reaches every member of the channel across the fleet.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/beaconlabs/beacon/internal/metrics"
	"github.com/beaconlabs/beacon/internal/realtime"
)

const fanoutChannel = "beacon:fanout"

// envelope is the wire format carried over the redis pub/sub channel.
type envelope struct {
	Instance string               `json:"instance"`
	Channel  string               `json:"channel"`
	Kind     realtime.MessageKind `json:"kind"`
	Payload  []byte               `json:"payload"`
}

// localBroadcaster delivers relayed messages on this instance without
// republishing them.
type localBroadcaster interface {
	BroadcastLocal(m realtime.Message, channel string) int
}

// NewClient creates a redis client from a URL and verifies the connection.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// Relay bridges the local broadcaster and the fleet-wide pub/sub channel.
type Relay struct {
	client     *redis.Client
	local      localBroadcaster
	instanceID string
	breaker    *gobreaker.CircuitBreaker
}

// New creates a relay around an established redis client.
func New(client *redis.Client, local localBroadcaster) *Relay {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "relay-publish",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Relay circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Relay{
		client:     client,
		local:      local,
		instanceID: uuid.NewString(),
		breaker:    breaker,
	}
}

// InstanceID returns this instance's envelope identity.
func (r *Relay) InstanceID() string {
	return r.instanceID
}

// Publish sends a broadcast to the fleet. Implements realtime.RelayPublisher.
func (r *Relay) Publish(ctx context.Context, channel string, m realtime.Message) error {
	_, err := r.breaker.Execute(func() (any, error) {
		env := envelope{
			Instance: r.instanceID,
			Channel:  channel,
			Kind:     m.Kind(),
			Payload:  m.Data(),
		}
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal relay envelope: %w", err)
		}
		return nil, r.client.Publish(ctx, fanoutChannel, data).Err()
	})
	if err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}

	metrics.RelayPublishedTotal.Inc()
	return nil
}

// Start begins listening for fleet broadcasts and re-broadcasting them
// locally. Blocks until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	pubsub := r.client.Subscribe(ctx, fanoutChannel)
	defer func() {
		_ = pubsub.Close()
	}()

	slog.Info("Relay listening", "instance_id", r.instanceID, "redis_channel", fanoutChannel)

	ch := pubsub.Channel()
	for {
		select {
		case msg := <-ch:
			if msg == nil {
				return
			}
			r.handleMessage(msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

// handleMessage processes a single fleet envelope.
func (r *Relay) handleMessage(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		slog.Warn("Invalid relay envelope", "error", err)
		return
	}

	// Our own publishes come back on the subscription; local delivery already
	// happened, so skip them.
	if env.Instance == r.instanceID {
		return
	}

	m, err := realtime.FromWire(env.Kind, env.Payload)
	if err != nil {
		slog.Warn("Invalid relay message", "kind", int(env.Kind), "error", err)
		return
	}

	metrics.RelayReceivedTotal.Inc()
	n := r.local.BroadcastLocal(m, env.Channel)
	slog.Debug("Relayed broadcast delivered",
		"channel", env.Channel,
		"from_instance", env.Instance,
		"delivered", n,
	)
}
