// Package eventbus implements the durable event bus that carries deployment
// lifecycle events from the API surface to the controller. No Kafka or AMQP
// client exists among the retrieved examples; Redis Streams (via
// github.com/redis/go-redis/v9) is the closest available primitive offering
// consumer groups, at-least-once delivery, and an offset-reset-to-latest
// semantics equivalent to $.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/modsentry/internal/store"
)

// DeploymentEventType distinguishes a start from a stop lifecycle event.
type DeploymentEventType string

const (
	DeploymentEventStart DeploymentEventType = "start"
	DeploymentEventStop  DeploymentEventType = "stop"
)

// DeploymentEvent is published to the bus whenever a deployment should be
// started or stopped by the controller.
type DeploymentEvent struct {
	Type         DeploymentEventType   `json:"type"`
	DeploymentID string                `json:"deployment_id"`
	ModeratorID  string                `json:"moderator_id"`
	Platform     store.MessagePlatformType `json:"platform"`
}

// Bus wraps a Redis Streams connection with publish/consume/ack semantics
// for deployment lifecycle events.
type Bus struct {
	rdb   *redis.Client
	topic string
	group string
}

// New connects to Redis at addr and ensures the consumer group exists,
// starting it at the stream's tail ("$", i.e. "latest") the first time it is
// created so that a freshly started controller does not replay history.
func New(ctx context.Context, addr, topic, group string) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	err := rdb.XGroupCreateMkStream(ctx, topic, group, "$").Err()
	if err != nil && !errors.Is(err, redis.Nil) && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &Bus{rdb: rdb, topic: topic, group: group}, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// Close releases the underlying Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

// Publish appends a DeploymentEvent to the stream (XADD), giving
// at-least-once delivery to every registered consumer group.
func (b *Bus) Publish(ctx context.Context, ev DeploymentEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.topic,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// Delivery pairs a decoded DeploymentEvent with the stream ID needed to Ack
// it.
type Delivery struct {
	ID    string
	Event DeploymentEvent
}

// Consume waits up to one second reading new entries for consumerName
// within the bus's consumer group (XREADGROUP), returning whatever new
// entries arrived. When none arrive within that second it returns no
// deliveries and a nil error.
func (b *Bus) Consume(ctx context.Context, consumerName string) ([]Delivery, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: consumerName,
		Streams:  []string{b.topic, ">"},
		Count:    32,
		Block:    time.Second,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []Delivery
	for _, stream := range res {
		for _, msg := range stream.Messages {
			raw, ok := msg.Values["payload"].(string)
			if !ok {
				continue
			}
			var ev DeploymentEvent
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				continue
			}
			out = append(out, Delivery{ID: msg.ID, Event: ev})
		}
	}
	return out, nil
}

// Ack acknowledges successful processing of a delivery (XACK), removing it
// from the group's pending entries list.
func (b *Bus) Ack(ctx context.Context, id string) error {
	if err := b.rdb.XAck(ctx, b.topic, b.group, id).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}
