// Package event pushes live updates to connected clients over redis pub/sub.
// Each user owns one channel; delivery is fire-and-forget, at-least-once.
package event

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

const (
	TypeStatusUpdate   = "status.update"
	TypeRequestUpdate  = "request.update"
	TypeTaskFinished   = "task.finished"
	TypeFilesRetrieved = "files.retrieved"
)

// Event is the wire format pushed to subscribers.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Publisher delivers events to the channel of the owning user. Consumers must
// tolerate duplicate delivery.
type Publisher interface {
	Publish(ctx context.Context, userID string, ev Event) error
}

// Topic returns the pub/sub channel name for a user's request updates.
func Topic(userID string) string {
	return "requests.group." + userID
}

// RedisPublisher publishes events to per-user redis channels.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, userID string, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, Topic(userID), b).Err()
}

// NopPublisher drops all events. Used in tests and tools that do not push
// live updates.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, Event) error { return nil }
