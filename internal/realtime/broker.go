// Package realtime fans row-change events out to subscribers over Redis
// pub/sub and relays them to browsers over WebSocket.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
	EventNotify = "NOTIFY"
)

// Event describes a change to one row of a named collection.
type Event struct {
	Collection string         `json:"collection"`
	Type       string         `json:"type"`
	ID         string         `json:"id,omitempty"`
	Row        map[string]any `json:"row,omitempty"`
	At         time.Time      `json:"at"`
}

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Subscriber streams events for the given collections until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, collections ...string) (<-chan Event, error)
}

// Nop drops every event. It is used when Redis is not configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Broker publishes events on Redis channels named <prefix><collection>.
type Broker struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewBroker(client *redis.Client, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{client: client, prefix: "backstage:", logger: logger}
}

func (b *Broker) channel(collection string) string {
	return b.prefix + collection
}

func (b *Broker) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(event.Collection), payload).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Collection, err)
	}
	return nil
}

// Subscribe returns a channel of decoded events. The channel closes when
// ctx is done. Undecodable messages are logged and skipped.
func (b *Broker) Subscribe(ctx context.Context, collections ...string) (<-chan Event, error) {
	channels := make([]string, 0, len(collections))
	for _, collection := range collections {
		channels = append(channels, b.channel(collection))
	}
	pubsub := b.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %v: %w", collections, err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("realtime: drop undecodable event", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
