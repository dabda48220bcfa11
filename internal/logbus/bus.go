// Package logbus implements the Redis pub/sub log streaming bus, grounded
// on original_source/services/log.py's LogService.
package logbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/psschwei/mellea-playground-core/internal/apperrors"
)

// LogEntry is the JSON payload published and received on a run's channel.
type LogEntry struct {
	RunID      string    `json:"runId"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsComplete bool      `json:"isComplete"`
}

func channelName(runID string) string {
	return fmt.Sprintf("run:%s:logs", runID)
}

// Bus publishes and subscribes to per-run log channels over Redis.
type Bus struct {
	Client *redis.Client
}

func New(client *redis.Client) *Bus {
	return &Bus{Client: client}
}

// PublishLogs publishes one log chunk and returns the number of
// subscribers that received it.
func (b *Bus) PublishLogs(ctx context.Context, runID, content string, isComplete bool) (int64, error) {
	entry := LogEntry{
		RunID:      runID,
		Content:    content,
		Timestamp:  time.Now(),
		IsComplete: isComplete,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshalling log entry")
	}

	n, err := b.Client.Publish(ctx, channelName(runID), payload).Result()
	if err != nil {
		return 0, apperrors.Wrapf(err, apperrors.ErrorTypeBackendUnavailable, "publishing logs for run %s", runID)
	}
	return n, nil
}

// Subscribe returns a channel of LogEntry for runID and an unsubscribe
// func. The channel closes - and the subscription is torn down - on the
// first IsComplete entry, on ctx cancellation, or when unsubscribe is
// called. A dropped Redis connection does not close the channel: go-redis
// reconnects the subscription and delivery resumes.
func (b *Bus) Subscribe(ctx context.Context, runID string) (<-chan LogEntry, func(), error) {
	pubsub := b.Client.Subscribe(ctx, channelName(runID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, apperrors.Wrapf(err, apperrors.ErrorTypeBackendUnavailable, "subscribing to logs for run %s", runID)
	}

	out := make(chan LogEntry)
	unsubscribe := func() { pubsub.Close() }

	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var entry LogEntry
				if err := json.Unmarshal([]byte(msg.Payload), &entry); err != nil {
					continue
				}
				select {
				case out <- entry:
				case <-ctx.Done():
					return
				}
				if entry.IsComplete {
					return
				}
			}
		}
	}()

	return out, unsubscribe, nil
}
