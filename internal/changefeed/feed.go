// Package changefeed tells connected editors that a document's comments
// changed, so they can refetch before acting on a stale snapshot.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventCreated       = "comment.created"
	EventDeleted       = "comment.deleted"
	EventStatusChanged = "comment.status_changed"
	EventContentSaved  = "document.content_saved"

	recentLimit = 50
)

type Event struct {
	Type       string    `json:"type"`
	DocumentID string    `json:"documentId"`
	CommentIDs []string  `json:"commentIds"`
	Status     string    `json:"status,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Revision   int64     `json:"revision"`
	At         time.Time `json:"at"`
}

type Feed interface {
	Publish(ctx context.Context, ev Event) (int64, error)
	Revision(ctx context.Context, documentID string) (int64, error)
	Recent(ctx context.Context, documentID string, limit int) ([]Event, error)
}

// RedisFeed keeps a per-document revision counter, a capped list of recent
// events and a pub/sub channel.
type RedisFeed struct {
	client *redis.Client
	prefix string
}

func NewRedisFeed(redisURL string) (*RedisFeed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisFeedWithClient(client), nil
}

func NewRedisFeedWithClient(client *redis.Client) *RedisFeed {
	return &RedisFeed{client: client, prefix: "inkwell:doc:"}
}

func (f *RedisFeed) revisionKey(documentID string) string {
	return f.prefix + documentID + ":rev"
}

func (f *RedisFeed) recentKey(documentID string) string {
	return f.prefix + documentID + ":recent"
}

func (f *RedisFeed) Channel(documentID string) string {
	return f.prefix + documentID + ":events"
}

func (f *RedisFeed) Publish(ctx context.Context, ev Event) (int64, error) {
	rev, err := f.client.Incr(ctx, f.revisionKey(ev.DocumentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("bump revision: %w", err)
	}
	ev.Revision = rev
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return rev, fmt.Errorf("marshal event: %w", err)
	}

	pipe := f.client.TxPipeline()
	pipe.LPush(ctx, f.recentKey(ev.DocumentID), payload)
	pipe.LTrim(ctx, f.recentKey(ev.DocumentID), 0, recentLimit-1)
	pipe.Publish(ctx, f.Channel(ev.DocumentID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return rev, fmt.Errorf("publish event: %w", err)
	}
	return rev, nil
}

func (f *RedisFeed) Revision(ctx context.Context, documentID string) (int64, error) {
	rev, err := f.client.Get(ctx, f.revisionKey(documentID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return rev, nil
}

// Recent returns up to limit events, newest first.
func (f *RedisFeed) Recent(ctx context.Context, documentID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > recentLimit {
		limit = recentLimit
	}
	raw, err := f.client.LRange(ctx, f.recentKey(documentID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent events: %w", err)
	}
	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (f *RedisFeed) Close() error {
	return f.client.Close()
}

func (f *RedisFeed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Nop is used when Redis is not configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) (int64, error)        { return 0, nil }
func (Nop) Revision(context.Context, string) (int64, error)      { return 0, nil }
func (Nop) Recent(context.Context, string, int) ([]Event, error) { return []Event{}, nil }
