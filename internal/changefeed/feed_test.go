package changefeed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestFeed(t *testing.T) (*RedisFeed, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	feed, err := NewRedisFeed("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisFeed failed: %v", err)
	}
	t.Cleanup(func() { _ = feed.Close() })
	return feed, s
}

func TestPublishBumpsRevision(t *testing.T) {
	feed, _ := setupTestFeed(t)
	ctx := context.Background()

	rev, err := feed.Revision(ctx, "doc-1")
	if err != nil || rev != 0 {
		t.Fatalf("expected revision 0, got %d (%v)", rev, err)
	}

	for i := 1; i <= 3; i++ {
		got, err := feed.Publish(ctx, Event{Type: EventStatusChanged, DocumentID: "doc-1", CommentIDs: []string{"c1"}})
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if got != int64(i) {
			t.Fatalf("expected revision %d, got %d", i, got)
		}
	}

	rev, err = feed.Revision(ctx, "doc-1")
	if err != nil || rev != 3 {
		t.Fatalf("expected revision 3, got %d (%v)", rev, err)
	}
	if other, _ := feed.Revision(ctx, "doc-2"); other != 0 {
		t.Fatalf("expected other document untouched, got %d", other)
	}
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	feed, _ := setupTestFeed(t)
	ctx := context.Background()

	if _, err := feed.Publish(ctx, Event{Type: EventCreated, DocumentID: "doc-1", CommentIDs: []string{"c1"}}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, err := feed.Publish(ctx, Event{Type: EventDeleted, DocumentID: "doc-1", CommentIDs: []string{"c1"}}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	events, err := feed.Recent(ctx, "doc-1", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventDeleted || events[0].Revision != 2 {
		t.Fatalf("unexpected newest event: %+v", events[0])
	}
	if events[1].At.IsZero() {
		t.Fatal("expected event timestamp to be filled in")
	}
}

func TestRecentIsCapped(t *testing.T) {
	feed, s := setupTestFeed(t)
	ctx := context.Background()
	for i := 0; i < recentLimit+5; i++ {
		if _, err := feed.Publish(ctx, Event{Type: EventCreated, DocumentID: "doc-1"}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	items, err := s.List(feed.recentKey("doc-1"))
	if err != nil {
		t.Fatalf("read list: %v", err)
	}
	if len(items) != recentLimit {
		t.Fatalf("expected %d stored events, got %d", recentLimit, len(items))
	}
}

func TestPublishReachesSubscribers(t *testing.T) {
	feed, s := setupTestFeed(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	sub := client.Subscribe(ctx, feed.Channel("doc-1"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := feed.Publish(ctx, Event{Type: EventStatusChanged, DocumentID: "doc-1", Status: "resolved"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Status != "resolved" || ev.Revision != 1 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestNewRedisFeedFailsWhenUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()
	if _, err := NewRedisFeed("redis://" + addr); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestNopFeed(t *testing.T) {
	var feed Feed = Nop{}
	rev, err := feed.Publish(context.Background(), Event{DocumentID: "doc-1"})
	if err != nil || rev != 0 {
		t.Fatalf("unexpected nop publish: %d %v", rev, err)
	}
}
