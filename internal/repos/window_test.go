package repos

import (
	"context"
	"testing"
	"time"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/logger"
)

func entry(group, id string, at time.Time) *memory.WindowEntry {
	return &memory.WindowEntry{
		GroupID:    group,
		MessageID:  id,
		Sender:     "alice",
		Role:       memory.RoleUser,
		Content:    "msg " + id,
		CreateTime: at,
	}
}

func TestAppendIdempotent(t *testing.T) {
	repo := NewWindowRepo(testDB(t), logger.NewNop())
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	if err := repo.Append(ctx, entry("g1", "m1", at)); err != nil {
		t.Fatalf("first append: %v", err)
	}
	dup := entry("g1", "m1", at)
	dup.Content = "different body"
	if err := repo.Append(ctx, dup); err != nil {
		t.Fatalf("duplicate append: %v", err)
	}

	got, err := repo.Range(ctx, "g1", at.Add(-time.Hour), at.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("entries after duplicate append: want=1 got=%d", len(got))
	}
	if got[0].Content != "msg m1" {
		t.Fatalf("duplicate must not overwrite: got %q", got[0].Content)
	}
}

func TestRangeOrderingWithTies(t *testing.T) {
	repo := NewWindowRepo(testDB(t), logger.NewNop())
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	// m2 and m3 share a create_time; insertion order breaks the tie.
	for _, e := range []*memory.WindowEntry{
		entry("g1", "m2", at.Add(time.Second)),
		entry("g1", "m3", at.Add(time.Second)),
		entry("g1", "m1", at),
	} {
		if err := repo.Append(ctx, e); err != nil {
			t.Fatalf("append %s: %v", e.MessageID, err)
		}
	}

	got, err := repo.Range(ctx, "g1", at, at.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	ids := []string{}
	for _, e := range got {
		ids = append(ids, e.MessageID)
	}
	want := []string{"m1", "m2", "m3"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order: want=%v got=%v", want, ids)
		}
	}
}

func TestSetStatusMonotonic(t *testing.T) {
	repo := NewWindowRepo(testDB(t), logger.NewNop())
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	if err := repo.Append(ctx, entry("g1", "m1", at)); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := repo.SetStatus(ctx, "g1", []string{"m1"}, memory.StatusConsumed); err != nil {
		t.Fatalf("set consumed: %v", err)
	}
	// A later attempt to move the entry backwards must be a no-op.
	if err := repo.SetStatus(ctx, "g1", []string{"m1"}, memory.StatusAccumulating); err != nil {
		t.Fatalf("set accumulating: %v", err)
	}

	got, err := repo.Get(ctx, "g1", "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SyncStatus != memory.StatusConsumed {
		t.Fatalf("status regressed: want=%d got=%d", memory.StatusConsumed, got.SyncStatus)
	}
}

func TestRangeUnconsumed(t *testing.T) {
	repo := NewWindowRepo(testDB(t), logger.NewNop())
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"m1", "m2", "m3"} {
		if err := repo.Append(ctx, entry("g1", id, at.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := repo.SetStatus(ctx, "g1", []string{"m1"}, memory.StatusConsumed); err != nil {
		t.Fatalf("set status: %v", err)
	}

	got, err := repo.RangeUnconsumed(ctx, "g1", at, at.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("range unconsumed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unconsumed: want=2 got=%d", len(got))
	}
	for _, e := range got {
		if e.MessageID == "m1" {
			t.Fatalf("consumed entry leaked into unconsumed range")
		}
	}
}

func TestRangeIsolatesGroups(t *testing.T) {
	repo := NewWindowRepo(testDB(t), logger.NewNop())
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	if err := repo.Append(ctx, entry("g1", "m1", at)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := repo.Append(ctx, entry("g2", "m1", at)); err != nil {
		t.Fatalf("append other group: %v", err)
	}

	got, err := repo.Range(ctx, "g1", at.Add(-time.Hour), at.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 1 || got[0].GroupID != "g1" {
		t.Fatalf("group isolation: got %+v", got)
	}
}
