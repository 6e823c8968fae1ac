package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/flowgate/internal/storage"
	pgstore "github.com/jkaninda/flowgate/internal/storage/postgres"
)

func openTestStore(t *testing.T) *pgstore.HistoryRepository {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "nested", "flowgate.db")}, logger)
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func record(id string, completed time.Time, outcome string) *storage.FlowRecord {
	return &storage.FlowRecord{
		ID:          id,
		Gateway:     "custom",
		Method:      "tokenizeCreditCard",
		RequestCode: 0x420,
		Outcome:     outcome,
		ContainerID: "pos-1/0a1b2c3d",
		StartedAt:   completed.Add(-2 * time.Second),
		CompletedAt: completed,
		DurationMS:  2000,
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestHistory_RecordAndRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := store.Record(ctx, record(fmt.Sprintf("f-%d", i), base.Add(time.Duration(i)*time.Minute), "success")); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recs, err := store.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	if recs[0].ID != "f-4" || recs[2].ID != "f-2" {
		t.Errorf("order = %s..%s, want f-4..f-2", recs[0].ID, recs[2].ID)
	}
	if recs[0].RequestCode != 0x420 || recs[0].Gateway != "custom" {
		t.Errorf("unexpected record: %+v", recs[0])
	}
	if !recs[0].CompletedAt.Equal(base.Add(4 * time.Minute)) {
		t.Errorf("completed_at = %v", recs[0].CompletedAt)
	}
}

func TestHistory_RecordAssignsID(t *testing.T) {
	store := openTestStore(t)
	rec := record("", time.Now().UTC(), "cancelled")
	if err := store.Record(context.Background(), rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected generated ID")
	}
	got, err := store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Outcome != "cancelled" {
		t.Errorf("outcome = %q", got.Outcome)
	}
}

func TestHistory_GetNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestHistory_Prune(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = store.Record(ctx, record("old", now.Add(-48*time.Hour), "failure"))
	_ = store.Record(ctx, record("new", now, "success"))

	n, err := store.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	recs, _ := store.Recent(ctx, 0)
	if len(recs) != 1 || recs[0].ID != "new" {
		t.Errorf("remaining = %+v", recs)
	}
}

func TestHistory_PingAndDriver(t *testing.T) {
	store := openTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if store.Driver() != storage.DriverSQLite {
		t.Errorf("driver = %q", store.Driver())
	}
}
