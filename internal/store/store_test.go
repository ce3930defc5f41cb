package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.StoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "dictation.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveLoadDelete(t *testing.T) {
	s := openTemp(t, config.StoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if _, err := s.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Save(ctx, "session/a", []byte("one")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, "session/a", []byte("two")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	data, err := s.Load(ctx, "session/a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(data) != "two" {
		t.Fatalf("unexpected data %q", data)
	}
	if err := s.Delete(ctx, "session/a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Load(ctx, "session/a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted, got %v", err)
	}
}

func TestEphemeralStoreWorksInMemory(t *testing.T) {
	s, err := Open(context.Background(), config.StoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.Save(context.Background(), "k", []byte("v")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if data, err := s.Load(context.Background(), "k"); err != nil || string(data) != "v" {
		t.Fatalf("load: %q %v", data, err)
	}
}

func TestEventsAndPrune(t *testing.T) {
	s := openTemp(t, config.StoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.Save(ctx, "old", []byte("x")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.AppendEvent(ctx, Event{SessionID: "old", Type: "engine", Detail: "fallback to local"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.Save(ctx, "new", []byte("y")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.AppendEvent(ctx, Event{SessionID: "new", Type: "state", Detail: "active"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := s.ListEvents(ctx, "old", 10)
	if err != nil || len(events) != 1 || events[0].Detail != "fallback to local" {
		t.Fatalf("unexpected events %v %v", events, err)
	}

	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if events, _ := s.ListEvents(ctx, "old", 10); len(events) != 0 {
		t.Fatal("expected old events pruned")
	}
	if _, err := s.Load(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatal("expected old blob pruned")
	}
	names, err := s.Names(ctx)
	if err != nil || len(names) != 1 || names[0] != "new" {
		t.Fatalf("unexpected names %v %v", names, err)
	}
}

func TestDebouncerCoalescesWrites(t *testing.T) {
	var mu sync.Mutex
	saves := map[string][]string{}
	save := func(_ context.Context, name string, data []byte) error {
		mu.Lock()
		saves[name] = append(saves[name], string(data))
		mu.Unlock()
		return nil
	}
	d := NewDebouncer(30*time.Millisecond, save, newLogger())
	for _, v := range []string{"a", "b", "c"} {
		d.Schedule("draft", []byte(v))
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	got := saves["draft"]
	mu.Unlock()
	if len(got) != 1 || got[0] != "c" {
		t.Fatalf("expected single save of latest value, got %v", got)
	}
}

func TestDebouncerFlushAndClose(t *testing.T) {
	s := openTemp(t, config.StoreConfig{RetentionMode: "session"})
	d := NewDebouncer(time.Hour, s.Save, newLogger())
	d.Schedule("draft", []byte("pending"))
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := s.Load(context.Background(), "draft")
	if err != nil || string(data) != "pending" {
		t.Fatalf("flush did not persist: %q %v", data, err)
	}
	d.Schedule("draft", []byte("late"))
	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	data, _ = s.Load(context.Background(), "draft")
	if string(data) != "pending" {
		t.Fatal("write accepted after close")
	}
}
