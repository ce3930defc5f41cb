package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNodesDiscoverEachOther(t *testing.T) {
	conn := connect(t)
	ctx := context.Background()

	a, err := New(ctx, Config{
		NodeID:            "desk",
		Prefix:            "dictation",
		HeartbeatInterval: 20 * time.Millisecond,
		Capabilities:      []Capability{{Name: "engine.local"}},
	}, conn, func() string { return "recording" }, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer a.Close()

	b, err := New(ctx, Config{
		NodeID:            "laptop",
		Prefix:            "dictation",
		HeartbeatInterval: 20 * time.Millisecond,
		Capabilities:      []Capability{{Name: "engine.streaming"}, {Name: "refine"}},
	}, conn, nil, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer b.Close()

	// a learns of b from its announcement; b learns of a from heartbeats.
	waitFor(t, func() bool { return len(a.Nodes(nil)) == 2 && len(b.Nodes(nil)) == 2 })

	refiners := a.Nodes(WithCapability("refine"))
	if len(refiners) != 1 || refiners[0].ID != "laptop" {
		t.Fatalf("unexpected refine nodes %+v", refiners)
	}
	waitFor(t, func() bool {
		for _, n := range b.Nodes(nil) {
			if n.ID == "desk" {
				return n.State == "recording"
			}
		}
		return false
	})
}

func TestSilentNodeBecomesUnhealthy(t *testing.T) {
	conn := connect(t)
	r, err := New(context.Background(), Config{
		NodeID:            "desk",
		Prefix:            "dictation",
		HeartbeatInterval: time.Hour,
	}, conn, nil, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer r.Close()

	seen := time.Now().Add(-time.Minute)
	r.updateNode("gone", nil, "idle", seen)
	r.evaluateHealth(time.Now())

	for _, n := range r.Nodes(nil) {
		switch n.ID {
		case "gone":
			if n.Healthy {
				t.Fatal("expected stale node to be unhealthy")
			}
		case "desk":
			if !n.Healthy {
				t.Fatal("local node should stay healthy")
			}
		}
	}
}
