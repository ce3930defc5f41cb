package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/dictation"
	"github.com/loqalabs/loqa-dictation/internal/natsserver"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/reconcile"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *Client {
	t.Helper()
	cfg := config.BusConfig{
		Enabled:        true,
		Embedded:       true,
		Port:           -1,
		StoreDir:       t.TempDir(),
		ConnectTimeout: 2000,
		SubjectPrefix:  "dictation",
	}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), "bus-test", cfg, []string{srv.ClientURL()}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestPublisherRoutesUpdates(t *testing.T) {
	client := startBus(t)
	pub := NewPublisher(client, newLogger())

	states, err := client.Conn().SubscribeSync("dictation.state")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	diags, err := client.Conn().SubscribeSync("dictation.diagnostic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	now := time.Now()
	pub.Publish(dictation.Update{Kind: dictation.UpdateState, Status: dictation.Status{SessionID: "s1", State: dictation.StateRecording}, At: now})
	pub.Publish(dictation.Update{Kind: dictation.UpdateError, Status: dictation.Status{SessionID: "s1"}, Message: "Transcription failed.", At: now})

	msg, err := states.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("state message: %v", err)
	}
	var st protocol.SessionState
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.SessionID != "s1" || st.State != "recording" {
		t.Fatalf("unexpected state %+v", st)
	}

	msg, err = diags.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("diagnostic message: %v", err)
	}
	var d protocol.Diagnostic
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		t.Fatalf("decode diagnostic: %v", err)
	}
	if d.Severity != "error" || d.Message != "Transcription failed." {
		t.Fatalf("unexpected diagnostic %+v", d)
	}
}

func TestFinalTranscriptsArePersisted(t *testing.T) {
	client := startBus(t)
	pub := NewPublisher(client, newLogger())
	if !pub.durable {
		t.Fatal("expected jetstream stream to be created")
	}

	pub.Publish(dictation.Update{Kind: dictation.UpdateFinal, Status: dictation.Status{SessionID: "s1"}, Text: "hello", At: time.Now()})
	pub.Publish(dictation.Update{Kind: dictation.UpdatePartial, Status: dictation.Status{SessionID: "s1"}, Text: "hel", At: time.Now()})

	info, err := client.JetStream().StreamInfo(protocol.StreamName)
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	if info.State.Msgs != 1 {
		t.Fatalf("expected 1 persisted transcript, got %d", info.State.Msgs)
	}
}

type fakeController struct {
	starts atomic.Int32
}

func (f *fakeController) Start(context.Context) error { f.starts.Add(1); return nil }
func (f *fakeController) Pause() error {
	return fmt.Errorf("%w: pause from idle", dictation.ErrInvalidState)
}
func (f *fakeController) Resume() error                          { return nil }
func (f *fakeController) Stop(context.Context) (string, error)   { return "final words", nil }
func (f *fakeController) Toggle(context.Context) (string, error) { return "", nil }
func (f *fakeController) Status() dictation.Status               { return dictation.Status{State: dictation.StateIdle} }
func (f *fakeController) DebugInfo() dictation.DebugInfo         { return dictation.DebugInfo{Segments: 2} }
func (f *fakeController) AcceptNew() error                       { return reconcile.ErrNoConflict }
func (f *fakeController) KeepEdits() error                       { return nil }
func (f *fakeController) CancelRefine()                          {}
func (f *fakeController) GenerateDraft(context.Context) (reconcile.Outcome, error) {
	return reconcile.Conflicted, nil
}

func request(t *testing.T, client *Client, action string) protocol.ControlResponse {
	t.Helper()
	data, _ := json.Marshal(protocol.ControlRequest{Action: action})
	msg, err := client.Conn().Request("dictation.control", data, 2*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", action, err)
	}
	var resp protocol.ControlResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestControlResponder(t *testing.T) {
	client := startBus(t)
	ctrl := &fakeController{}
	responder := NewControlResponder(client, ctrl, time.Second, newLogger())
	if err := responder.Start(); err != nil {
		t.Fatalf("start responder: %v", err)
	}
	defer responder.Stop()

	if resp := request(t, client, protocol.ActionStart); !resp.OK || ctrl.starts.Load() != 1 {
		t.Fatalf("start failed: %+v", resp)
	}
	if resp := request(t, client, protocol.ActionStop); !resp.OK || resp.Transcript != "final words" {
		t.Fatalf("unexpected stop response %+v", resp)
	}
	resp := request(t, client, protocol.ActionPause)
	if resp.OK || resp.Error != dictation.UserMessage(dictation.ErrInvalidState) {
		t.Fatalf("unexpected pause response %+v", resp)
	}
	if resp := request(t, client, protocol.ActionGenerate); !resp.OK || resp.Outcome != "conflict" {
		t.Fatalf("unexpected generate response %+v", resp)
	}
	if resp := request(t, client, "explode"); resp.OK || resp.Error == "" {
		t.Fatalf("expected unknown action error, got %+v", resp)
	}
}
