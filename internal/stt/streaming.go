package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const keepaliveInterval = 5 * time.Second

type StreamingConfig struct {
	URL              string
	Token            string
	Language         string
	SampleRate       int
	HandshakeTimeout time.Duration
}

// wsMessage is the JSON envelope used in both directions. Audio travels as
// binary frames outside the envelope.
type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsStartPayload struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language,omitempty"`
}

type wsResultPayload struct {
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// StreamingEngine is a bidirectional websocket recognizer. The server answers
// "start" with "ready", then streams "partial" and "final" results; "finalize"
// asks it to flush and finish with "done".
type StreamingEngine struct {
	cfg    StreamingConfig
	log    *slog.Logger
	events *emitter

	mu         sync.Mutex
	conn       *websocket.Conn
	cancel     context.CancelFunc
	closed     bool
	paused     bool
	finalizing bool
	tail       []string
	stopKeep   chan struct{}

	writeMu   sync.Mutex
	flushed   chan struct{}
	flushOnce sync.Once
	wg        sync.WaitGroup
}

func NewStreamingEngine(cfg StreamingConfig, log *slog.Logger) *StreamingEngine {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &StreamingEngine{
		cfg:     cfg,
		log:     log.With(slog.String("component", "stt.streaming")),
		events:  newEmitter(),
		flushed: make(chan struct{}),
	}
}

func (e *StreamingEngine) Kind() EngineKind { return KindStreaming }

func (e *StreamingEngine) Events() <-chan Event { return e.events.events() }

// Open dials in the background. The caller's context bounds the handshake;
// readiness is reported by the server's "ready" message.
func (e *StreamingEngine) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrNotOpen
	}
	if e.cancel != nil {
		return errors.New("streaming engine already opened")
	}
	dialCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go e.run(dialCtx)
	return nil
}

func (e *StreamingEngine) run(ctx context.Context) {
	defer e.wg.Done()
	defer e.markFlushed()

	dialer := websocket.Dialer{
		HandshakeTimeout: e.cfg.HandshakeTimeout,
	}
	header := http.Header{}
	if e.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+e.cfg.Token)
	}
	conn, _, err := dialer.DialContext(ctx, e.cfg.URL, header)
	if err != nil {
		if ctx.Err() == nil {
			e.events.emit(Event{Type: EventError, Err: fmt.Errorf("%w: connect: %v", ErrBackend, err)})
		}
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		conn.Close()
		return
	}
	e.conn = conn
	e.mu.Unlock()

	start, _ := json.Marshal(wsStartPayload{
		SampleRate: e.cfg.SampleRate,
		Encoding:   "pcm_s16le",
		Language:   e.cfg.Language,
	})
	if err := e.writeJSON(wsMessage{Type: "start", Payload: start}); err != nil {
		e.events.emit(Event{Type: EventError, Err: fmt.Errorf("%w: send start: %v", ErrBackend, err)})
		return
	}

	e.readLoop(conn)
}

func (e *StreamingEngine) readLoop(conn *websocket.Conn) {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			e.mu.Lock()
			quiet := e.closed || e.finalizing
			e.mu.Unlock()
			if !quiet {
				e.events.emit(Event{Type: EventError, Err: readError(err)})
			}
			return
		}

		var payload wsResultPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				e.log.Warn("ignoring malformed message", slog.String("type", msg.Type), slogError(err))
				continue
			}
		}

		switch msg.Type {
		case "ready":
			e.events.emit(Event{Type: EventReady})
		case "partial":
			e.events.emit(Event{Type: EventPartial, Text: payload.Text})
		case "final":
			e.mu.Lock()
			if e.finalizing {
				e.tail = append(e.tail, payload.Text)
				e.mu.Unlock()
				continue
			}
			e.mu.Unlock()
			e.events.emit(Event{Type: EventFinal, Text: payload.Text})
		case "error":
			// Server text is free-form and may quote audio content.
			e.log.Debug("server reported an error", slog.Int("detail_bytes", len(payload.Error)))
			e.events.emit(Event{Type: EventError, Err: fmt.Errorf("%w: server reported an error", ErrBackend)})
		case "done":
			e.markFlushed()
		case "pong":
		default:
			e.log.Debug("ignoring message", slog.String("type", msg.Type))
		}
	}
}

// readError keeps only the close code of a failed read; close reasons are
// server text.
func readError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Errorf("%w: connection closed with code %d", ErrBackend, ce.Code)
	}
	return fmt.Errorf("%w: connection lost", ErrBackend)
}

func (e *StreamingEngine) markFlushed() {
	e.flushOnce.Do(func() { close(e.flushed) })
}

func (e *StreamingEngine) writeJSON(msg wsMessage) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// SendFrame forwards one PCM frame. Frames are dropped while paused.
func (e *StreamingEngine) SendFrame(frame []byte) error {
	e.mu.Lock()
	conn := e.conn
	skip := e.paused || e.finalizing || e.closed
	e.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}
	if skip {
		return nil
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Pause stops forwarding frames and keeps the connection alive.
func (e *StreamingEngine) Pause() error {
	e.mu.Lock()
	if e.paused || e.closed {
		e.mu.Unlock()
		return nil
	}
	e.paused = true
	stop := make(chan struct{})
	e.stopKeep = stop
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := e.writeJSON(wsMessage{Type: "keepalive"}); err != nil {
					e.log.Debug("keepalive failed", slogError(err))
				}
			}
		}
	}()
	return nil
}

func (e *StreamingEngine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		return nil
	}
	e.paused = false
	if e.stopKeep != nil {
		close(e.stopKeep)
		e.stopKeep = nil
	}
	return nil
}

// RequestFinal asks the server to flush and waits for "done" or ctx. Finals
// that arrive after the request are returned here rather than as events.
func (e *StreamingEngine) RequestFinal(ctx context.Context) (string, error) {
	e.mu.Lock()
	e.finalizing = true
	if e.stopKeep != nil {
		close(e.stopKeep)
		e.stopKeep = nil
	}
	e.mu.Unlock()

	if err := e.writeJSON(wsMessage{Type: "finalize"}); err != nil {
		return e.tailText(), fmt.Errorf("%w: send finalize: %v", ErrBackend, err)
	}

	select {
	case <-e.flushed:
		return e.tailText(), nil
	case <-ctx.Done():
		return e.tailText(), ctx.Err()
	}
}

func (e *StreamingEngine) tailText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	parts := make([]string, 0, len(e.tail))
	for _, t := range e.tail {
		if t = strings.TrimSpace(t); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func (e *StreamingEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conn := e.conn
	cancel := e.cancel
	if e.stopKeep != nil {
		close(e.stopKeep)
		e.stopKeep = nil
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		e.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		e.writeMu.Unlock()
		err = conn.Close()
	}
	e.events.close()
	e.wg.Wait()
	return err
}
