package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-dictation/internal/dictation"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
)

// Publisher mirrors session updates onto NATS subjects. Final and refined
// transcripts go through JetStream when the stream is available.
type Publisher struct {
	client  *Client
	log     *slog.Logger
	durable bool
}

func NewPublisher(client *Client, log *slog.Logger) *Publisher {
	p := &Publisher{
		client: client,
		log:    log.With(slog.String("component", "bus.publisher")),
	}
	subjects := []string{
		protocol.Subject(client.Prefix(), protocol.SubjectTranscriptFinal),
		protocol.Subject(client.Prefix(), protocol.SubjectTranscriptRefined),
	}
	if err := client.EnsureStream(protocol.StreamName, subjects, 24*time.Hour); err != nil {
		p.log.Warn("jetstream unavailable; publishing transcripts without persistence", slog.String("error", err.Error()))
	} else {
		p.durable = true
	}
	return p
}

// Run publishes updates until the channel closes or ctx ends.
func (p *Publisher) Run(ctx context.Context, updates <-chan dictation.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			p.Publish(u)
		}
	}
}

// Publish maps one update to its subject and message.
func (p *Publisher) Publish(u dictation.Update) {
	prefix := p.client.Prefix()
	st := u.Status
	switch u.Kind {
	case dictation.UpdateState:
		p.send(protocol.Subject(prefix, protocol.SubjectState), protocol.SessionState{
			SessionID:     st.SessionID,
			State:         string(st.State),
			ActiveEngine:  string(st.ActiveEngine),
			DisplayEngine: string(st.DisplayEngine),
			FellBack:      st.FellBack,
			ElapsedMS:     st.ElapsedMS,
			Refining:      st.Refining,
			LastError:     st.LastError,
			Timestamp:     u.At,
		}, false)
	case dictation.UpdatePartial:
		p.send(protocol.Subject(prefix, protocol.SubjectTranscriptPartial), protocol.Transcript{
			SessionID: st.SessionID, Text: u.Text, Partial: true, Timestamp: u.At,
		}, false)
	case dictation.UpdateFinal:
		p.send(protocol.Subject(prefix, protocol.SubjectTranscriptFinal), protocol.Transcript{
			SessionID: st.SessionID, Text: u.Text, Timestamp: u.At,
		}, true)
	case dictation.UpdateRefined:
		p.send(protocol.Subject(prefix, protocol.SubjectTranscriptRefined), protocol.Transcript{
			SessionID: st.SessionID, Text: u.Text, Refined: true, Timestamp: u.At,
		}, true)
	case dictation.UpdateDiagnostic, dictation.UpdateError:
		severity := "warning"
		if u.Kind == dictation.UpdateError {
			severity = "error"
		}
		p.send(protocol.Subject(prefix, protocol.SubjectDiagnostic), protocol.Diagnostic{
			SessionID: st.SessionID, Severity: severity, Message: u.Message, Timestamp: u.At,
		}, false)
	case dictation.UpdateDraft:
		p.send(protocol.Subject(prefix, protocol.SubjectDraft), protocol.DraftChanged{
			SessionID: st.SessionID, Conflict: st.DraftConflict, Message: u.Message, Timestamp: u.At,
		}, false)
	}
}

func (p *Publisher) send(subject string, v any, durable bool) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Warn("encode message failed", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if durable && p.durable {
		_, err := p.client.JetStream().Publish(subject, data)
		if err == nil {
			return
		}
		p.log.Warn("jetstream publish failed; falling back", slog.String("subject", subject), slog.String("error", err.Error()))
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	if err := p.client.Conn().PublishMsg(msg); err != nil {
		p.log.Warn("publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
