package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-dictation/internal/dictation"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/reconcile"
)

// Controller is the session surface exposed over request/reply.
type Controller interface {
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	Stop(ctx context.Context) (string, error)
	Toggle(ctx context.Context) (string, error)
	Status() dictation.Status
	DebugInfo() dictation.DebugInfo
	GenerateDraft(ctx context.Context) (reconcile.Outcome, error)
	AcceptNew() error
	KeepEdits() error
	CancelRefine()
}

// ControlResponder answers control requests on the control subject.
type ControlResponder struct {
	client  *Client
	ctrl    Controller
	timeout time.Duration
	log     *slog.Logger
	sub     *nats.Subscription
}

func NewControlResponder(client *Client, ctrl Controller, timeout time.Duration, log *slog.Logger) *ControlResponder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ControlResponder{
		client:  client,
		ctrl:    ctrl,
		timeout: timeout,
		log:     log.With(slog.String("component", "bus.control")),
	}
}

func (r *ControlResponder) Start() error {
	subject := protocol.Subject(r.client.Prefix(), protocol.SubjectControl)
	sub, err := r.client.Conn().Subscribe(subject, r.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	r.sub = sub
	r.log.Info("control responder listening", slog.String("subject", subject))
	return nil
}

func (r *ControlResponder) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
}

func (r *ControlResponder) handle(msg *nats.Msg) {
	var req protocol.ControlRequest
	var resp protocol.ControlResponse
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp.Error = "malformed control request"
	} else {
		resp = r.dispatch(req.Action)
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		r.log.Warn("encode control response failed", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.log.Warn("control respond failed", slog.String("error", err.Error()))
	}
}

func (r *ControlResponder) dispatch(action string) protocol.ControlResponse {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var (
		resp protocol.ControlResponse
		err  error
	)
	switch action {
	case protocol.ActionStart:
		err = r.ctrl.Start(ctx)
	case protocol.ActionPause:
		err = r.ctrl.Pause()
	case protocol.ActionResume:
		err = r.ctrl.Resume()
	case protocol.ActionStop:
		resp.Transcript, err = r.ctrl.Stop(ctx)
	case protocol.ActionToggle:
		resp.Transcript, err = r.ctrl.Toggle(ctx)
	case protocol.ActionStatus:
	case protocol.ActionDebug:
		resp.OK = true
		resp.Status = r.ctrl.DebugInfo()
		return resp
	case protocol.ActionGenerate:
		var out reconcile.Outcome
		if out, err = r.ctrl.GenerateDraft(ctx); err == nil {
			resp.Outcome = outcomeName(out)
		}
	case protocol.ActionAcceptNew:
		err = r.ctrl.AcceptNew()
	case protocol.ActionKeepEdits:
		err = r.ctrl.KeepEdits()
	case protocol.ActionCancelRefine:
		r.ctrl.CancelRefine()
	default:
		resp.Error = fmt.Sprintf("unknown action %q", action)
		return resp
	}
	if err != nil {
		r.log.Info("control action failed", slog.String("action", action), slog.String("error", err.Error()))
		resp.Error = dictation.UserMessage(err)
	} else {
		resp.OK = true
	}
	resp.Status = r.ctrl.Status()
	return resp
}

func outcomeName(o reconcile.Outcome) string {
	if o == reconcile.Conflicted {
		return "conflict"
	}
	return "replaced"
}
