package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/dictation"
	"github.com/loqalabs/loqa-dictation/internal/failover"
	"github.com/loqalabs/loqa-dictation/internal/notes"
	"github.com/loqalabs/loqa-dictation/internal/presence"
	"github.com/loqalabs/loqa-dictation/internal/reconcile"
)

// SessionAPI is what the HTTP API drives.
type SessionAPI interface {
	bus.Controller
	Draft() reconcile.Draft
	EditDraft(edited reconcile.Note)
	RefineStatus() (dictation.RefineStatus, bool)
}

type errorResponse struct {
	Error string `json:"error"`
}

type stopResponse struct {
	Transcript string           `json:"transcript"`
	Status     dictation.Status `json:"status"`
}

type draftResponse struct {
	reconcile.Draft
	Conflict bool   `json:"conflict"`
	Outcome  string `json:"outcome,omitempty"`
}

// api serves health, metrics and session control.
type api struct {
	session SessionAPI
	nodes   func() []presence.NodeInfo
	ready   func() bool
	metrics http.Handler
	timeout time.Duration
	log     *slog.Logger
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.accessLog)

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/session", a.handleStatus)
		r.Get("/session/debug", a.handleDebug)
		r.Post("/session/start", a.handleStart)
		r.Post("/session/pause", a.simple(func(context.Context) error { return a.session.Pause() }))
		r.Post("/session/resume", a.simple(func(context.Context) error { return a.session.Resume() }))
		r.Post("/session/stop", a.handleStop(a.session.Stop))
		r.Post("/session/toggle", a.handleStop(a.session.Toggle))

		r.Get("/draft", a.handleDraft)
		r.Post("/draft/generate", a.handleGenerate)
		r.Post("/draft/accept", a.draftAction(a.session.AcceptNew))
		r.Post("/draft/keep", a.draftAction(a.session.KeepEdits))
		r.Put("/draft/edited", a.handleEdit)

		r.Get("/refine", a.handleRefine)
		r.Post("/refine/cancel", a.handleCancelRefine)

		r.Get("/nodes", a.handleNodes)
	})
	return r
}

func (a *api) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.session.Status())
}

func (a *api) handleDebug(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.session.DebugInfo())
}

// requestContext detaches from the client connection so that a dropped
// request cannot abandon a half-started or half-stopped session.
func (a *api) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), a.timeout)
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()
	if err := a.session.Start(ctx); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.session.Status())
}

func (a *api) simple(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := a.requestContext(r)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a.session.Status())
	}
}

func (a *api) handleStop(fn func(context.Context) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := a.requestContext(r)
		defer cancel()
		text, err := fn(ctx)
		if err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stopResponse{Transcript: text, Status: a.session.Status()})
	}
}

func (a *api) handleDraft(w http.ResponseWriter, _ *http.Request) {
	d := a.session.Draft()
	writeJSON(w, http.StatusOK, draftResponse{Draft: d, Conflict: d.Conflict()})
}

func (a *api) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()
	out, err := a.session.GenerateDraft(ctx)
	if err != nil {
		a.writeError(w, err)
		return
	}
	d := a.session.Draft()
	resp := draftResponse{Draft: d, Conflict: d.Conflict(), Outcome: "replaced"}
	if out == reconcile.Conflicted {
		resp.Outcome = "conflict"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) draftAction(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := fn(); err != nil {
			a.writeError(w, err)
			return
		}
		d := a.session.Draft()
		writeJSON(w, http.StatusOK, draftResponse{Draft: d, Conflict: d.Conflict()})
	}
}

func (a *api) handleEdit(w http.ResponseWriter, r *http.Request) {
	var edited reconcile.Note
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&edited); err != nil || edited == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request body must be a JSON object"})
		return
	}
	a.session.EditDraft(edited)
	d := a.session.Draft()
	writeJSON(w, http.StatusOK, draftResponse{Draft: d, Conflict: d.Conflict()})
}

func (a *api) handleRefine(w http.ResponseWriter, _ *http.Request) {
	st, ok := a.session.RefineStatus()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no refinement has been started"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) handleCancelRefine(w http.ResponseWriter, _ *http.Request) {
	a.session.CancelRefine()
	writeJSON(w, http.StatusOK, a.session.Status())
}

func (a *api) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := []presence.NodeInfo{}
	if a.nodes != nil {
		if n := a.nodes(); n != nil {
			nodes = n
		}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.Warn("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorResponse{Error: dictation.UserMessage(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dictation.ErrSessionActive), errors.Is(err, dictation.ErrInvalidState),
		errors.Is(err, reconcile.ErrNoConflict), errors.Is(err, dictation.ErrNoTranscript),
		errors.Is(err, dictation.ErrStartCancelled):
		return http.StatusConflict
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, dictation.ErrNoGenerator), errors.Is(err, dictation.ErrNoRefiner):
		return http.StatusNotImplemented
	case errors.Is(err, failover.ErrNoEngine):
		return http.StatusServiceUnavailable
	case errors.Is(err, notes.ErrMalformedResult):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
