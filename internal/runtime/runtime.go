package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/dictation"
	"github.com/loqalabs/loqa-dictation/internal/natsserver"
	"github.com/loqalabs/loqa-dictation/internal/notes"
	"github.com/loqalabs/loqa-dictation/internal/presence"
	"github.com/loqalabs/loqa-dictation/internal/silence"
	"github.com/loqalabs/loqa-dictation/internal/store"
	"github.com/loqalabs/loqa-dictation/internal/stt"
)

// Runtime wires the dictation session to its store, engines, event bus and
// HTTP control API.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	store     *store.Store
	session   *dictation.Session
	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	responder *bus.ControlResponder
	presence  *presence.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up and blocks until ctx is cancelled, then
// shuts down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeTelemetry()

	if err := r.buildSession(ctx); err != nil {
		r.closeComponents()
		return err
	}
	defer r.closeComponents()

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}

	if r.cfg.HTTP.Enabled {
		a := &api{
			session: r.session,
			nodes:   r.nodes,
			ready:   r.ready.Load,
			metrics: metricsHandler,
			timeout: 30 * time.Second,
			log:     r.logger.With(slog.String("component", "api")),
		}
		addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		r.httpServer = &http.Server{
			Addr:              addr,
			Handler:           a.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("http server failed", slog.String("error", err.Error()))
				cancel()
			}
		}()
		r.logger.Info("http api listening", slog.String("addr", addr))
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("name", r.cfg.RuntimeName))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	if err := r.session.Close(shutdownCtx); err != nil {
		r.logger.Error("session close error", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) buildSession(ctx context.Context) error {
	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	r.store = st
	if err := st.Prune(ctx); err != nil {
		r.logger.Warn("store prune failed", slog.String("error", err.Error()))
	}

	factory, err := stt.NewFactoryFromConfig(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("build engines: %w", err)
	}
	generator, err := notes.FromConfig(r.cfg.Notes)
	if err != nil {
		return fmt.Errorf("build note generator: %w", err)
	}

	deps := dictation.Deps{
		Factory:   factory,
		Device:    r.device,
		Generator: generator,
		Store:     st,
	}
	if r.cfg.Silence.Enabled {
		gate, err := silence.New(silence.Config{
			PeakThreshold: r.cfg.Silence.PeakThreshold,
			RequireSpeech: r.cfg.Silence.RequireSpeech,
			VADMode:       r.cfg.Silence.VADMode,
		}, r.logger)
		if err != nil {
			return fmt.Errorf("build silence gate: %w", err)
		}
		deps.Gate = gate
	}
	if r.cfg.Batch.Endpoint != "" {
		poller, err := stt.NewBatchPoller(ctx, r.cfg, r.logger)
		if err != nil {
			return fmt.Errorf("build refiner: %w", err)
		}
		deps.Refiner = poller
	}

	dcfg, err := dictation.ConfigFrom(r.cfg)
	if err != nil {
		return err
	}
	r.session = dictation.New(dcfg, deps, r.logger)
	if err := r.session.Restore(ctx); err != nil {
		r.logger.Warn("session restore failed", slog.String("error", err.Error()))
	}
	r.logger.Info("dictation session ready",
		slog.String("preferred_engine", string(dcfg.Engines.Preferred)),
		slog.Bool("refine", deps.Refiner != nil && dcfg.AutoRefine))
	return nil
}

func (r *Runtime) device() (audio.Device, error) {
	a := r.cfg.Audio
	return audio.NewPortAudioDevice(a.Device, a.SampleRate, a.Channels, a.FramesPerBuffer), nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	srv, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv

	var servers []string
	if srv != nil {
		servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.RuntimeName, r.cfg.Bus, servers, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	pub := bus.NewPublisher(client, r.logger)
	updates, unsubscribe := r.session.Subscribe(256)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer unsubscribe()
		pub.Run(ctx, updates)
	}()

	r.responder = bus.NewControlResponder(client, r.session, 30*time.Second, r.logger)
	if err := r.responder.Start(); err != nil {
		return err
	}

	nodeID := r.cfg.Bus.NodeID
	if nodeID == "" {
		nodeID = r.cfg.RuntimeName
	}
	reg, err := presence.New(ctx, presence.Config{
		NodeID:            nodeID,
		Prefix:            client.Prefix(),
		HeartbeatInterval: time.Duration(r.cfg.Bus.HeartbeatMS) * time.Millisecond,
		HeartbeatTimeout:  time.Duration(r.cfg.Bus.HeartbeatTimeoutMS) * time.Millisecond,
		Capabilities:      capabilities(r.cfg),
	}, client.Conn(), func() string { return string(r.session.Status().State) }, r.logger)
	if err != nil {
		return fmt.Errorf("start presence: %w", err)
	}
	r.presence = reg
	return nil
}

// capabilities advertises the configured engines and optional services.
func capabilities(cfg config.Config) []presence.Capability {
	caps := []presence.Capability{
		{Name: "engine." + cfg.Engines.Preferred, Attributes: map[string]string{"role": "preferred"}},
	}
	if cfg.Engines.Fallback != "" && cfg.Engines.Fallback != cfg.Engines.Preferred {
		caps = append(caps, presence.Capability{Name: "engine." + cfg.Engines.Fallback, Attributes: map[string]string{"role": "fallback"}})
	}
	if cfg.Batch.Endpoint != "" {
		caps = append(caps, presence.Capability{Name: "refine"})
	}
	caps = append(caps, presence.Capability{Name: "notes", Attributes: map[string]string{"mode": cfg.Notes.Mode}})
	return caps
}

func (r *Runtime) nodes() []presence.NodeInfo {
	if r.presence == nil {
		return nil
	}
	return r.presence.Nodes(nil)
}

func (r *Runtime) closeComponents() {
	if r.presence != nil {
		r.presence.Close()
		r.presence = nil
	}
	if r.responder != nil {
		r.responder.Stop()
		r.responder = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}
