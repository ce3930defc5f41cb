// Package presence announces this dictation runtime on the bus and tracks
// the other runtimes sharing the same subject prefix.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-dictation/internal/protocol"
)

// Capability is something a node can do, such as a transcription engine or
// note generation.
type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Capabilities []Capability `json:"capabilities"`
	State        string       `json:"state,omitempty"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type Config struct {
	NodeID            string
	Prefix            string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Capabilities      []Capability
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Capabilities []Capability `json:"capabilities"`
	State        string       `json:"state,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	State     string    `json:"state,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry publishes announcements and heartbeats for the local node and
// keeps a view of every node it has heard from.
type Registry struct {
	cfg    Config
	conn   *nats.Conn
	state  func() string
	log    *slog.Logger
	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	cancel context.CancelFunc
	done   sync.WaitGroup
	subs   []*nats.Subscription
}

// New subscribes to presence traffic, announces the local node and starts
// the heartbeat loop. state reports the local session state and may be nil.
func New(ctx context.Context, cfg Config, conn *nats.Conn, state func() string, log *slog.Logger) (*Registry, error) {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		cfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	}
	if state == nil {
		state = func() string { return "" }
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		conn:   conn,
		state:  state,
		log:    log.With(slog.String("component", "presence")),
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}
	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.done.Add(1)
	go r.run(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.done.Wait()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
}

func (r *Registry) announceSubject() string {
	return protocol.Subject(r.cfg.Prefix, protocol.SubjectAnnounce)
}

func (r *Registry) heartbeatSubject(id string) string {
	return protocol.Subject(r.cfg.Prefix, protocol.SubjectHeartbeat+"."+id)
}

func (r *Registry) subscribe() error {
	sub, err := r.conn.Subscribe(r.announceSubject(), r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, sub)

	sub, err = r.conn.Subscribe(r.heartbeatSubject("*"), r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, sub)
	return nil
}

func (r *Registry) run(ctx context.Context) {
	defer r.done.Done()
	heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	health := time.NewTicker(r.cfg.HeartbeatInterval / 2)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.NodeID,
		Capabilities: r.cfg.Capabilities,
		State:        r.state(),
		Timestamp:    time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Capabilities, msg.State, msg.Timestamp)
	return r.conn.Publish(r.announceSubject(), payload)
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.cfg.NodeID,
		State:     r.state(),
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.conn.Publish(r.heartbeatSubject(r.cfg.NodeID), payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a announceMessage
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		r.log.Warn("invalid announce message")
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	r.updateNode(a.NodeID, a.Capabilities, a.State, a.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message")
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, nil, hb.State, hb.Timestamp)
}

func (r *Registry) updateNode(id string, caps []Capability, state string, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		node = &NodeInfo{ID: id}
		r.nodes[id] = node
		r.log.Debug("node discovered", slog.String("node", id))
	}
	if len(caps) > 0 {
		node.Capabilities = caps
	}
	if state != "" {
		node.State = state
	}
	node.LastSeen = seen
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, node := range r.nodes {
		if node.ID == r.cfg.NodeID {
			continue
		}
		if node.Healthy && now.Sub(node.LastSeen) > r.cfg.HeartbeatTimeout {
			node.Healthy = false
			r.log.Info("node missed heartbeats", slog.String("node", node.ID))
		}
	}
}

// Nodes returns every known node sorted by ID. A nil filter matches all.
func (r *Registry) Nodes(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []NodeInfo
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = append([]Capability(nil), node.Capabilities...)
		if node.ID == r.cfg.NodeID {
			n.State = r.state()
		}
		if filter == nil || filter(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func WithCapability(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-dictation/presence")
	nodes, err := meter.Int64ObservableGauge("loqa.dictation.nodes", metric.WithDescription("Dictation runtimes currently sending heartbeats"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(nodes, int64(len(r.Nodes(func(n NodeInfo) bool { return n.Healthy }))))
		return nil
	}, nodes)
	return err
}
