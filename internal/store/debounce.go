package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SaveFunc persists one named blob.
type SaveFunc func(ctx context.Context, name string, data []byte) error

// Debouncer coalesces bursts of writes per name into one save after the
// writes go quiet for the configured delay.
type Debouncer struct {
	delay time.Duration
	save  SaveFunc
	log   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingWrite
	closed  bool
	wg      sync.WaitGroup
}

type pendingWrite struct {
	data  []byte
	timer *time.Timer
}

func NewDebouncer(delay time.Duration, save SaveFunc, log *slog.Logger) *Debouncer {
	return &Debouncer{
		delay:   delay,
		save:    save,
		log:     log.With(slog.String("component", "store.debounce")),
		pending: make(map[string]*pendingWrite),
	}
}

// Schedule replaces any pending data for name and restarts its timer.
func (d *Debouncer) Schedule(name string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if p, ok := d.pending[name]; ok {
		p.timer.Stop()
		p.data = data
		p.timer.Reset(d.delay)
		return
	}
	p := &pendingWrite{data: data}
	p.timer = time.AfterFunc(d.delay, func() { d.fire(name, p) })
	d.pending[name] = p
}

func (d *Debouncer) fire(name string, p *pendingWrite) {
	d.mu.Lock()
	if d.pending[name] != p {
		d.mu.Unlock()
		return
	}
	delete(d.pending, name)
	data := p.data
	d.wg.Add(1)
	d.mu.Unlock()
	defer d.wg.Done()
	d.write(context.Background(), name, data)
}

func (d *Debouncer) write(ctx context.Context, name string, data []byte) error {
	if err := d.save(ctx, name, data); err != nil {
		d.log.Warn("debounced save failed", slog.String("name", name), slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Flush writes all pending data now.
func (d *Debouncer) Flush(ctx context.Context) error {
	d.mu.Lock()
	batch := d.pending
	d.pending = make(map[string]*pendingWrite)
	for _, p := range batch {
		p.timer.Stop()
	}
	d.mu.Unlock()

	var firstErr error
	for name, p := range batch {
		if err := d.write(ctx, name, p.data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.wg.Wait()
	return firstErr
}

// Close flushes and rejects further writes.
func (d *Debouncer) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.Flush(ctx)
}
