package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loykin/banco/internal/logger"
	"github.com/loykin/banco/internal/registry"
)

const (
	defaultBuffer      = 256
	defaultSendTimeout = 5 * time.Second
)

// Recorder fans events out to sinks from a single worker. Observe never
// blocks: when the buffer is full the event is dropped and counted.
type Recorder struct {
	sinks   []Sink
	ch      chan Event
	log     *slog.Logger
	timeout time.Duration
	dropped atomic.Uint64
}

type Option func(*Recorder)

func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

func WithBuffer(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.ch = make(chan Event, n)
		}
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func NewRecorder(sinks []Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sinks:   sinks,
		ch:      make(chan Event, defaultBuffer),
		log:     logger.Discard(),
		timeout: defaultSendTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Observe satisfies registry.Observer.
func (r *Recorder) Observe(ev registry.Event) {
	if e, ok := FromRegistry(ev); ok {
		r.Record(e)
	}
}

// Record queues e. It reports false when the event was dropped.
func (r *Recorder) Record(e Event) bool {
	select {
	case r.ch <- e:
		return true
	default:
		n := r.dropped.Add(1)
		r.log.Warn("history buffer full, event dropped", "node", e.Node, "type", string(e.Type), "dropped", n)
		return false
	}
}

func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Run delivers queued events until ctx is canceled, then flushes what is
// already buffered.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case e := <-r.ch:
			r.deliver(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.ch:
					r.deliver(e)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Recorder) deliver(e Event) {
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history sink send failed", "node", e.Node, "type", string(e.Type), "err", err)
		}
		cancel()
	}
}

// Close closes every sink that holds resources.
func (r *Recorder) Close() error {
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
