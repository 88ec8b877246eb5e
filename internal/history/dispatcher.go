package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultSendTimeout bounds one delivery to all sinks.
const DefaultSendTimeout = 5 * time.Second

// Dispatcher fans events out to every sink from a single goroutine. Publish
// never blocks: when the buffer is full the event is dropped and counted.
type Dispatcher struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	queue   chan Event

	mu      sync.Mutex
	dropped int
	failed  int
}

func NewDispatcher(logger *slog.Logger, buffer int, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		sinks:   sinks,
		logger:  logger.With("component", "history"),
		timeout: DefaultSendTimeout,
		queue:   make(chan Event, buffer),
	}
}

func (d *Dispatcher) Len() int { return len(d.sinks) }

// Publish queues e for delivery.
func (d *Dispatcher) Publish(e Event) {
	if len(d.sinks) == 0 {
		return
	}
	select {
	case d.queue <- e:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
	}
}

// Stats returns the number of dropped events and failed sink deliveries.
func (d *Dispatcher) Stats() (dropped, failed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped, d.failed
}

// Run delivers queued events until ctx is done, then drains what is left
// with a fresh deadline.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case e := <-d.queue:
			d.deliver(ctx, e)
		case <-ctx.Done():
			drain, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			for {
				select {
				case e := <-d.queue:
					d.deliver(drain, e)
				default:
					return nil
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e Event) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	var g errgroup.Group
	for _, s := range d.sinks {
		g.Go(func() error {
			if err := s.Send(ctx, e); err != nil {
				d.logger.Warn("history sink failed", "type", e.Type, "name", e.Record.Name, "error", err)
				d.mu.Lock()
				d.failed++
				d.mu.Unlock()
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close closes every sink that holds resources.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
