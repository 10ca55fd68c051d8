// ABOUTME: Worker pool draining webhook events after the provider was acknowledged
// ABOUTME: Submission never blocks the acknowledging handler; shutdown waits for in-flight work

package ingest

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/sable-systems/chatrelay/internal/whatsapp"
)

// Pool runs provider events through the processor on a fixed set of workers.
// Tasks run to completion; there is no per-task cancellation. Shutdown stops
// intake and waits for everything already queued.
type Pool struct {
	processor *Processor
	tasks     chan whatsapp.Event
	group     *errgroup.Group
	logger    *slog.Logger
}

// NewPool starts workers pulling from a queue of the given size
func NewPool(processor *Processor, workers, queueSize int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	p := &Pool{
		processor: processor,
		tasks:     make(chan whatsapp.Event, queueSize),
		group:     &errgroup.Group{},
		logger:    logger.With("component", "ingest"),
	}

	for i := 0; i < workers; i++ {
		p.group.Go(func() error {
			for event := range p.tasks {
				p.processor.Process(context.Background(), event)
			}
			return nil
		})
	}
	return p
}

// Submit queues an event for processing. It reports false when the queue is
// full; the event is dropped and the provider's retry covers the loss.
func (p *Pool) Submit(event whatsapp.Event) bool {
	select {
	case p.tasks <- event:
		return true
	default:
		p.logger.Warn("ingest queue full, dropping event")
		return false
	}
}

// Shutdown closes the intake and waits for queued events to finish, or for
// ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	close(p.tasks)

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
