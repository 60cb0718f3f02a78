// Package replica implements the Analyzer Replica Worker: a single-kind
// analysis process owning a bounded request queue and a concurrency
// semaphore, draining requests published over the replica channel
// (pkg/replica/transport), invoking the Docker Driver when the analysis
// kind requires a running subject, running tools, normalising their output,
// and returning exactly one terminal frame per request.
package replica

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/forgebench/anacore/pkg/replica/transport"
	"github.com/forgebench/anacore/pkg/task"
	"github.com/forgebench/anacore/pkg/taskerr"
	"github.com/forgebench/anacore/pkg/telemetry"
)

// Handler runs one accepted request to completion and returns its result
// payload, or an error classified via pkg/taskerr. requiresSubject kinds
// (dynamic, performance) are expected to invoke the Docker Driver inside
// the handler; static/security/ai kinds typically do not.
type Handler func(ctx context.Context, req transport.RequestFrame) (payload any, err error)

// Config configures a Worker.
type Config struct {
	Endpoint        string
	QueueCapacity   int // default 100
	Concurrency     int64 // default 2
	PollBlockSeconds int
	Logger          telemetry.Logger
}

// Channel is the subset of *transport.Channel a Worker needs, so tests can
// substitute an in-memory fake instead of a live Redis instance.
type Channel interface {
	Consume(ctx context.Context, endpoint, lastID string, block time.Duration) ([]transport.RequestFrame, string, error)
	Respond(ctx context.Context, requestID string, frame transport.ResponseFrame) error
}

// Worker drains one endpoint's request stream with bounded concurrency.
// Acceptance policy: incoming requests are placed on the internal queue
// without blocking while capacity remains; once the queue is full, the
// worker returns an overload response instead of enqueuing, so the pool can
// route elsewhere rather than wait behind an already-saturated replica.
type Worker struct {
	cfg     Config
	channel Channel
	handler Handler
	queue   chan transport.RequestFrame
	sem     *semaphore.Weighted
	logger  telemetry.Logger

	// depth counts requests accepted but not yet completed (queued or
	// running), independent of sem's concurrency cap, so "queue full" is
	// decided by outstanding work rather than by Go channel buffer
	// occupancy, which a blocked receiver can otherwise drain early.
	depth int32
}

// New constructs a Worker. handler is invoked once per accepted request by
// a goroutine holding one semaphore unit.
func New(cfg Config, channel Channel, handler Handler) *Worker {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.PollBlockSeconds <= 0 {
		cfg.PollBlockSeconds = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Worker{
		cfg:     cfg,
		channel: channel,
		handler: handler,
		queue:   make(chan transport.RequestFrame, cfg.QueueCapacity),
		sem:     semaphore.NewWeighted(cfg.Concurrency),
		logger:  logger,
	}
}

// Run drains the request stream and the internal queue until ctx is
// cancelled. It is meant to be launched once per Worker in its own
// goroutine by the caller (typically cmd/replica).
func (w *Worker) Run(ctx context.Context) error {
	go w.drainQueue(ctx)

	lastID := "0"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frames, next, err := w.channel.Consume(ctx, w.cfg.Endpoint, lastID, secondsToDuration(w.cfg.PollBlockSeconds))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error(ctx, "consuming request stream failed", "endpoint", w.cfg.Endpoint, "error", err)
			continue
		}
		lastID = next

		for _, f := range frames {
			w.accept(ctx, f)
		}
	}
}

func (w *Worker) accept(ctx context.Context, f transport.RequestFrame) {
	// Total outstanding work allowed is QueueCapacity (waiting) plus
	// Concurrency (running), so a request already being processed doesn't
	// eat into the queue's own waiting-room budget.
	limit := int32(w.cfg.QueueCapacity) + int32(w.cfg.Concurrency)
	if atomic.AddInt32(&w.depth, 1) > limit {
		atomic.AddInt32(&w.depth, -1)
		// Queue full: reject immediately so the pool can route elsewhere,
		// never block waiting for capacity.
		overload := transport.ResponseFrame{RequestID: f.RequestID, Kind: transport.FrameOverload}
		if err := w.channel.Respond(ctx, f.RequestID, overload); err != nil {
			w.logger.Error(ctx, "failed to publish overload response", "request_id", f.RequestID, "error", err)
		}
		return
	}
	w.queue <- f
}

func (w *Worker) drainQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.queue:
			if err := w.sem.Acquire(ctx, 1); err != nil {
				return
			}
			go w.process(ctx, req)
		}
	}
}

func (w *Worker) process(ctx context.Context, req transport.RequestFrame) {
	defer w.sem.Release(1)
	defer atomic.AddInt32(&w.depth, -1)

	payload, err := w.handler(ctx, req)
	frame := resultToFrame(req.RequestID, payload, err)
	if respondErr := w.channel.Respond(ctx, req.RequestID, frame); respondErr != nil {
		w.logger.Error(ctx, "failed to publish terminal response", "request_id", req.RequestID, "error", respondErr)
	}
}

func resultToFrame(requestID string, payload any, err error) transport.ResponseFrame {
	if err == nil {
		return transport.ResponseFrame{RequestID: requestID, Kind: transport.FrameResult, Payload: marshalOrEmpty(payload)}
	}
	class := taskerr.ClassOf(err)
	if class == taskerr.Transient {
		return transport.ResponseFrame{RequestID: requestID, Kind: transport.FrameOverload, Payload: marshalOrEmpty(errorBody(err))}
	}
	return transport.ResponseFrame{RequestID: requestID, Kind: transport.FrameError, Payload: marshalOrEmpty(errorBody(err))}
}

func errorBody(err error) map[string]any {
	return map[string]any{
		"classification": string(taskerr.ClassOf(err)),
		"message":        err.Error(),
	}
}

// RequiredDockerKinds is the subset of kinds whose handler must invoke the
// Docker Driver to prepare a running subject before executing tools.
var RequiredDockerKinds = map[task.Kind]bool{
	task.KindDynamic:     true,
	task.KindPerformance: true,
}
