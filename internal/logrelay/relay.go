// Package logrelay buffers build output and warnings in two unbounded
// FIFO queues and ships them to the coordinating server in batches over
// an authenticated, retrying channel.
//
// Each queue has its own flush loop on a fixed interval. A flush drains
// everything currently queued, concatenates the texts in order with no
// separator, wraps the result as one service message, and submits it.
// FinishBuild wakes both loops, lets them drain what was enqueued before
// the call, and only then reports completion to the server. Delivery is
// at-least-once: network retries can duplicate a batch, and a message
// enqueued concurrently with FinishBuild may be rejected rather than
// delivered.
package logrelay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferry-ci/ferry/internal/servicemsg"
)

// DefaultFlushInterval is how often each queue is polled.
const DefaultFlushInterval = 1000 * time.Millisecond

// ErrFinished resolves handles for messages that arrived after the relay
// stopped accepting work.
var ErrFinished = errors.New("logrelay: relay already finished")

// Poster is the channel surface the relay drains into.
type Poster interface {
	PostLog(ctx context.Context, line string) error
	PostFinish(ctx context.Context) error
}

type entry struct {
	text    string
	pending *Pending
}

type queue struct {
	mu      sync.Mutex
	entries []entry
}

func (q *queue) push(e entry) {
	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()
}

func (q *queue) drain() []entry {
	q.mu.Lock()
	es := q.entries
	q.entries = nil
	q.mu.Unlock()
	return es
}

func (q *queue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) == 0
}

type Relay struct {
	poster   Poster
	interval time.Duration
	logger   *slog.Logger

	output  queue
	warning queue

	finished atomic.Bool
	done     chan struct{}
	finishSt sync.Once
	wg       sync.WaitGroup
}

// New builds a relay over the given channel. A non-positive interval
// selects DefaultFlushInterval.
func New(poster Poster, interval time.Duration, logger *slog.Logger) (*Relay, error) {
	if poster == nil {
		return nil, errors.New("poster is required")
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		poster:   poster,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start launches the two flush loops. Call it once. The loops run until
// FinishBuild or until ctx ends; a canceled context abandons anything
// still queued.
func (r *Relay) Start(ctx context.Context) {
	r.wg.Add(2)
	go r.flushLoop(ctx, &r.output, false)
	go r.flushLoop(ctx, &r.warning, true)
}

// Log enqueues build output. Non-blocking; empty text is ignored. The
// returned handle resolves when the batch carrying the message has been
// submitted.
func (r *Relay) Log(text string) *Pending {
	return r.enqueue(&r.output, text)
}

// LogWarning enqueues warning-level output.
func (r *Relay) LogWarning(text string) *Pending {
	return r.enqueue(&r.warning, text)
}

func (r *Relay) enqueue(q *queue, text string) *Pending {
	if text == "" {
		return resolvedPending(nil)
	}
	if r.finished.Load() {
		r.logger.Warn("message rejected after finish", "bytes", len(text))
		return resolvedPending(ErrFinished)
	}
	p := newPending()
	q.push(entry{text: text, pending: p})
	return p
}

// FinishBuild stops intake, waits for both flush loops to drain and
// exit, and then reports completion to the server. Every message
// enqueued strictly before the call has been submitted at least once by
// the time the finish request goes out. Safe to call more than once;
// only the first caller issues the finish request.
func (r *Relay) FinishBuild(ctx context.Context) error {
	first := false
	r.finishSt.Do(func() {
		first = true
		r.finished.Store(true)
		close(r.done)
	})
	r.wg.Wait()
	r.reject(&r.output)
	r.reject(&r.warning)
	if !first {
		return nil
	}
	return r.poster.PostFinish(ctx)
}

// FailBuild reports a terminal build problem. The description comes from
// problem; problemID, when non-empty, becomes the deduplication
// identity. Submission happens asynchronously; the handle lets callers
// wait for delivery. Best-effort only.
func (r *Relay) FailBuild(ctx context.Context, problem error, problemID string) *Pending {
	desc := "build failed"
	if problem != nil {
		desc = problem.Error()
	}
	line := servicemsg.BuildProblem(desc, problemID).String()
	p := newPending()
	go func() {
		err := r.poster.PostLog(ctx, line)
		if err != nil {
			r.logger.Warn("build problem undelivered", "error", err)
		}
		p.resolve(err)
	}()
	return p
}

func (r *Relay) flushLoop(ctx context.Context, q *queue, warn bool) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.flush(ctx, q, warn)
		case <-r.done:
			for !q.empty() {
				r.flush(ctx, q, warn)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// flush drains everything currently queued and submits it as one
// message. Submission failures are absorbed: logged, surfaced through
// the drained handles, and otherwise ignored so the run keeps going.
func (r *Relay) flush(ctx context.Context, q *queue, warn bool) {
	batch := q.drain()
	if len(batch) == 0 {
		return
	}

	var b strings.Builder
	for _, e := range batch {
		b.WriteString(e.text)
	}
	var msg servicemsg.Message
	if warn {
		msg = servicemsg.Warning(b.String())
	} else {
		msg = servicemsg.Output(b.String())
	}

	err := r.poster.PostLog(ctx, msg.String())
	if err != nil {
		r.logger.Warn("log batch undelivered", "messages", len(batch), "error", err)
	}
	for _, e := range batch {
		e.pending.resolve(err)
	}
}

// reject resolves anything that slipped into a queue after the flush
// loops exited, so no waiter hangs on a message that will never ship.
func (r *Relay) reject(q *queue) {
	for _, e := range q.drain() {
		r.logger.Warn("message rejected after finish", "bytes", len(e.text))
		e.pending.resolve(ErrFinished)
	}
}
