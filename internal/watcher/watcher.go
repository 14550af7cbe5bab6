// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package watcher maintains long-lived watch streams over custom resources
// and dispatches their events to the role-sync handler. A watcher that stops
// watching is a worse failure mode than one that spins, so streams are
// re-established forever, with backoff.
package watcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/auroraml/identity-gateway/internal/metrics"
)

// Event is one observed change to a custom resource.
type Event struct {
	Type   watch.EventType
	Name   string
	Object *unstructured.Unstructured
}

// Handler processes one event. Handlers run on their own goroutines, out of
// order relative to each other, so they must be idempotent. A returned error
// is logged; it never terminates the stream.
type Handler func(ctx context.Context, ev Event) error

// Source opens a watch stream. *resourceapi.Client satisfies it.
type Source interface {
	Watch(ctx context.Context) (watch.Interface, error)
}

// Options controls a single Run invocation.
type Options struct {
	// Rewatch re-establishes the stream after it ends or fails. Production
	// always sets it; tests that want exactly one stream do not.
	Rewatch bool
}

// defaultBackoff is the delay policy between rewatches: exponential with
// jitter, capped so a long outage cannot push retries apart indefinitely.
func defaultBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: 500 * time.Millisecond,
		Factor:   2,
		Jitter:   0.2,
		Steps:    7,
		Cap:      30 * time.Second,
	}
}

// Watcher watches one resource kind.
type Watcher struct {
	kind    string
	source  Source
	handler Handler
	// onEvent runs synchronously for every event before the handler is
	// dispatched; the pipeline uses it to clear the kind's lookup cache.
	onEvent func()
	logger  logr.Logger
	metrics *metrics.Metrics

	newBackoff func() wait.Backoff

	aborted  atomic.Bool
	mu       sync.Mutex
	stream   watch.Interface
	handlers sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithOnEvent installs the per-event hook.
func WithOnEvent(hook func()) Option {
	return func(w *Watcher) { w.onEvent = hook }
}

// WithBackoff replaces the rewatch delay policy, for tests.
func WithBackoff(f func() wait.Backoff) Option {
	return func(w *Watcher) { w.newBackoff = f }
}

// New creates a watcher for one kind. kind is the label used in logs and
// metrics.
func New(kind string, source Source, handler Handler, logger logr.Logger, m *metrics.Metrics, opts ...Option) *Watcher {
	w := &Watcher{
		kind:       kind,
		source:     source,
		handler:    handler,
		logger:     logger.WithValues("kind", kind),
		metrics:    m,
		newBackoff: defaultBackoff,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run watches until ctx is cancelled or Abort is called. With opts.Rewatch it
// re-establishes the stream forever; without, it returns after the first
// stream ends. Stream establishment failures follow the same policy as
// stream terminations.
func (w *Watcher) Run(ctx context.Context, opts Options) {
	backoff := w.newBackoff()
	for {
		if w.aborted.Load() || ctx.Err() != nil {
			return
		}
		stream, err := w.source.Watch(ctx)
		if err != nil {
			w.logger.Error(err, "failed to open watch stream")
		} else {
			w.logger.Info("watch stream established")
			w.setStream(stream)
			delivered := w.consume(ctx, stream)
			w.setStream(nil)
			if delivered {
				// A healthy stream resets the delay policy.
				backoff = w.newBackoff()
			}
		}
		if !opts.Rewatch || w.aborted.Load() || ctx.Err() != nil {
			return
		}
		if w.metrics != nil {
			w.metrics.Rewatches.WithLabelValues(w.kind).Inc()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff.Step()):
		}
	}
}

// Abort stops the in-flight stream and prevents any further rewatch. Handler
// invocations already dispatched run to completion.
func (w *Watcher) Abort() {
	w.aborted.Store(true)
	w.mu.Lock()
	if w.stream != nil {
		w.stream.Stop()
	}
	w.mu.Unlock()
}

// consume reads the stream until it closes. It reports whether any event was
// delivered, so the rewatch backoff can reset after a healthy connection.
func (w *Watcher) consume(ctx context.Context, stream watch.Interface) bool {
	delivered := false
	for {
		select {
		case <-ctx.Done():
			stream.Stop()
			return delivered
		case ev, ok := <-stream.ResultChan():
			if !ok {
				w.logger.Info("watch stream ended")
				return delivered
			}
			if ev.Type == watch.Error {
				w.logger.Info("watch stream error event", "object", ev.Object)
				stream.Stop()
				return delivered
			}
			obj, ok := ev.Object.(*unstructured.Unstructured)
			if !ok {
				continue
			}
			delivered = true
			w.dispatch(ctx, Event{Type: ev.Type, Name: obj.GetName(), Object: obj})
		}
	}
}

// dispatch fires the cache hook, then runs the handler on its own goroutine
// so a slow handler cannot block delivery of the next event.
func (w *Watcher) dispatch(ctx context.Context, ev Event) {
	if w.metrics != nil {
		w.metrics.WatchEvents.WithLabelValues(w.kind, string(ev.Type)).Inc()
	}
	if w.onEvent != nil {
		w.onEvent()
	}
	// Aborting the watcher must not cancel handlers already dispatched.
	hctx := context.WithoutCancel(ctx)
	w.handlers.Add(1)
	go func() {
		defer w.handlers.Done()
		if err := w.handler(hctx, ev); err != nil {
			w.logger.Error(err, "event handler failed", "name", ev.Name, "type", ev.Type)
		}
	}()
}

// Drain blocks until every dispatched handler has returned. Tests use it to
// observe handler side effects deterministically.
func (w *Watcher) Drain() {
	w.handlers.Wait()
}

func (w *Watcher) setStream(s watch.Interface) {
	w.mu.Lock()
	w.stream = s
	if s != nil && w.aborted.Load() {
		s.Stop()
	}
	w.mu.Unlock()
}
