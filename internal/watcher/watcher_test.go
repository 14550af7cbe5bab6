// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/auroraml/identity-gateway/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedSource hands out pre-arranged streams (or open errors) in order.
// Once the script is exhausted it returns idle streams that stay open until
// stopped, so an aborting watcher always has a stream to tear down.
type scriptedSource struct {
	mu     sync.Mutex
	script []func() (watch.Interface, error)
	opened int
}

func (s *scriptedSource) Watch(context.Context) (watch.Interface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	if len(s.script) == 0 {
		return watch.NewFake(), nil
	}
	next := s.script[0]
	s.script = s.script[1:]
	return next()
}

func (s *scriptedSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// recorder collects handled events. Handlers run concurrently, so it records
// a set of names rather than an order.
type recorder struct {
	mu    sync.Mutex
	names map[string]watch.EventType
	err   error
}

func newRecorder() *recorder {
	return &recorder{names: map[string]watch.EventType{}}
}

func (r *recorder) handle(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[ev.Name] = ev.Type
	return r.err
}

func (r *recorder) seen() map[string]watch.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]watch.EventType, len(r.names))
	for k, v := range r.names {
		out[k] = v
	}
	return out
}

func resource(name string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "platform.auroraml.dev/v1alpha1",
		"kind":       "Dataset",
		"metadata":   map[string]any{"name": name},
	}}
}

func tinyBackoff() wait.Backoff {
	return wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 1 << 20}
}

func TestWatcherDispatchesEvents(t *testing.T) {
	stream := watch.NewFake()
	source := &scriptedSource{script: []func() (watch.Interface, error){
		func() (watch.Interface, error) { return stream, nil },
	}}
	rec := newRecorder()
	var hooks int
	w := New("datasets", source, rec.handle, logr.Discard(), metrics.NewTestMetrics(),
		WithOnEvent(func() { hooks++ }))

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(t.Context(), Options{Rewatch: false})
	}()

	stream.Add(resource("alpha"))
	stream.Delete(resource("beta"))
	stream.Stop()
	<-done
	w.Drain()

	require.Equal(t, map[string]watch.EventType{
		"alpha": watch.Added,
		"beta":  watch.Deleted,
	}, rec.seen())
	// The hook runs synchronously on the consume goroutine, once per event.
	require.Equal(t, 2, hooks)
}

func TestWatcherRewatchesAfterStreamEnds(t *testing.T) {
	first, second := watch.NewFake(), watch.NewFake()
	source := &scriptedSource{script: []func() (watch.Interface, error){
		func() (watch.Interface, error) { return first, nil },
		func() (watch.Interface, error) { return second, nil },
	}}
	rec := newRecorder()
	w := New("datasets", source, rec.handle, logr.Discard(), nil, WithBackoff(tinyBackoff))

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(t.Context(), Options{Rewatch: true})
	}()

	first.Add(resource("before"))
	first.Stop()
	second.Add(resource("after"))
	w.Abort()
	<-done
	w.Drain()

	require.Equal(t, map[string]watch.EventType{
		"before": watch.Added,
		"after":  watch.Added,
	}, rec.seen())
	require.GreaterOrEqual(t, source.openCount(), 2)
}

func TestWatcherRewatchesAfterOpenFailure(t *testing.T) {
	stream := watch.NewFake()
	source := &scriptedSource{script: []func() (watch.Interface, error){
		func() (watch.Interface, error) { return nil, errors.New("api unavailable") },
		func() (watch.Interface, error) { return stream, nil },
	}}
	rec := newRecorder()
	w := New("datasets", source, rec.handle, logr.Discard(), nil, WithBackoff(tinyBackoff))

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(t.Context(), Options{Rewatch: true})
	}()

	stream.Add(resource("recovered"))
	w.Abort()
	<-done
	w.Drain()

	require.Equal(t, map[string]watch.EventType{"recovered": watch.Added}, rec.seen())
	require.GreaterOrEqual(t, source.openCount(), 2)
}

func TestWatcherErrorEventEndsStream(t *testing.T) {
	first, second := watch.NewFake(), watch.NewFake()
	source := &scriptedSource{script: []func() (watch.Interface, error){
		func() (watch.Interface, error) { return first, nil },
		func() (watch.Interface, error) { return second, nil },
	}}
	rec := newRecorder()
	w := New("datasets", source, rec.handle, logr.Discard(), nil, WithBackoff(tinyBackoff))

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(t.Context(), Options{Rewatch: true})
	}()

	first.Error(&metav1.Status{Message: "too old resource version"})
	second.Add(resource("resumed"))
	w.Abort()
	<-done
	w.Drain()

	require.Equal(t, map[string]watch.EventType{"resumed": watch.Added}, rec.seen())
}

func TestWatcherHandlerErrorDoesNotStopStream(t *testing.T) {
	stream := watch.NewFake()
	source := &scriptedSource{script: []func() (watch.Interface, error){
		func() (watch.Interface, error) { return stream, nil },
	}}
	rec := newRecorder()
	rec.err = errors.New("backend down")
	w := New("datasets", source, rec.handle, logr.Discard(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(t.Context(), Options{Rewatch: false})
	}()

	stream.Add(resource("one"))
	stream.Add(resource("two"))
	stream.Stop()
	<-done
	w.Drain()

	require.Len(t, rec.seen(), 2)
}

func TestWatcherAbortBeforeRun(t *testing.T) {
	source := &scriptedSource{}
	w := New("datasets", source, newRecorder().handle, logr.Discard(), nil)
	w.Abort()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(t.Context(), Options{Rewatch: true})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Abort")
	}
}

func TestWatcherContextCancelStopsRun(t *testing.T) {
	source := &scriptedSource{}
	w := New("datasets", source, newRecorder().handle, logr.Discard(), nil, WithBackoff(tinyBackoff))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx, Options{Rewatch: true})
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestObserverRunsAndAbortsAllWatchers(t *testing.T) {
	sourceA := &scriptedSource{}
	sourceB := &scriptedSource{}
	wa := New("datasets", sourceA, newRecorder().handle, logr.Discard(), nil, WithBackoff(tinyBackoff))
	wb := New("images", sourceB, newRecorder().handle, logr.Discard(), nil, WithBackoff(tinyBackoff))

	o := NewObserver(wa, wb)
	o.Observe(t.Context())

	require.Eventually(t, func() bool {
		return sourceA.openCount() >= 1 && sourceB.openCount() >= 1
	}, 5*time.Second, 5*time.Millisecond)

	// Abort waits for both run loops, so returning at all is the assertion.
	o.Abort()
}
