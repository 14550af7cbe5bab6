// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package watcher

import (
	"context"
	"sync"
)

// Observer runs one watcher per registered resource kind. It is the only
// lifecycle surface the daemon uses: Observe starts everything, Abort stops
// everything.
type Observer struct {
	watchers []*Watcher
	wg       sync.WaitGroup
}

// NewObserver groups the given watchers.
func NewObserver(watchers ...*Watcher) *Observer {
	return &Observer{watchers: watchers}
}

// Observe starts every watcher with rewatch enabled and returns immediately.
func (o *Observer) Observe(ctx context.Context) {
	for _, w := range o.watchers {
		o.wg.Add(1)
		go func(w *Watcher) {
			defer o.wg.Done()
			w.Run(ctx, Options{Rewatch: true})
		}(w)
	}
}

// Abort stops every watcher and waits for their run loops to exit.
func (o *Observer) Abort() {
	for _, w := range o.watchers {
		w.Abort()
	}
	o.wg.Wait()
}
