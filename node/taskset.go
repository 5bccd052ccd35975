// SPDX-License-Identifier: GPL-3.0-or-later

// Package node implements the node supervisor: the Builder that wires
// together the store, the registry, the QUIC endpoint and the built-in
// protocols, and the cooperative single-task event loop that multiplexes
// cancellation, RPC, and inbound peer connections once the node is
// running.
package node

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// BackgroundTaskSet is the node's collection of spawned background
// tasks: connection handlers, the endpoint-update fanout, the GC loop.
// Spawning is mutex-guarded, but the mutex is held only for the duration
// of the spawn call itself, never across a task's own I/O (§5 "the task
// set is mutex-guarded; the mutex is held only for the duration of a
// spawn call, never across I/O").
//
// There is no explicit "drop" operation: cancelling the context the set
// was constructed with is what the spec calls "dropping the task set" —
// every spawned task is expected to observe that cancellation and return
// promptly; [BackgroundTaskSet.Wait] then resolves once they all have.
type BackgroundTaskSet struct {
	mu  sync.Mutex
	g   *errgroup.Group
	ctx context.Context
}

// NewBackgroundTaskSet returns a [*BackgroundTaskSet] bound to ctx: every
// spawned task receives a context derived from ctx, and the set's
// internal context is itself cancelled the first time a spawned task
// returns a non-nil error (the [errgroup.Group] convention).
func NewBackgroundTaskSet(ctx context.Context) *BackgroundTaskSet {
	g, gctx := errgroup.WithContext(ctx)
	return &BackgroundTaskSet{g: g, ctx: gctx}
}

// Spawn runs fn in a new goroutine, passing it the set's context.
func (s *BackgroundTaskSet) Spawn(fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.g.Go(func() error {
		return fn(s.ctx)
	})
}

// Wait blocks until every spawned task has returned, and returns the
// first non-nil error among them, if any.
func (s *BackgroundTaskSet) Wait() error {
	return s.g.Wait()
}
