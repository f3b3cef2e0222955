// Copyright 2024 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package semaphore provides a named, registry-backed counting semaphore
// used to bound concurrent child-process execution (procexec) and
// concurrent dep-file parsing (toolsupport/gccutil, toolsupport/msvcutil)
// so a single cached invocation never oversubscribes the host machine.
package semaphore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	mu         sync.Mutex
	semaphores = map[string]*Semaphore{}
)

// Semaphore is a named counting semaphore.
type Semaphore struct {
	name string
	ch   chan int

	waits atomic.Int64
	reqs  atomic.Int64
}

// Lookup returns the semaphore registered under name, or an error if none
// has been created with New yet.
func Lookup(name string) (*Semaphore, error) {
	mu.Lock()
	defer mu.Unlock()
	s, ok := semaphores[name]
	if !ok {
		return nil, fmt.Errorf("semaphore: no semaphore registered for %q", name)
	}
	return s, nil
}

// New creates a new semaphore with name and capacity, registering it so a
// later Lookup(name) in another package can find it.
func New(name string, n int) *Semaphore {
	ch := make(chan int, n)
	for i := 0; i < n; i++ {
		ch <- i + 1 // tid
	}
	s := &Semaphore{
		name: name,
		ch:   ch,
	}
	mu.Lock()
	semaphores[name] = s
	mu.Unlock()
	return s
}

// WaitAcquire acquires a semaphore slot.
// It returns a context for the acquired slot and a func to release it.
func (s *Semaphore) WaitAcquire(ctx context.Context) (context.Context, func(), error) {
	s.waits.Add(1)
	defer s.waits.Add(-1)
	select {
	case tid := <-s.ch:
		s.reqs.Add(1)
		return ctx, func() {
			s.ch <- tid
		}, nil
	case <-ctx.Done():
		return ctx, func() {}, ctx.Err()
	}
}

// Name returns the name of the semaphore.
func (s *Semaphore) Name() string {
	return s.name
}

// Capacity returns the capacity of the semaphore.
func (s *Semaphore) Capacity() int {
	if s == nil {
		return 0
	}
	return cap(s.ch)
}

// NumServs returns the number of slots currently held.
func (s *Semaphore) NumServs() int {
	return cap(s.ch) - len(s.ch)
}

// NumWaits returns the number of callers currently blocked in WaitAcquire.
func (s *Semaphore) NumWaits() int {
	return int(s.waits.Load())
}

// NumRequests returns the total number of slots acquired over the
// semaphore's lifetime.
func (s *Semaphore) NumRequests() int {
	return int(s.reqs.Load())
}

// Do runs f with a semaphore slot held for its duration.
func (s *Semaphore) Do(ctx context.Context, f func(ctx context.Context) error) error {
	ctx, done, err := s.WaitAcquire(ctx)
	if err != nil {
		return err
	}
	defer done()
	return f(ctx)
}
