// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package stopper provides the cooperative-shutdown context used by
// the replicator and supervisor tasks: a background
// goroutine registers itself with Go, observes Stopping() to begin an
// orderly wind-down, and Wait blocks until every registered goroutine
// has returned.
package stopper

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Context wraps a context.Context with bookkeeping for a set of
// cooperating background goroutines, so that a caller can request a
// graceful stop and wait for every goroutine to observe it and exit.
type Context struct {
	context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	errOnce  sync.Once
	firstErr error
}

// New returns a Context derived from parent. Calling Stop (or
// cancelling parent) closes the channel returned by Stopping.
func New(parent context.Context) *Context {
	ctx, cancel := context.WithCancel(parent)
	return &Context{Context: ctx, cancel: cancel}
}

// Stopping returns a channel that closes once the Context has been
// asked to stop, either via Stop or because the parent context was
// cancelled.
func (c *Context) Stopping() <-chan struct{} {
	return c.Done()
}

// Go runs fn in its own goroutine, tracked by Wait. The first non-nil
// error returned by any registered goroutine is recorded and returned
// by Wait; it does not by itself cancel the other goroutines, which
// are expected to observe Stopping() on their own.
func (c *Context) Go(fn func() error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := fn(); err != nil {
			c.errOnce.Do(func() { c.firstErr = err })
		}
	}()
}

// Stop requests every registered goroutine to wind down by cancelling
// the derived context.
func (c *Context) Stop() {
	c.cancel()
}

// Wait blocks until every goroutine registered via Go has returned,
// then returns the first error any of them reported, wrapped for
// context.
func (c *Context) Wait() error {
	c.wg.Wait()
	if c.firstErr != nil {
		return errors.WithStack(c.firstErr)
	}
	return nil
}
