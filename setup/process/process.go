// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package process

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// ProcessContext tracks the lifetime of the process and of the long-running
// components within it. Components register with ComponentStarted and must
// call ComponentFinished once they have observed shutdown, so that the main
// goroutine can wait for a clean exit.
type ProcessContext struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	shutdown context.CancelFunc
	degraded map[string]struct{}
}

func NewProcessContext() *ProcessContext {
	ctx, shutdown := context.WithCancel(context.Background())
	return &ProcessContext{
		ctx:      ctx,
		shutdown: shutdown,
		degraded: map[string]struct{}{},
	}
}

// Context returns a context that is cancelled when shutdown begins.
func (b *ProcessContext) Context() context.Context {
	return b.ctx
}

func (b *ProcessContext) ComponentStarted() {
	b.wg.Add(1)
}

func (b *ProcessContext) ComponentFinished() {
	b.wg.Done()
}

// ShutdownScrawl cancels the process context. Idempotent.
func (b *ProcessContext) ShutdownScrawl() {
	b.shutdown()
}

// WaitForShutdown returns a channel that closes when shutdown begins.
func (b *ProcessContext) WaitForShutdown() <-chan struct{} {
	return b.ctx.Done()
}

// WaitForComponentsToFinish blocks until every started component has
// called ComponentFinished.
func (b *ProcessContext) WaitForComponentsToFinish() {
	b.wg.Wait()
}

// Degraded marks the process as degraded, reported by the health endpoint.
// A component that can keep running in a reduced capacity calls this
// rather than tearing the process down.
func (b *ProcessContext) Degraded(err error, component string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.degraded[component]; !ok {
		logrus.WithError(err).Warnf("Scrawl has entered a degraded state in component %q", component)
		b.degraded[component] = struct{}{}
	}
}

func (b *ProcessContext) IsDegraded() (bool, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.degraded) == 0 {
		return false, nil
	}
	components := make([]string, 0, len(b.degraded))
	for c := range b.degraded {
		components = append(components, c)
	}
	return true, components
}
