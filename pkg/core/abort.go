package core

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jllopis/koder/pkg/errors"
)

// AbortController is a cooperative cancellation token shared by one call chain.
// Capabilities check it at their own suspension points; nothing is killed by it.
type AbortController struct {
	aborted atomic.Bool
	once    sync.Once
	mu      sync.RWMutex
	reason  string
	done    chan struct{}
}

// NewAbortController returns an untripped controller.
func NewAbortController() *AbortController {
	return &AbortController{done: make(chan struct{})}
}

// Abort trips the controller. The first reason wins.
func (a *AbortController) Abort(reason string) {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.mu.Lock()
		a.reason = reason
		a.mu.Unlock()
		a.aborted.Store(true)
		close(a.done)
	})
}

// IsAborted reports whether Abort was called. A nil controller is never aborted.
func (a *AbortController) IsAborted() bool {
	return a != nil && a.aborted.Load()
}

// Reason returns the reason given to Abort.
func (a *AbortController) Reason() string {
	if a == nil {
		return ""
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.reason
}

// Done is closed once the controller is tripped. A nil controller returns a
// nil channel, which blocks forever in a select.
func (a *AbortController) Done() <-chan struct{} {
	if a == nil {
		return nil
	}
	return a.done
}

// Err returns an ABORTED error when tripped, nil otherwise.
func (a *AbortController) Err() error {
	if !a.IsAborted() {
		return nil
	}
	reason := a.Reason()
	if reason == "" {
		reason = "operation aborted"
	}
	return errors.New(errors.CodeAborted, reason, nil)
}

// Context derives a context that is cancelled when the controller trips.
// Callers must invoke the returned cancel function.
func (a *AbortController) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if a == nil {
		return ctx, cancel
	}
	go func() {
		select {
		case <-a.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
