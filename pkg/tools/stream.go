package tools

import (
	"context"
	"sync"

	"github.com/jllopis/koder/pkg/core"
)

const streamBuffer = 16

// Stream carries the responses of one dispatched call: progress events
// followed by at most one result. Events is closed when the call finishes;
// Err is valid after that.
type Stream struct {
	name   string
	events chan core.Response
	quit   chan struct{}

	mu       sync.Mutex
	closed   bool
	err      error
	quitOnce sync.Once
}

func newStream(name string) *Stream {
	return &Stream{
		name:   name,
		events: make(chan core.Response, streamBuffer),
		quit:   make(chan struct{}),
	}
}

// Name returns the capability the stream belongs to.
func (s *Stream) Name() string {
	return s.name
}

// Events returns the response channel.
func (s *Stream) Events() <-chan core.Response {
	return s.events
}

// Err returns the terminal error, if the call failed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Result drains the stream and returns its single result. Progress content is
// handed to onProgress when non-nil. If ctx ends first the remaining events
// are discarded.
func (s *Stream) Result(ctx context.Context, onProgress core.ProgressFunc) (any, error) {
	var result any
	for {
		select {
		case <-ctx.Done():
			s.abandon()
			return nil, ctx.Err()
		case ev, ok := <-s.events:
			if !ok {
				if err := s.Err(); err != nil {
					return nil, err
				}
				return result, nil
			}
			if ev.IsResult() {
				result = ev.Content
			} else if onProgress != nil {
				onProgress(ev.Content)
			}
		}
	}
}

func (s *Stream) emit(r core.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- r:
	case <-s.quit:
	}
}

func (s *Stream) finish(result any, err error) {
	if err == nil {
		s.emit(core.Result(result))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.events)
}

func (s *Stream) abandon() {
	s.quitOnce.Do(func() { close(s.quit) })
}
