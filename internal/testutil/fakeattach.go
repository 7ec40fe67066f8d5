package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/g960059/cttmux/internal/stream"
)

// FakeAttacher hands out in-memory streams keyed by session name.
type FakeAttacher struct {
	mu       sync.Mutex
	streams  map[string]*FakeStream
	fail     map[string]error
	attaches []string
	onAttach func(sessionName string)
}

func NewFakeAttacher() *FakeAttacher {
	return &FakeAttacher{
		streams: map[string]*FakeStream{},
		fail:    map[string]error{},
	}
}

func (a *FakeAttacher) FailAttach(sessionName string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail[sessionName] = err
}

// OnAttach runs fn inside every later Attach call, before the stream exists.
func (a *FakeAttacher) OnAttach(fn func(sessionName string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onAttach = fn
}

func (a *FakeAttacher) Attach(_ context.Context, sessionName string, onOutput stream.OutputFunc) (stream.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attaches = append(a.attaches, sessionName)
	if a.onAttach != nil {
		a.onAttach(sessionName)
	}
	if err := a.fail[sessionName]; err != nil {
		return nil, fmt.Errorf("attach %s: %w", sessionName, err)
	}
	s := &FakeStream{name: sessionName, onOutput: onOutput, done: make(chan struct{})}
	a.streams[sessionName] = s
	return s, nil
}

// Stream returns the most recent stream attached to sessionName.
func (a *FakeAttacher) Stream(sessionName string) *FakeStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streams[sessionName]
}

func (a *FakeAttacher) Attaches() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.attaches...)
}

type FakeStream struct {
	name     string
	onOutput stream.OutputFunc
	mu       sync.Mutex
	written  []byte
	sizes    [][2]int
	closed   bool
	done     chan struct{}
	once     sync.Once
}

// Emit delivers data as if the session printed it.
func (s *FakeStream) Emit(data string) {
	if s.onOutput != nil {
		s.onOutput([]byte(data))
	}
}

// End simulates the attached client exiting on its own.
func (s *FakeStream) End() {
	s.once.Do(func() { close(s.done) })
}

func (s *FakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("write to closed stream %s", s.name)
	}
	s.written = append(s.written, p...)
	return len(p), nil
}

func (s *FakeStream) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes = append(s.sizes, [2]int{cols, rows})
	return nil
}

func (s *FakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.End()
	return nil
}

func (s *FakeStream) Done() <-chan struct{} {
	return s.done
}

func (s *FakeStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *FakeStream) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.written)
}

func (s *FakeStream) Resizes() [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]int(nil), s.sizes...)
}
