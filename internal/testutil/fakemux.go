package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/g960059/cttmux/internal/model"
	"github.com/g960059/cttmux/internal/tmux"
)

// FakeMux is an in-memory multiplexer. It is safe for concurrent use.
type FakeMux struct {
	mu        sync.Mutex
	sessions  map[string]model.SessionInfo
	createErr error
	listErr   error
	killErr   map[string]error
	gate      chan struct{}
	lateWrite bool
	collide   int
	creates   []string
	kills     []string
	keys      map[string][]string
	sizes     map[string][2]int
}

func NewFakeMux(names ...string) *FakeMux {
	f := &FakeMux{
		sessions: map[string]model.SessionInfo{},
		killErr:  map[string]error{},
		keys:     map[string][]string{},
		sizes:    map[string][2]int{},
	}
	for _, n := range names {
		f.AddSession(n)
	}
	return f
}

// AddSession makes name exist as if created out of band.
func (f *FakeMux) AddSession(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = model.SessionInfo{Name: name, CreatedAt: time.Unix(1700000000, 0).UTC(), Windows: 1}
}

// DropSession removes name as if its process exited.
func (f *FakeMux) DropSession(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
}

// CollideNext makes the next n creates find their name already taken, as if
// an unmanaged session with that exact name appeared first.
func (f *FakeMux) CollideNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collide = n
}

func (f *FakeMux) FailCreate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

func (f *FakeMux) FailList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *FakeMux) FailKill(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killErr[name] = err
}

// BlockCreate holds every CreateSession until release is called. With
// ignoreCancel the call also outlives its context and still creates the
// session, like a command that completed after its caller gave up.
func (f *FakeMux) BlockCreate(ignoreCancel bool) (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gate = gate
	f.lateWrite = ignoreCancel
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (f *FakeMux) CreateSession(ctx context.Context, name, workingDir, command string) error {
	f.mu.Lock()
	gate, late := f.gate, f.lateWrite
	f.creates = append(f.creates, name)
	f.mu.Unlock()

	if gate != nil {
		if late {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return fmt.Errorf("create session %s: %w", name, ctx.Err())
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return fmt.Errorf("create session %s: %w", name, f.createErr)
	}
	if f.collide > 0 {
		f.collide--
		f.sessions[name] = model.SessionInfo{Name: name, CreatedAt: time.Unix(1700000000, 0).UTC(), Windows: 1}
	}
	if _, exists := f.sessions[name]; exists {
		return fmt.Errorf("create session %s: %w", name, tmux.ErrDuplicateSession)
	}
	f.sessions[name] = model.SessionInfo{Name: name, CreatedAt: time.Now().UTC(), Windows: 1}
	return nil
}

func (f *FakeMux) ListSessions(context.Context) ([]model.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, fmt.Errorf("list sessions: %w", f.listErr)
	}
	out := make([]model.SessionInfo, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *FakeMux) KillSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, name)
	if err := f.killErr[name]; err != nil {
		return fmt.Errorf("kill session %s: %w", name, err)
	}
	if _, ok := f.sessions[name]; !ok {
		return fmt.Errorf("kill session %s: %w", name, model.ErrNotFound)
	}
	delete(f.sessions, name)
	return nil
}

func (f *FakeMux) HasSession(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok, nil
}

func (f *FakeMux) SendKeys(_ context.Context, name, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[name]; !ok {
		return fmt.Errorf("send keys %s: %w", name, model.ErrNotFound)
	}
	f.keys[name] = append(f.keys[name], data)
	return nil
}

func (f *FakeMux) CapturePane(_ context.Context, name string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[name]; !ok {
		return "", fmt.Errorf("capture pane %s: %w", name, model.ErrNotFound)
	}
	out := ""
	for _, k := range f.keys[name] {
		out += k
	}
	return out, nil
}

func (f *FakeMux) Resize(_ context.Context, name string, cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[name]; !ok {
		return fmt.Errorf("resize %s: %w", name, model.ErrNotFound)
	}
	f.sizes[name] = [2]int{cols, rows}
	return nil
}

func (f *FakeMux) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok
}

func (f *FakeMux) SessionNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sessions))
	for n := range f.sessions {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (f *FakeMux) Creates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.creates...)
}

func (f *FakeMux) Kills() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.kills...)
}

func (f *FakeMux) SentKeys(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys[name]...)
}

func (f *FakeMux) Size(name string) (cols, rows int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sizes[name]
	return s[0], s[1]
}
