// Package engine is the single actor that owns the session registry. Every
// intent and reconciliation outcome is applied on the actor goroutine;
// multiplexer calls run in the background and report back through it.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/g960059/cttmux/internal/config"
	"github.com/g960059/cttmux/internal/db"
	"github.com/g960059/cttmux/internal/identity"
	"github.com/g960059/cttmux/internal/logx"
	"github.com/g960059/cttmux/internal/model"
	"github.com/g960059/cttmux/internal/registry"
	"github.com/g960059/cttmux/internal/stream"
	"github.com/g960059/cttmux/internal/tmux"
)

// Persister stores the registry after it changes.
type Persister interface {
	ReplaceTerminals(ctx context.Context, records []db.TerminalRecord, retired []string) error
}

// Sink receives events. It is called from the actor goroutine and from
// stream readers, so it must be safe for concurrent use and must not block.
type Sink func(model.Event)

type Options struct {
	Config   config.Config
	Mux      tmux.Multiplexer
	Attacher stream.Attacher
	Store    Persister
	Log      zerolog.Logger
}

type Engine struct {
	cfg      config.Config
	mux      tmux.Multiplexer
	attacher stream.Attacher
	store    Persister
	log      zerolog.Logger
	ns       identity.Namespace
	limiter  *rate.Limiter

	inbox   chan func()
	stopped chan struct{}
	started bool
	runCtx  context.Context

	// actor-owned
	reg       *registry.Registry
	pending   map[string]*pendingSpawn
	spawnSeq  uint64
	bindings  map[string]*binding
	reserved  map[string]string
	health    tmux.HealthState
	persisted uint64

	reconcileMu sync.Mutex

	sinkMu   sync.RWMutex
	sinks    map[int]Sink
	nextSink int

	persistCh chan persistJob
}

type persistJob struct {
	records []db.TerminalRecord
	retired []string
}

func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = 5 * time.Second
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = 4
	}
	limit := rate.Inf
	if cfg.RebindStagger > 0 {
		limit = rate.Every(cfg.RebindStagger)
	}
	return &Engine{
		cfg:       cfg,
		mux:       opts.Mux,
		attacher:  opts.Attacher,
		store:     opts.Store,
		log:       logx.Component(opts.Log, "engine"),
		ns:        identity.NewNamespace(cfg.SessionPrefix),
		limiter:   rate.NewLimiter(limit, 1),
		inbox:     make(chan func(), 64),
		stopped:   make(chan struct{}),
		runCtx:    context.Background(),
		reg:       registry.New(cfg.DedupCapacity),
		pending:   map[string]*pendingSpawn{},
		bindings:  map[string]*binding{},
		reserved:  map[string]string{},
		sinks:     map[int]Sink{},
		persistCh: make(chan persistJob, 1),
	}
}

// Namespace is the session namespace this engine manages.
func (e *Engine) Namespace() identity.Namespace {
	return e.ns
}

// Run drives the actor until ctx is done. Live bindings are closed on exit;
// their sessions keep running.
func (e *Engine) Run(ctx context.Context) error {
	e.started = true
	e.runCtx = ctx
	e.persisted = e.reg.Clock()
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		e.persistLoop(ctx)
	}()
	defer func() {
		for id, b := range e.bindings {
			b.close()
			delete(e.bindings, id)
		}
		for _, p := range e.pending {
			p.cancel()
		}
		close(e.stopped)
		<-persistDone
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-e.inbox:
			fn()
			e.schedulePersist()
		}
	}
}

// post queues fn for the actor without waiting for it to run.
func (e *Engine) post(fn func()) bool {
	select {
	case e.inbox <- fn:
		return true
	case <-e.stopped:
		return false
	}
}

// call runs fn on the actor and waits for its result.
func call[T any](ctx context.Context, e *Engine, fn func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	done := make(chan struct{})
	task := func() {
		defer close(done)
		out, err = fn()
	}
	select {
	case e.inbox <- task:
	case <-ctx.Done():
		return out, ctx.Err()
	case <-e.stopped:
		return out, model.ErrEngineStopped
	}
	select {
	case <-done:
		return out, err
	case <-e.stopped:
		return out, model.ErrEngineStopped
	}
}

// Subscribe registers sink and returns a function that removes it.
func (e *Engine) Subscribe(sink Sink) (unsubscribe func()) {
	e.sinkMu.Lock()
	id := e.nextSink
	e.nextSink++
	e.sinks[id] = sink
	e.sinkMu.Unlock()
	return func() {
		e.sinkMu.Lock()
		delete(e.sinks, id)
		e.sinkMu.Unlock()
	}
}

// SubscribeWithSnapshot applies a client's order hints, hands sink the full
// terminal-list and registers it, all on the actor, so the sink sees every
// later change after the snapshot and none before it.
func (e *Engine) SubscribeWithSnapshot(ctx context.Context, hints []model.TerminalView, sink Sink) (unsubscribe func(), err error) {
	return call(ctx, e, func() (func(), error) {
		if len(hints) > 0 {
			e.reg.ApplyOrderHint(hints)
		}
		sink(model.Event{Type: model.EventTerminalList, Terminals: e.snapshotList()})
		return e.Subscribe(sink), nil
	})
}

func (e *Engine) publish(ev model.Event) {
	e.sinkMu.RLock()
	defer e.sinkMu.RUnlock()
	for _, sink := range e.sinks {
		sink(ev)
	}
}

func (e *Engine) emitUpdated(id string) {
	if v, ok := e.reg.View(id); ok {
		e.publish(model.Event{Type: model.EventTerminalUpdated, TerminalID: id, Terminal: &v})
	}
}

func (e *Engine) emitClosed(id, sessionName string) {
	e.publish(model.Event{Type: model.EventTerminalClosed, TerminalID: id, SessionName: sessionName})
}

func (e *Engine) emitAvailable(id, agentID, sessionName string) {
	e.publish(model.Event{Type: model.EventTerminalAvailable, TerminalID: id, AgentID: agentID, SessionName: sessionName})
}

func (e *Engine) emitLost(id, sessionName string) {
	e.publish(model.Event{
		Type:        model.EventTerminalLost,
		TerminalID:  id,
		SessionName: sessionName,
		Code:        model.CodeSessionLost,
		Message:     fmt.Sprintf("session %s is gone", sessionName),
	})
}

// snapshotList is the registry in display order followed by in-flight
// spawns. Actor only.
func (e *Engine) snapshotList() []model.TerminalView {
	out := e.reg.List()
	for _, p := range e.pendingInOrder() {
		out = append(out, p.view())
	}
	return out
}

// Snapshot returns every terminal in display order.
func (e *Engine) Snapshot(ctx context.Context) ([]model.TerminalView, error) {
	return call(ctx, e, func() ([]model.TerminalView, error) {
		return e.snapshotList(), nil
	})
}

func (e *Engine) Get(ctx context.Context, id string) (model.TerminalView, error) {
	return call(ctx, e, func() (model.TerminalView, error) {
		if v, ok := e.reg.View(id); ok {
			return v, nil
		}
		if p, ok := e.pending[id]; ok {
			return p.view(), nil
		}
		return model.TerminalView{}, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	})
}

func (e *Engine) FindBySessionName(ctx context.Context, name string) (model.TerminalView, error) {
	return call(ctx, e, func() (model.TerminalView, error) {
		l, ok := e.reg.FindBySessionName(name)
		if !ok {
			return model.TerminalView{}, fmt.Errorf("%w: session %s", model.ErrNotFound, name)
		}
		v, _ := e.reg.View(l.ID)
		return v, nil
	})
}

// HealthReport is the service's view of the multiplexer host.
type HealthReport struct {
	Host      model.HostHealth `json:"host"`
	LastError string           `json:"last_error,omitempty"`
	Terminals int              `json:"terminals"`
	Pending   int              `json:"pending"`
	Bindings  int              `json:"bindings"`
}

func (e *Engine) Health(ctx context.Context) (HealthReport, error) {
	return call(ctx, e, func() (HealthReport, error) {
		host := e.health.Current
		if host == "" {
			host = model.HostHealthOK
		}
		return HealthReport{
			Host:      host,
			LastError: e.health.LastError,
			Terminals: e.reg.Len(),
			Pending:   len(e.pending),
			Bindings:  len(e.bindings),
		}, nil
	})
}
