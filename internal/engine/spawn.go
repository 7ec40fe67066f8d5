package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/g960059/cttmux/internal/config"
	"github.com/g960059/cttmux/internal/identity"
	"github.com/g960059/cttmux/internal/model"
	"github.com/g960059/cttmux/internal/security"
	"github.com/g960059/cttmux/internal/stream"
	"github.com/g960059/cttmux/internal/tmux"
)

// pendingSpawn is a terminal whose session has not been confirmed. It is
// not in the registry; only a successful create inserts it.
type pendingSpawn struct {
	leaf     *model.Leaf
	seq      uint64
	slug     string // empty when the caller chose the session name
	cancelFn context.CancelFunc
	timer    *time.Timer
	canceled bool
	waiters  []chan spawnOutcome
}

type spawnOutcome struct {
	view model.TerminalView
	err  error
}

type spawnResult struct {
	created bool
	agentID string
	stream  stream.Stream
	err     error
}

func (p *pendingSpawn) cancel() {
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.cancelFn != nil {
		p.cancelFn()
	}
}

func (p *pendingSpawn) view() model.TerminalView {
	return model.TerminalView{
		ID:          p.leaf.ID,
		Kind:        model.KindLeaf,
		DisplayName: p.leaf.DisplayName,
		ProfileRef:  p.leaf.ProfileRef,
		Status:      model.StatusSpawning,
		SessionName: p.leaf.SessionName,
		WorkingDir:  p.leaf.WorkingDir,
		Command:     p.leaf.Command,
		CreatedAt:   p.leaf.CreatedAt,
	}
}

func (p *pendingSpawn) notify(out spawnOutcome) {
	for _, w := range p.waiters {
		w <- out
	}
	p.waiters = nil
}

func (e *Engine) pendingInOrder() []*pendingSpawn {
	out := make([]*pendingSpawn, 0, len(e.pending))
	for _, p := range e.pending {
		if !p.canceled {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (e *Engine) sessionInUse(name string) bool {
	if _, ok := e.reg.FindBySessionName(name); ok {
		return true
	}
	for _, p := range e.pending {
		if p.leaf.SessionName == name {
			return true
		}
	}
	return false
}

// Spawn starts creating a terminal and returns it in the spawning state.
// The outcome arrives later as terminal-updated/terminal-available or as
// spawn-failed.
func (e *Engine) Spawn(ctx context.Context, req model.SpawnRequest) (model.TerminalView, error) {
	return e.spawn(ctx, req, nil)
}

// SpawnAndWait is Spawn followed by waiting for the outcome.
func (e *Engine) SpawnAndWait(ctx context.Context, req model.SpawnRequest) (model.TerminalView, error) {
	ch := make(chan spawnOutcome, 1)
	view, err := e.spawn(ctx, req, ch)
	if err != nil {
		return view, err
	}
	select {
	case out := <-ch:
		return out.view, out.err
	case <-ctx.Done():
		return view, ctx.Err()
	case <-e.stopped:
		return view, model.ErrEngineStopped
	}
}

func (e *Engine) spawn(ctx context.Context, req model.SpawnRequest, waiter chan spawnOutcome) (model.TerminalView, error) {
	return call(ctx, e, func() (model.TerminalView, error) {
		leaf, slug, err := e.prepareSpawn(req)
		if err != nil {
			return model.TerminalView{}, err
		}
		e.spawnSeq++
		p := &pendingSpawn{leaf: leaf, seq: e.spawnSeq, slug: slug}
		if waiter != nil {
			p.waiters = append(p.waiters, waiter)
		}
		createCtx, cancel := context.WithTimeout(e.runCtx, e.cfg.SpawnTimeout)
		p.cancelFn = cancel
		e.pending[leaf.ID] = p
		id := leaf.ID
		p.timer = time.AfterFunc(e.cfg.SpawnTimeout, func() {
			e.post(func() {
				e.resolveSpawn(id, p, spawnResult{err: fmt.Errorf("%w after %s", model.ErrSpawnTimeout, e.cfg.SpawnTimeout)})
			})
		})
		go e.runSpawn(createCtx, p, leaf.Clone())

		e.log.Info().
			Str("terminal_id", id).
			Str("session", leaf.SessionName).
			Str("command", security.RedactCommand(leaf.Command)).
			Msg("spawn requested")
		return p.view(), nil
	})
}

// maxNameAttempts bounds how many generated session names one spawn tries.
const maxNameAttempts = 4

// prepareSpawn builds the leaf for req. slug is what generated names derive
// from; it is empty when req names the session explicitly.
func (e *Engine) prepareSpawn(req model.SpawnRequest) (*model.Leaf, string, error) {
	profile := e.cfg.Profiles[req.Profile]
	command := strings.TrimSpace(req.Command)
	if command == "" {
		command = profile.Command
	}
	display := firstNonEmpty(req.DisplayName, profile.DisplayName, req.Profile, command, "shell")
	slugSource := firstNonEmpty(req.Profile, req.DisplayName, firstWord(command))
	explicit := strings.TrimSpace(req.SessionName)

	var (
		name string
		slug string
		err  error
	)
	if explicit != "" {
		name = e.ns.SessionName(slugSource, explicit)
		if e.sessionInUse(name) {
			return nil, "", fmt.Errorf("%w: session name %s already in use", model.ErrInvalidIntent, name)
		}
	} else {
		slug = slugSource
		if name, err = e.freshSessionName(slug); err != nil {
			return nil, "", err
		}
	}
	return &model.Leaf{
		Header: model.Header{
			ID:          identity.NewTerminalID(),
			DisplayName: display,
			ProfileRef:  req.Profile,
			CreatedAt:   nowUTC(),
		},
		Status:      model.StatusSpawning,
		SessionName: name,
		WorkingDir:  config.EffectiveWorkingDir(req.WorkingDir, profile.WorkingDir, e.cfg.DefaultWorkingDir),
		Command:     command,
	}, slug, nil
}

// freshSessionName generates a name no known or in-flight terminal uses.
// Actor only.
func (e *Engine) freshSessionName(slug string) (string, error) {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		if name := e.ns.SessionName(slug, ""); !e.sessionInUse(name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: no free session name for %s", model.ErrInvalidIntent, slug)
}

// renameSpawn gives a pending spawn a new generated session name after the
// multiplexer reported its name taken. Actor only.
func (e *Engine) renameSpawn(id string, p *pendingSpawn) (string, error) {
	if e.pending[id] != p || p.canceled {
		return "", model.ErrSpawnCanceled
	}
	name, err := e.freshSessionName(p.slug)
	if err != nil {
		return "", err
	}
	e.log.Info().Str("terminal_id", id).Str("taken", p.leaf.SessionName).Str("session", name).Msg("session name taken, retrying spawn")
	p.leaf.SessionName = name
	return name, nil
}

// runSpawn performs the multiplexer calls off the actor.
func (e *Engine) runSpawn(ctx context.Context, p *pendingSpawn, leaf *model.Leaf) {
	res := spawnResult{agentID: identity.NewAgentID()}
	err := e.mux.CreateSession(ctx, leaf.SessionName, leaf.WorkingDir, leaf.Command)
	for attempt := 1; p.slug != "" && errors.Is(err, tmux.ErrDuplicateSession) && attempt < maxNameAttempts; attempt++ {
		name, rerr := call(ctx, e, func() (string, error) {
			return e.renameSpawn(leaf.ID, p)
		})
		if rerr != nil {
			break
		}
		leaf.SessionName = name
		err = e.mux.CreateSession(ctx, name, leaf.WorkingDir, leaf.Command)
	}
	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.err = fmt.Errorf("%w: %v", model.ErrSpawnTimeout, err)
	case err != nil:
		res.err = fmt.Errorf("%w: %v", model.ErrSpawnFailed, err)
	default:
		res.created = true
		if e.attacher != nil {
			st, aerr := e.attacher.Attach(ctx, leaf.SessionName, e.outputFunc(leaf.ID, res.agentID, leaf.SessionName))
			if aerr != nil {
				res.err = fmt.Errorf("%w: attach: %v", model.ErrSpawnFailed, aerr)
			} else {
				res.stream = st
			}
		}
	}
	id := leaf.ID
	if !e.post(func() { e.resolveSpawn(id, p, res) }) {
		e.discardSpawn(leaf.SessionName, res)
	}
}

// discardSpawn undoes a create nobody is waiting for.
func (e *Engine) discardSpawn(sessionName string, res spawnResult) {
	if res.stream != nil {
		_ = res.stream.Close()
	}
	if res.created {
		go e.killQuietly(sessionName)
	}
}

// resolveSpawn applies the first outcome for p; later outcomes for the same
// spawn only clean up. Actor only.
func (e *Engine) resolveSpawn(id string, p *pendingSpawn, res spawnResult) {
	if e.pending[id] != p {
		e.discardSpawn(p.leaf.SessionName, res)
		return
	}
	delete(e.pending, id)
	p.cancel()
	log := e.log.With().Str("terminal_id", id).Str("session", p.leaf.SessionName).Logger()

	if p.canceled {
		e.discardSpawn(p.leaf.SessionName, res)
		p.notify(spawnOutcome{view: p.view(), err: model.ErrSpawnCanceled})
		log.Info().Msg("spawn canceled")
		return
	}
	if res.err != nil {
		e.discardSpawn(p.leaf.SessionName, res)
		e.publish(model.Event{
			Type:        model.EventSpawnFailed,
			TerminalID:  id,
			SessionName: p.leaf.SessionName,
			Code:        model.Code(res.err),
			Message:     res.err.Error(),
		})
		p.notify(spawnOutcome{view: p.view(), err: res.err})
		log.Warn().Err(res.err).Msg("spawn failed")
		return
	}

	leaf := p.leaf.Clone()
	leaf.Status = model.StatusActive
	leaf.Confirmed = true
	if err := e.reg.InsertLeaf(leaf); err != nil {
		// The session name was adopted by someone else meanwhile; it is not ours to kill.
		if res.stream != nil {
			_ = res.stream.Close()
		}
		err = fmt.Errorf("%w: %v", model.ErrSpawnFailed, err)
		e.publish(model.Event{Type: model.EventSpawnFailed, TerminalID: id, SessionName: leaf.SessionName, Code: model.Code(err), Message: err.Error()})
		p.notify(spawnOutcome{view: p.view(), err: err})
		return
	}
	e.bindLeaf(id, res.agentID, res.stream)
	view, _ := e.reg.View(id)
	p.notify(spawnOutcome{view: view})
	log.Info().Str("agent_id", res.agentID).Msg("spawn confirmed")
}

func (e *Engine) killQuietly(sessionName string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SpawnTimeout)
	defer cancel()
	if err := e.mux.KillSession(ctx, sessionName); err != nil && !errors.Is(err, model.ErrNotFound) {
		e.log.Warn().Err(err).Str("session", sessionName).Msg("kill session")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
