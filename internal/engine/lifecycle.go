package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/g960059/cttmux/internal/identity"
	"github.com/g960059/cttmux/internal/layout"
	"github.com/g960059/cttmux/internal/model"
	"github.com/g960059/cttmux/internal/stream"
)

// members lists the leaves a container stands for.
func members(c *model.Container) []string {
	if c.Layout.Composite() {
		return layout.TerminalIDs(c.Layout)
	}
	if c.Ref != "" {
		return []string{c.Ref}
	}
	return nil
}

// Close kills the backing session(s) of id and removes it. Closing a
// terminal that is still spawning cancels the spawn; a session created
// anyway is killed when the create call returns.
func (e *Engine) Close(ctx context.Context, id string) error {
	kills, err := call(ctx, e, func() ([]string, error) {
		return e.closeTerminal(id)
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range kills {
		if err := e.mux.KillSession(ctx, name); err != nil && !errors.Is(err, model.ErrNotFound) {
			e.log.Warn().Err(err).Str("session", name).Msg("kill session on close")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// closeTerminal removes id from the registry and returns the sessions the
// caller must kill. Actor only.
func (e *Engine) closeTerminal(id string) ([]string, error) {
	if p, ok := e.pending[id]; ok {
		if !p.canceled {
			p.canceled = true
			if p.cancelFn != nil {
				p.cancelFn()
			}
			e.emitClosed(id, p.leaf.SessionName)
		}
		return nil, nil
	}
	t, ok := e.reg.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	switch t := t.(type) {
	case *model.Leaf:
		if err := e.discardLeaf(t); err != nil {
			return nil, err
		}
		return []string{t.SessionName}, nil
	case *model.Container:
		ids := members(t)
		if _, err := e.reg.Remove(t.ID); err != nil {
			return nil, err
		}
		kills := make([]string, 0, len(ids))
		for _, m := range ids {
			l, ok := e.reg.Leaf(m)
			if !ok {
				continue
			}
			if err := e.removeLeaf(l); err != nil {
				return kills, err
			}
			kills = append(kills, l.SessionName)
		}
		e.emitClosed(t.ID, "")
		return kills, nil
	default:
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
}

// discardLeaf removes a leaf and repairs the container that owned it. A
// wrapper left standing for nothing is removed too. Actor only.
func (e *Engine) discardLeaf(l *model.Leaf) error {
	owner, owned := e.reg.ContainerOf(l.ID)
	if err := e.removeLeaf(l); err != nil {
		return err
	}
	if !owned {
		return nil
	}
	c, ok := e.reg.Container(owner.ID)
	if !ok {
		return nil
	}
	if !c.Layout.Composite() && c.Ref == "" {
		if _, err := e.reg.Remove(c.ID); err == nil {
			e.emitClosed(c.ID, "")
		}
		return nil
	}
	e.emitUpdated(c.ID)
	return nil
}

func (e *Engine) removeLeaf(l *model.Leaf) error {
	e.unbindLeaf(l.ID)
	if _, err := e.reg.Remove(l.ID); err != nil {
		return err
	}
	e.emitClosed(l.ID, l.SessionName)
	e.log.Info().Str("terminal_id", l.ID).Str("session", l.SessionName).Msg("terminal closed")
	return nil
}

// Detach releases live bindings without touching the sessions. Detaching a
// container detaches every pane; detaching one pane of a split takes it out
// of the split.
func (e *Engine) Detach(ctx context.Context, id string) (model.TerminalView, error) {
	return call(ctx, e, func() (model.TerminalView, error) {
		return e.detachTerminal(id)
	})
}

func (e *Engine) detachTerminal(id string) (model.TerminalView, error) {
	if _, ok := e.pending[id]; ok {
		return model.TerminalView{}, fmt.Errorf("%w: %s is still spawning", model.ErrInvalidIntent, id)
	}
	t, ok := e.reg.Get(id)
	if !ok {
		return model.TerminalView{}, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	switch t := t.(type) {
	case *model.Container:
		return e.detachContainer(t)
	case *model.Leaf:
		owner, owned := e.reg.ContainerOf(id)
		switch {
		case owned && (!owner.Layout.Composite() || owner.Detached):
			return e.detachContainer(owner)
		case owned:
			next, ref := layout.RemovePanes(owner.Layout, id)
			if err := e.reg.SetLayout(owner.ID, next, ref); err != nil {
				return model.TerminalView{}, err
			}
			e.detachLeaf(id)
			e.emitUpdated(owner.ID)
		default:
			e.detachLeaf(id)
		}
		v, _ := e.reg.View(id)
		return v, nil
	default:
		return model.TerminalView{}, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
}

func (e *Engine) detachLeaf(id string) {
	e.unbindLeaf(id)
	l, ok := e.reg.Leaf(id)
	if !ok {
		return
	}
	before := e.reg.Rev(id)
	_ = e.reg.MarkDetached(id)
	if e.reg.Rev(id) != before || l.Status != model.StatusDetached {
		e.emitUpdated(id)
		e.log.Info().Str("terminal_id", id).Str("session", l.SessionName).Msg("terminal detached")
	}
}

func (e *Engine) detachContainer(c *model.Container) (model.TerminalView, error) {
	ids := members(c)
	if len(ids) == 0 {
		v, _ := e.reg.View(c.ID)
		return v, nil
	}
	for _, m := range ids {
		e.detachLeaf(m)
	}
	_ = e.reg.SetContainerDetached(c.ID, true)
	e.emitUpdated(c.ID)
	v, _ := e.reg.View(c.ID)
	return v, nil
}

type bindTarget struct {
	leafID      string
	sessionName string
	agentID     string
	rev         uint64
}

type reattachPlan struct {
	viewID      string
	containerID string
	targets     []bindTarget
}

type bindAttempt struct {
	target  bindTarget
	present bool
	stream  stream.Stream
	err     error
}

// Reattach rebinds a detached terminal. A pane of a detached split brings
// back the whole container. agentID is optional; an id still bound
// elsewhere is rejected.
func (e *Engine) Reattach(ctx context.Context, id, agentID string) (model.TerminalView, error) {
	plan, err := call(ctx, e, func() (reattachPlan, error) {
		return e.planReattach(id, agentID)
	})
	if err != nil {
		return model.TerminalView{}, err
	}
	results := make([]bindAttempt, 0, len(plan.targets))
	for _, t := range plan.targets {
		results = append(results, e.openBinding(ctx, t, true))
	}
	var applied atomic.Bool
	v, err := call(ctx, e, func() (model.TerminalView, error) {
		applied.Store(true)
		return e.applyReattach(plan, results)
	})
	if err != nil && !applied.Load() {
		e.releaseUnapplied(plan.targets, results)
	}
	return v, err
}

// releaseUnapplied closes streams the actor never took over and drops the
// agent id reservations made for targets. It runs off the actor when the
// apply step was never queued or the engine stopped before running it.
func (e *Engine) releaseUnapplied(targets []bindTarget, results []bindAttempt) {
	for _, r := range results {
		if r.stream != nil {
			_ = r.stream.Close()
		}
	}
	var reserved []bindTarget
	for _, t := range targets {
		if t.agentID != "" {
			reserved = append(reserved, t)
		}
	}
	if len(reserved) == 0 {
		return
	}
	e.post(func() {
		for _, t := range reserved {
			if e.reserved[t.agentID] == t.leafID {
				delete(e.reserved, t.agentID)
			}
		}
	})
}

func (e *Engine) planReattach(id, agentID string) (reattachPlan, error) {
	if _, ok := e.pending[id]; ok {
		return reattachPlan{}, fmt.Errorf("%w: %s is still spawning", model.ErrInvalidIntent, id)
	}
	agentID = strings.TrimSpace(agentID)
	if agentID != "" && e.agentTaken(agentID) {
		return reattachPlan{}, fmt.Errorf("%w: agent id %s is already bound", model.ErrInvalidIntent, agentID)
	}
	t, ok := e.reg.Get(id)
	if !ok {
		return reattachPlan{}, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	plan := reattachPlan{viewID: id}
	var candidates []string
	switch t := t.(type) {
	case *model.Container:
		plan.containerID = t.ID
		candidates = members(t)
	case *model.Leaf:
		if c, ok := e.reg.DetachedContainerFor(id); ok {
			plan.containerID, plan.viewID = c.ID, c.ID
			candidates = members(c)
		} else if c, ok := e.reg.ContainerOf(id); ok && !c.Layout.Composite() && c.Detached {
			plan.containerID, plan.viewID = c.ID, c.ID
			candidates = members(c)
		} else {
			candidates = []string{id}
		}
	}
	for _, m := range candidates {
		l, ok := e.reg.Leaf(m)
		if !ok || (l.Status == model.StatusActive && l.AgentID != "") {
			continue
		}
		target := bindTarget{leafID: m, sessionName: l.SessionName, rev: e.reg.Rev(m)}
		if m == id && agentID != "" {
			target.agentID = agentID
			e.reserved[agentID] = m
		}
		plan.targets = append(plan.targets, target)
	}
	return plan, nil
}

func (e *Engine) agentTaken(agentID string) bool {
	if e.reg.Agents().Seen(agentID) {
		return true
	}
	_, ok := e.reserved[agentID]
	return ok
}

// openBinding checks the session and opens a stream for it. It runs off the
// actor.
func (e *Engine) openBinding(ctx context.Context, t bindTarget, checkExists bool) bindAttempt {
	res := bindAttempt{target: t}
	if res.target.agentID == "" {
		res.target.agentID = identity.NewAgentID()
	}
	if checkExists {
		ok, err := e.mux.HasSession(ctx, t.sessionName)
		if err != nil {
			res.err = err
			return res
		}
		if !ok {
			return res
		}
	}
	res.present = true
	if e.attacher != nil {
		st, err := e.attacher.Attach(ctx, t.sessionName, e.outputFunc(t.leafID, res.target.agentID, t.sessionName))
		if err != nil {
			res.err = err
			return res
		}
		res.stream = st
	}
	return res
}

func (e *Engine) applyReattach(plan reattachPlan, results []bindAttempt) (model.TerminalView, error) {
	var failed []string
	bound := 0
	for _, r := range results {
		delete(e.reserved, r.target.agentID)
		outcome := e.applyAttempt(r)
		switch outcome {
		case attemptBound:
			bound++
		case attemptLost, attemptFailed:
			failed = append(failed, r.target.sessionName)
		}
	}
	if plan.containerID != "" && !e.settleContainer(plan.containerID) {
		e.emitUpdated(plan.containerID)
	}
	v, ok := e.reg.View(plan.viewID)
	if !ok {
		return model.TerminalView{}, fmt.Errorf("%w: %s", model.ErrNotFound, plan.viewID)
	}
	if len(failed) > 0 && bound == 0 {
		for _, r := range results {
			if r.err != nil && errors.Is(r.err, model.ErrHostUnavailable) {
				return v, fmt.Errorf("%w: %v", model.ErrHostUnavailable, r.err)
			}
		}
		return v, fmt.Errorf("%w: %s", model.ErrReattachFailed, strings.Join(failed, ", "))
	}
	return v, nil
}

// settleContainer clears a container's detached flag once every member is
// either rebound or lost. Actor only.
func (e *Engine) settleContainer(id string) bool {
	c, ok := e.reg.Container(id)
	if !ok || !c.Detached {
		return false
	}
	ids := members(c)
	if len(ids) == 0 {
		return false
	}
	for _, m := range ids {
		l, ok := e.reg.Leaf(m)
		if !ok {
			continue
		}
		if l.Status != model.StatusActive && l.Status != model.StatusError {
			return false
		}
	}
	_ = e.reg.SetContainerDetached(id, false)
	e.emitUpdated(id)
	return true
}

type attemptOutcome int

const (
	attemptSkipped attemptOutcome = iota
	attemptBound
	attemptLost
	attemptFailed
)

// applyAttempt binds or marks lost one attempted leaf, unless the leaf changed
// after it was planned. Actor only.
func (e *Engine) applyAttempt(r bindAttempt) attemptOutcome {
	if e.reg.Rev(r.target.leafID) != r.target.rev {
		if r.stream != nil {
			_ = r.stream.Close()
		}
		return attemptSkipped
	}
	switch {
	case r.err != nil:
		if r.stream != nil {
			_ = r.stream.Close()
		}
		e.log.Warn().Err(r.err).Str("terminal_id", r.target.leafID).Msg("rebind failed")
		return attemptFailed
	case !r.present:
		e.markLost(r.target.leafID)
		return attemptLost
	default:
		e.bindLeaf(r.target.leafID, r.target.agentID, r.stream)
		return attemptBound
	}
}

// markLost records that a leaf's session disappeared. Actor only.
func (e *Engine) markLost(id string) {
	l, ok := e.reg.Leaf(id)
	if !ok {
		return
	}
	e.unbindLeaf(id)
	_ = e.reg.MarkError(id)
	e.emitUpdated(id)
	e.emitLost(id, l.SessionName)
	e.emitOwner(id)
	e.log.Warn().Str("terminal_id", id).Str("session", l.SessionName).Msg("session lost")
}

// NotifyAvailable handles an inbound "session became available" delivery.
// It reports false for a repeated agentId or one for a superseded binding.
func (e *Engine) NotifyAvailable(ctx context.Context, id, agentID string) (bool, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return false, fmt.Errorf("%w: agent id required", model.ErrInvalidIntent)
	}
	fresh, err := call(ctx, e, func() (bool, error) {
		l, ok := e.reg.Leaf(id)
		if !ok {
			return false, fmt.Errorf("%w: %s", model.ErrNotFound, id)
		}
		if e.agentTaken(agentID) {
			return false, nil
		}
		if l.Status == model.StatusActive && l.AgentID != "" {
			return false, nil
		}
		return true, nil
	})
	if err != nil || !fresh {
		return false, err
	}
	if _, err := e.Reattach(ctx, id, agentID); err != nil {
		if errors.Is(err, model.ErrInvalidIntent) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
