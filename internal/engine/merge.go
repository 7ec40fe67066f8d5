package engine

import (
	"context"
	"fmt"

	"github.com/g960059/cttmux/internal/identity"
	"github.com/g960059/cttmux/internal/layout"
	"github.com/g960059/cttmux/internal/model"
)

// Merge drops source onto target. The center edge only moves the source tab
// next to the target; any other edge makes source a pane of target's
// container, creating the container when target is a bare leaf.
func (e *Engine) Merge(ctx context.Context, req model.MergeRequest) (model.TerminalView, error) {
	return call(ctx, e, func() (model.TerminalView, error) {
		return e.merge(req)
	})
}

func (e *Engine) merge(req model.MergeRequest) (model.TerminalView, error) {
	if !req.Edge.Valid() {
		return model.TerminalView{}, fmt.Errorf("%w: unknown edge %q", model.ErrInvalidIntent, req.Edge)
	}
	if req.SourceID == "" || req.TargetID == "" {
		return model.TerminalView{}, fmt.Errorf("%w: source and target are required", model.ErrInvalidIntent)
	}
	if req.SourceID == req.TargetID {
		return model.TerminalView{}, fmt.Errorf("%w: cannot merge %s into itself", model.ErrNotMergeable, req.SourceID)
	}
	for _, id := range []string{req.SourceID, req.TargetID} {
		if _, ok := e.pending[id]; ok {
			return model.TerminalView{}, fmt.Errorf("%w: %s is still spawning", model.ErrNotMergeable, id)
		}
	}
	if req.Edge == model.EdgeCenter {
		return e.moveNextTo(req.SourceID, req.TargetID)
	}

	source, wrapper, err := e.mergeSource(req.SourceID)
	if err != nil {
		return model.TerminalView{}, err
	}

	target, ok := e.reg.Get(req.TargetID)
	if !ok {
		return model.TerminalView{}, fmt.Errorf("%w: %s", model.ErrNotFound, req.TargetID)
	}
	var c *model.Container
	switch t := target.(type) {
	case *model.Container:
		c = t
	case *model.Leaf:
		if owner, owned := e.reg.ContainerOf(t.ID); owned {
			c = owner
		}
	}
	if c != nil && wrapper != nil && c.ID == wrapper.ID {
		return model.TerminalView{}, fmt.Errorf("%w: cannot merge %s into itself", model.ErrNotMergeable, source.ID)
	}
	if c != nil && c.Detached {
		return model.TerminalView{}, fmt.Errorf("%w: %s is detached", model.ErrNotMergeable, c.ID)
	}
	if wrapper != nil {
		if err := e.unwrap(wrapper); err != nil {
			return model.TerminalView{}, err
		}
	}
	if c == nil {
		return e.promoteLeaf(target.(*model.Leaf), source, req.Edge)
	}

	var (
		next model.SplitLayout
		ref  string
	)
	switch {
	case c.Layout.Composite() && len(c.Layout.Panes) > 0:
		next, err = layout.Append(c.Layout, source.ID, req.Edge)
	case c.Ref != "":
		next, err = layout.Promote(c.Ref, source.ID, req.Edge)
	default:
		// An empty container takes the source as its only terminal.
		next, ref = model.SplitLayout{Type: model.LayoutSingle}, source.ID
	}
	if err != nil {
		return model.TerminalView{}, err
	}
	if err := e.reg.SetLayout(c.ID, next, ref); err != nil {
		return model.TerminalView{}, err
	}
	e.emitUpdated(source.ID)
	e.emitUpdated(c.ID)
	e.log.Info().Str("container_id", c.ID).Str("source_id", source.ID).Str("edge", string(req.Edge)).Msg("pane added")
	v, _ := e.reg.View(c.ID)
	return v, nil
}

// mergeSource resolves the leaf being dropped. A collapsed single-pane
// container stands for its only terminal, so naming either one yields that
// leaf plus the wrapper to dissolve.
func (e *Engine) mergeSource(id string) (*model.Leaf, *model.Container, error) {
	if c, ok := e.reg.Container(id); ok {
		if c.Layout.Composite() || c.Ref == "" {
			return nil, nil, fmt.Errorf("%w: containers cannot be nested", model.ErrNotMergeable)
		}
		l, ok := e.reg.Leaf(c.Ref)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", model.ErrNotFound, c.Ref)
		}
		return l, c, nil
	}
	l, ok := e.reg.Leaf(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	owner, owned := e.reg.ContainerOf(l.ID)
	if !owned {
		return l, nil, nil
	}
	if owner.Layout.Composite() {
		return nil, nil, fmt.Errorf("%w: %s is already a pane of %s", model.ErrNotMergeable, l.ID, owner.ID)
	}
	return l, owner, nil
}

// unwrap removes a single-pane wrapper and puts its terminal back in the tab
// order where the wrapper was. Actor only.
func (e *Engine) unwrap(c *model.Container) error {
	if _, err := e.reg.Remove(c.ID); err != nil {
		return err
	}
	e.emitClosed(c.ID, "")
	e.emitUpdated(c.Ref)
	e.log.Info().Str("container_id", c.ID).Str("terminal_id", c.Ref).Msg("container dissolved")
	return nil
}

func (e *Engine) promoteLeaf(target, source *model.Leaf, edge model.Edge) (model.TerminalView, error) {
	next, err := layout.Promote(target.ID, source.ID, edge)
	if err != nil {
		return model.TerminalView{}, err
	}
	c := &model.Container{
		Header: model.Header{
			ID:          identity.NewTerminalID(),
			DisplayName: target.DisplayName + " | " + source.DisplayName,
			CreatedAt:   nowUTC(),
		},
		Layout: next,
	}
	if err := e.reg.InsertContainer(c, target.ID); err != nil {
		return model.TerminalView{}, err
	}
	e.emitUpdated(c.ID)
	e.emitUpdated(target.ID)
	e.emitUpdated(source.ID)
	e.log.Info().Str("container_id", c.ID).Str("target_id", target.ID).Str("source_id", source.ID).Msg("container created")
	v, _ := e.reg.View(c.ID)
	return v, nil
}

func (e *Engine) moveNextTo(sourceID, targetID string) (model.TerminalView, error) {
	index := -1
	for i, id := range e.reg.TopLevel() {
		if id == targetID {
			index = i
			break
		}
	}
	if index < 0 {
		if owner, ok := e.reg.ContainerOf(targetID); ok {
			return e.moveNextTo(sourceID, owner.ID)
		}
		return model.TerminalView{}, fmt.Errorf("%w: %s", model.ErrNotFound, targetID)
	}
	return e.reorder(sourceID, index)
}

// Reorder moves a tab to index. For a pane it moves the pane inside its
// container; the layout type and pane count stay the same.
func (e *Engine) Reorder(ctx context.Context, id string, index int) (model.TerminalView, error) {
	return call(ctx, e, func() (model.TerminalView, error) {
		return e.reorder(id, index)
	})
}

func (e *Engine) reorder(id string, index int) (model.TerminalView, error) {
	if owner, ok := e.reg.ContainerOf(id); ok && owner.Layout.Composite() {
		next, err := layout.MovePane(owner.Layout, id, index)
		if err != nil {
			return model.TerminalView{}, err
		}
		if err := e.reg.SetLayout(owner.ID, next, owner.Ref); err != nil {
			return model.TerminalView{}, err
		}
		e.emitUpdated(owner.ID)
		v, _ := e.reg.View(owner.ID)
		return v, nil
	}
	if err := e.reg.Move(id, index); err != nil {
		return model.TerminalView{}, err
	}
	e.emitList()
	v, _ := e.reg.View(id)
	return v, nil
}

func (e *Engine) emitList() {
	e.publish(model.Event{Type: model.EventTerminalList, Terminals: e.snapshotList()})
}
