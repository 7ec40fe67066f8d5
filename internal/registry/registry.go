// Package registry is the in-memory source of truth for every logical
// terminal known to one service instance. It is owned by the engine actor and
// holds no locks: every method must be called from that single goroutine.
package registry

import (
	"errors"
	"fmt"

	"github.com/g960059/cttmux/internal/layout"
	"github.com/g960059/cttmux/internal/model"
)

var ErrDuplicate = errors.New("duplicate terminal")

type Registry struct {
	leaves     map[string]*model.Leaf
	containers map[string]*model.Container
	order      []string
	owner      map[string]string
	bySession  map[string]string
	rev        map[string]uint64
	clock      uint64
	retired    map[string]struct{}
	agents     *AgentSet
}

func New(dedupCapacity int) *Registry {
	return &Registry{
		leaves:     map[string]*model.Leaf{},
		containers: map[string]*model.Container{},
		owner:      map[string]string{},
		bySession:  map[string]string{},
		rev:        map[string]uint64{},
		retired:    map[string]struct{}{},
		agents:     NewAgentSet(dedupCapacity),
	}
}

func (r *Registry) Agents() *AgentSet {
	return r.agents
}

func (r *Registry) touch(ids ...string) {
	r.clock++
	for _, id := range ids {
		r.rev[id] = r.clock
	}
}

// Rev is the revision of id's last mutation; zero means unknown.
func (r *Registry) Rev(id string) uint64 {
	return r.rev[id]
}

// Clock advances on every mutation.
func (r *Registry) Clock() uint64 {
	return r.clock
}

func (r *Registry) exists(id string) bool {
	if _, ok := r.leaves[id]; ok {
		return true
	}
	_, ok := r.containers[id]
	return ok
}

func (r *Registry) checkNew(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", model.ErrInvalidIntent)
	}
	if _, ok := r.retired[id]; ok {
		return fmt.Errorf("%w: id %s was retired", ErrDuplicate, id)
	}
	if r.exists(id) {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	return nil
}

// InsertLeaf adds a top-level leaf. A leaf enters as spawning unless the
// caller already confirmed its session.
func (r *Registry) InsertLeaf(leaf *model.Leaf) error {
	if err := r.checkNew(leaf.ID); err != nil {
		return err
	}
	if leaf.SessionName != "" {
		if other, ok := r.bySession[leaf.SessionName]; ok {
			return fmt.Errorf("%w: session %s already owned by %s", ErrDuplicate, leaf.SessionName, other)
		}
		r.bySession[leaf.SessionName] = leaf.ID
	}
	if leaf.Status == "" {
		leaf.Status = model.StatusSpawning
	}
	r.leaves[leaf.ID] = leaf.Clone()
	r.order = append(r.order, leaf.ID)
	r.touch(leaf.ID)
	return nil
}

// InsertContainer adds a container in anchorID's tab slot and claims its
// pane terminals (or its ref), removing them from the tab order.
func (r *Registry) InsertContainer(c *model.Container, anchorID string) error {
	if err := r.checkNew(c.ID); err != nil {
		return err
	}
	members := r.memberIDs(c)
	for _, id := range members {
		if _, ok := r.leaves[id]; !ok {
			return fmt.Errorf("%w: pane terminal %s", model.ErrNotFound, id)
		}
		if owner, ok := r.owner[id]; ok {
			return fmt.Errorf("%w: %s already belongs to %s", model.ErrNotMergeable, id, owner)
		}
	}
	at := r.indexOf(anchorID)
	if at >= 0 {
		for _, id := range members {
			if i := r.indexOf(id); i >= 0 && i < at {
				at--
			}
		}
	}
	stored := c.Clone()
	r.containers[c.ID] = stored
	for _, id := range members {
		r.owner[id] = c.ID
		r.dropFromOrder(id)
	}
	r.insertOrder(c.ID, at)
	r.touch(append([]string{c.ID}, members...)...)
	return nil
}

func (r *Registry) memberIDs(c *model.Container) []string {
	if c.Layout.Composite() {
		return layout.TerminalIDs(c.Layout)
	}
	if c.Ref != "" {
		return []string{c.Ref}
	}
	return nil
}

// SetLayout replaces a container's layout and ref in one step. Terminals that
// leave the container go back to the tab order right after it; terminals
// that join leave the tab order.
func (r *Registry) SetLayout(containerID string, next model.SplitLayout, ref string) error {
	c, ok := r.containers[containerID]
	if !ok {
		return fmt.Errorf("%w: container %s", model.ErrNotFound, containerID)
	}
	before := r.memberIDs(c)
	candidate := c.Clone()
	candidate.Layout = next.Clone()
	candidate.Ref = ref
	after := r.memberIDs(candidate)

	afterSet := map[string]struct{}{}
	for _, id := range after {
		afterSet[id] = struct{}{}
		if _, ok := r.leaves[id]; !ok {
			return fmt.Errorf("%w: pane terminal %s", model.ErrNotFound, id)
		}
		if owner, ok := r.owner[id]; ok && owner != containerID {
			return fmt.Errorf("%w: %s already belongs to %s", model.ErrNotMergeable, id, owner)
		}
	}
	touched := []string{containerID}
	pos := r.indexOf(containerID)
	for _, id := range before {
		if _, still := afterSet[id]; still {
			continue
		}
		delete(r.owner, id)
		if pos >= 0 {
			pos++
		}
		r.insertOrder(id, pos)
		touched = append(touched, id)
	}
	for _, id := range after {
		if r.owner[id] != containerID {
			r.owner[id] = containerID
			r.dropFromOrder(id)
			touched = append(touched, id)
		}
	}
	r.containers[containerID] = candidate
	r.touch(touched...)
	return nil
}

func (r *Registry) SetContainerDetached(id string, detached bool) error {
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("%w: container %s", model.ErrNotFound, id)
	}
	if c.Detached == detached {
		return nil
	}
	c.Detached = detached
	r.touch(id)
	return nil
}

// MarkActive binds agentID to a leaf and confirms it.
func (r *Registry) MarkActive(id, agentID string) error {
	l, ok := r.leaves[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	if l.Status == model.StatusActive && l.AgentID == agentID && l.Confirmed {
		return nil
	}
	l.Status = model.StatusActive
	l.AgentID = agentID
	l.Confirmed = true
	r.touch(id)
	return nil
}

// MarkDetached releases the leaf's binding. Its agent ids are forgotten so a
// later reattach may legitimately reuse one.
func (r *Registry) MarkDetached(id string) error {
	l, ok := r.leaves[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	r.agents.ForgetTerminal(id)
	if l.Status == model.StatusDetached && l.AgentID == "" {
		return nil
	}
	l.Status = model.StatusDetached
	l.AgentID = ""
	r.touch(id)
	return nil
}

// Unbind drops a leaf's live binding without changing its status; the next
// reconciliation pass decides whether it is rebound or lost.
func (r *Registry) Unbind(id string) error {
	l, ok := r.leaves[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	r.agents.ForgetTerminal(id)
	if l.AgentID == "" {
		return nil
	}
	l.AgentID = ""
	r.touch(id)
	return nil
}

func (r *Registry) MarkError(id string) error {
	l, ok := r.leaves[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	r.agents.ForgetTerminal(id)
	if l.Status == model.StatusError && l.AgentID == "" {
		return nil
	}
	l.Status = model.StatusError
	l.AgentID = ""
	r.touch(id)
	return nil
}

// Remove deletes a leaf or container. A removed leaf is also dropped from the
// container that owned it. The id is retired and never accepted again.
// Killing the backing session is the caller's job.
func (r *Registry) Remove(id string) (model.Terminal, error) {
	if l, ok := r.leaves[id]; ok {
		if owner, ok := r.owner[id]; ok {
			c := r.containers[owner]
			next, ref := layout.RemovePanes(c.Layout, id)
			if err := r.SetLayout(owner, next, ref); err != nil {
				return nil, err
			}
			r.dropFromOrder(id)
		}
		delete(r.leaves, id)
		if l.SessionName != "" && r.bySession[l.SessionName] == id {
			delete(r.bySession, l.SessionName)
		}
		r.agents.ForgetTerminal(id)
		r.retire(id)
		return l, nil
	}
	if c, ok := r.containers[id]; ok {
		idx := r.indexOf(id)
		for i, member := range r.memberIDs(c) {
			delete(r.owner, member)
			if idx >= 0 {
				r.insertOrder(member, idx+1+i)
			} else {
				r.order = append(r.order, member)
			}
		}
		delete(r.containers, id)
		r.retire(id)
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
}

func (r *Registry) retire(id string) {
	r.dropFromOrder(id)
	r.retired[id] = struct{}{}
	r.touch(id)
}

func (r *Registry) Get(id string) (model.Terminal, bool) {
	if l, ok := r.leaves[id]; ok {
		return l.Clone(), true
	}
	if c, ok := r.containers[id]; ok {
		return c.Clone(), true
	}
	return nil, false
}

func (r *Registry) Leaf(id string) (*model.Leaf, bool) {
	l, ok := r.leaves[id]
	if !ok {
		return nil, false
	}
	return l.Clone(), true
}

func (r *Registry) Container(id string) (*model.Container, bool) {
	c, ok := r.containers[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

func (r *Registry) FindBySessionName(name string) (*model.Leaf, bool) {
	id, ok := r.bySession[name]
	if !ok {
		return nil, false
	}
	return r.Leaf(id)
}

// ContainerOf returns the container that owns leafID, as a pane or as the
// ref of a collapsed container.
func (r *Registry) ContainerOf(leafID string) (*model.Container, bool) {
	owner, ok := r.owner[leafID]
	if !ok {
		return nil, false
	}
	return r.Container(owner)
}

// DetachedContainerFor answers "does a detached composite container have a
// pane for terminalID?" using the reverse index. A container counts while
// its detached flag is set, even if one of its panes was since lost.
func (r *Registry) DetachedContainerFor(terminalID string) (*model.Container, bool) {
	c, ok := r.ContainerOf(terminalID)
	if !ok || !c.Layout.Composite() {
		return nil, false
	}
	if _, isPane := c.Layout.PaneFor(terminalID); !isPane {
		return nil, false
	}
	if !c.Detached {
		return nil, false
	}
	return c, true
}

// Leaves returns every leaf in tab order (container members after their
// container).
func (r *Registry) Leaves() []*model.Leaf {
	out := make([]*model.Leaf, 0, len(r.leaves))
	for _, id := range r.flatOrder() {
		if l, ok := r.leaves[id]; ok {
			out = append(out, l.Clone())
		}
	}
	return out
}

func (r *Registry) Containers() []*model.Container {
	out := make([]*model.Container, 0, len(r.containers))
	for _, id := range r.order {
		if c, ok := r.containers[id]; ok {
			out = append(out, c.Clone())
		}
	}
	return out
}

// EffectiveStatus derives a container's status from its members on every
// call; it is never cached. A lost pane makes the container error. The
// detached flag counts only while no pane has been rebound.
func (r *Registry) EffectiveStatus(c *model.Container) model.Status {
	members := r.memberIDs(c)
	if len(members) == 0 {
		if c.Detached {
			return model.StatusDetached
		}
		return model.StatusActive
	}
	status := model.StatusActive
	rebound := false
	for _, id := range members {
		l, ok := r.leaves[id]
		if !ok {
			continue
		}
		if l.Status == model.StatusActive {
			rebound = true
		}
		if model.StatusPrecedence[l.Status] < model.StatusPrecedence[status] {
			status = l.Status
		}
	}
	if status == model.StatusError {
		return status
	}
	if c.Detached && !rebound {
		return model.StatusDetached
	}
	return status
}

func (r *Registry) View(id string) (model.TerminalView, bool) {
	if l, ok := r.leaves[id]; ok {
		return r.leafView(l), true
	}
	if c, ok := r.containers[id]; ok {
		return r.containerView(c), true
	}
	return model.TerminalView{}, false
}

// List is the full snapshot in display order.
func (r *Registry) List() []model.TerminalView {
	out := make([]model.TerminalView, 0, len(r.leaves)+len(r.containers))
	for _, id := range r.flatOrder() {
		if v, ok := r.View(id); ok {
			out = append(out, v)
		}
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.leaves) + len(r.containers)
}

func (r *Registry) leafView(l *model.Leaf) model.TerminalView {
	return model.TerminalView{
		ID:          l.ID,
		Kind:        model.KindLeaf,
		DisplayName: l.DisplayName,
		ProfileRef:  l.ProfileRef,
		Status:      l.Status,
		SessionName: l.SessionName,
		AgentID:     l.AgentID,
		WorkingDir:  l.WorkingDir,
		Command:     l.Command,
		PaneOf:      r.owner[l.ID],
		CreatedAt:   l.CreatedAt,
	}
}

func (r *Registry) containerView(c *model.Container) model.TerminalView {
	lay := c.Layout.Clone()
	if lay.Panes == nil {
		lay.Panes = []model.Pane{}
	}
	return model.TerminalView{
		ID:          c.ID,
		Kind:        model.KindContainer,
		DisplayName: c.DisplayName,
		ProfileRef:  c.ProfileRef,
		Status:      r.EffectiveStatus(c),
		SplitLayout: &lay,
		Ref:         c.Ref,
		CreatedAt:   c.CreatedAt,
	}
}

// TopLevel returns the tab order.
func (r *Registry) TopLevel() []string {
	return append([]string(nil), r.order...)
}

// Move places a top-level terminal at index.
func (r *Registry) Move(id string, index int) error {
	from := r.indexOf(id)
	if from < 0 {
		if _, owned := r.owner[id]; owned {
			return fmt.Errorf("%w: %s is a pane; move its container", model.ErrInvalidIntent, id)
		}
		return fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	r.order = append(r.order[:from], r.order[from+1:]...)
	r.insertOrder(id, index)
	r.touch(id)
	return nil
}

// ApplyOrderHint reorders tabs to follow a client's remembered order. Hints
// match by session name first, then by id; unknown hints are ignored and
// unmatched tabs keep their relative order at the end.
func (r *Registry) ApplyOrderHint(hints []model.TerminalView) {
	rank := map[string]int{}
	for i, h := range hints {
		id := ""
		if h.SessionName != "" {
			id = r.bySession[h.SessionName]
		}
		if id == "" {
			id = h.ID
		}
		if owner, ok := r.owner[id]; ok {
			id = owner
		}
		if _, seen := rank[id]; !seen && r.indexOf(id) >= 0 {
			rank[id] = i
		}
	}
	if len(rank) == 0 {
		return
	}
	ranked := make([]string, 0, len(r.order))
	rest := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if _, ok := rank[id]; ok {
			ranked = append(ranked, id)
		} else {
			rest = append(rest, id)
		}
	}
	sortByRank(ranked, rank)
	r.order = append(ranked, rest...)
}

func sortByRank(ids []string, rank map[string]int) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && rank[ids[j]] < rank[ids[j-1]]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

func (r *Registry) flatOrder() []string {
	out := make([]string, 0, len(r.leaves)+len(r.containers))
	for _, id := range r.order {
		out = append(out, id)
		if c, ok := r.containers[id]; ok {
			out = append(out, r.memberIDs(c)...)
		}
	}
	return out
}

func (r *Registry) indexOf(id string) int {
	for i, v := range r.order {
		if v == id {
			return i
		}
	}
	return -1
}

func (r *Registry) dropFromOrder(id string) {
	if i := r.indexOf(id); i >= 0 {
		r.order = append(r.order[:i], r.order[i+1:]...)
	}
}

func (r *Registry) insertOrder(id string, at int) {
	r.dropFromOrder(id)
	if at < 0 || at >= len(r.order) {
		r.order = append(r.order, id)
		return
	}
	r.order = append(r.order[:at], append([]string{id}, r.order[at:]...)...)
}
