package registry

import (
	"fmt"
	"sort"

	"github.com/g960059/cttmux/internal/model"
)

// Retired lists ids that may never be issued again, sorted.
func (r *Registry) Retired() []string {
	out := make([]string, 0, len(r.retired))
	for id := range r.retired {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Restore loads persisted state into an empty registry. order holds the
// top-level ids; top-level terminals missing from it are appended. Restored
// leaves carry no binding.
func (r *Registry) Restore(leaves []*model.Leaf, containers []*model.Container, order, retired []string) error {
	if r.Len() != 0 {
		return fmt.Errorf("restore into non-empty registry")
	}
	for _, id := range retired {
		r.retired[id] = struct{}{}
	}
	for _, l := range leaves {
		if err := r.checkNew(l.ID); err != nil {
			return err
		}
		if l.SessionName == "" {
			return fmt.Errorf("%w: leaf %s has no session name", model.ErrInvalidIntent, l.ID)
		}
		if other, ok := r.bySession[l.SessionName]; ok {
			return fmt.Errorf("%w: session %s already owned by %s", ErrDuplicate, l.SessionName, other)
		}
		stored := l.Clone()
		stored.AgentID = ""
		r.leaves[l.ID] = stored
		r.bySession[l.SessionName] = l.ID
	}
	for _, c := range containers {
		if err := r.checkNew(c.ID); err != nil {
			return err
		}
		for _, id := range r.memberIDs(c) {
			if _, ok := r.leaves[id]; !ok {
				return fmt.Errorf("%w: container %s pane %s", model.ErrNotFound, c.ID, id)
			}
			if owner, ok := r.owner[id]; ok {
				return fmt.Errorf("%w: %s already belongs to %s", model.ErrNotMergeable, id, owner)
			}
			r.owner[id] = c.ID
		}
		r.containers[c.ID] = c.Clone()
	}

	placed := map[string]struct{}{}
	place := func(id string) {
		if _, dup := placed[id]; dup {
			return
		}
		if _, owned := r.owner[id]; owned || !r.exists(id) {
			return
		}
		placed[id] = struct{}{}
		r.order = append(r.order, id)
	}
	for _, id := range order {
		place(id)
	}
	for _, l := range leaves {
		place(l.ID)
	}
	for _, c := range containers {
		place(c.ID)
	}
	ids := make([]string, 0, r.Len())
	for id := range r.leaves {
		ids = append(ids, id)
	}
	for id := range r.containers {
		ids = append(ids, id)
	}
	r.touch(ids...)
	return nil
}
