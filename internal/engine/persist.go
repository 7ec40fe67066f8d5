package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/g960059/cttmux/internal/db"
	"github.com/g960059/cttmux/internal/model"
	"github.com/g960059/cttmux/internal/security"
)

const persistTimeout = 5 * time.Second

// schedulePersist hands the latest registry state to the writer, replacing
// any state it has not picked up yet. Actor only.
func (e *Engine) schedulePersist() {
	if e.store == nil {
		return
	}
	clock := e.reg.Clock()
	if clock == e.persisted {
		return
	}
	e.persisted = clock
	job := persistJob{records: e.records(), retired: e.reg.Retired()}
	for {
		select {
		case e.persistCh <- job:
			return
		default:
			select {
			case <-e.persistCh:
			default:
			}
		}
	}
}

func (e *Engine) persistLoop(ctx context.Context) {
	if e.store == nil {
		return
	}
	for {
		select {
		case job := <-e.persistCh:
			e.writeJob(job)
		case <-ctx.Done():
			select {
			case job := <-e.persistCh:
				e.writeJob(job)
			default:
			}
			return
		}
	}
}

func (e *Engine) writeJob(job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.ReplaceTerminals(ctx, job.records, job.retired); err != nil {
		e.log.Error().Err(err).Int("terminals", len(job.records)).Msg("persist registry")
	}
}

// records flattens the registry for storage. Actor only.
func (e *Engine) records() []db.TerminalRecord {
	position := map[string]int{}
	for i, id := range e.reg.TopLevel() {
		position[id] = i
	}
	pos := func(id string) int {
		if p, ok := position[id]; ok {
			return p
		}
		return -1
	}
	out := make([]db.TerminalRecord, 0, e.reg.Len())
	for _, c := range e.reg.Containers() {
		lay := c.Layout.Clone()
		out = append(out, db.TerminalRecord{
			ID:          c.ID,
			Kind:        model.KindContainer,
			Position:    pos(c.ID),
			DisplayName: c.DisplayName,
			ProfileRef:  c.ProfileRef,
			CreatedAt:   c.CreatedAt,
			Detached:    c.Detached,
			Layout:      &lay,
			Ref:         c.Ref,
		})
	}
	for _, l := range e.reg.Leaves() {
		out = append(out, db.TerminalRecord{
			ID:          l.ID,
			Kind:        model.KindLeaf,
			Position:    pos(l.ID),
			DisplayName: l.DisplayName,
			ProfileRef:  l.ProfileRef,
			CreatedAt:   l.CreatedAt,
			SessionName: l.SessionName,
			Status:      l.Status,
			WorkingDir:  l.WorkingDir,
			Command:     security.RedactCommand(l.Command),
			Confirmed:   l.Confirmed,
		})
	}
	return out
}

// Restore loads persisted records into the registry. It must be called
// before Run. Restored leaves are unbound: the first reconciliation pass
// rebinds or marks them lost.
func (e *Engine) Restore(records []db.TerminalRecord, retired []string) error {
	if e.started {
		return fmt.Errorf("restore after engine start")
	}
	var (
		leaves     []*model.Leaf
		containers []*model.Container
		order      []string
	)
	top := make([]db.TerminalRecord, 0, len(records))
	for _, rec := range records {
		head := model.Header{ID: rec.ID, DisplayName: rec.DisplayName, ProfileRef: rec.ProfileRef, CreatedAt: rec.CreatedAt}
		switch rec.Kind {
		case model.KindLeaf:
			status := rec.Status
			if status == "" {
				status = model.StatusDetached
			}
			leaves = append(leaves, &model.Leaf{
				Header:      head,
				Status:      status,
				SessionName: rec.SessionName,
				WorkingDir:  rec.WorkingDir,
				Command:     rec.Command,
				Confirmed:   rec.Confirmed,
			})
		case model.KindContainer:
			c := &model.Container{Header: head, Detached: rec.Detached, Ref: rec.Ref}
			if rec.Layout != nil {
				c.Layout = rec.Layout.Clone()
			} else {
				c.Layout = model.SplitLayout{Type: model.LayoutSingle}
			}
			containers = append(containers, c)
		default:
			return fmt.Errorf("restore %s: unknown kind %q", rec.ID, rec.Kind)
		}
		if rec.Position >= 0 {
			top = append(top, rec)
		}
	}
	sort.SliceStable(top, func(i, j int) bool { return top[i].Position < top[j].Position })
	for _, rec := range top {
		order = append(order, rec.ID)
	}
	if err := e.reg.Restore(leaves, containers, order, retired); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}
	e.log.Info().Int("leaves", len(leaves)).Int("containers", len(containers)).Msg("registry restored")
	return nil
}

// LoadFrom restores the engine from a store.
func (e *Engine) LoadFrom(ctx context.Context, store *db.Store) error {
	records, err := store.ListTerminals(ctx)
	if err != nil {
		return err
	}
	retired, err := store.ListRetired(ctx)
	if err != nil {
		return err
	}
	return e.Restore(records, retired)
}
