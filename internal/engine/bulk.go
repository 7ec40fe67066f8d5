package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/g960059/cttmux/internal/identity"
	"github.com/g960059/cttmux/internal/model"
)

// ListOrphans returns live sessions in the managed namespace that no
// terminal owns. Sessions outside the namespace are never listed.
func (e *Engine) ListOrphans(ctx context.Context) ([]model.OrphanSession, error) {
	sessions, err := e.mux.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	live := e.ownedSessions(sessions)
	return call(ctx, e, func() ([]model.OrphanSession, error) {
		var orphans []model.SessionInfo
		for _, s := range live {
			if !e.sessionInUse(s.Name) {
				orphans = append(orphans, s)
			}
		}
		out := toOrphans(orphans)
		if out == nil {
			out = []model.OrphanSession{}
		}
		return out, nil
	})
}

// KillBulk kills each named session independently. A name owned by a
// terminal closes that terminal. Results keep the input order.
func (e *Engine) KillBulk(ctx context.Context, names []string) []model.BulkResult {
	return e.bulk(ctx, names, e.killOne)
}

// ReattachBulk reattaches each named session independently. A session no
// terminal owns is adopted as a new leaf first.
func (e *Engine) ReattachBulk(ctx context.Context, names []string) []model.BulkResult {
	return e.bulk(ctx, names, e.reattachOne)
}

// BulkError reports whether any entry failed. The operation itself still
// succeeded; callers use this only to pick a summary code.
func BulkError(results []model.BulkResult) error {
	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	if failed == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d of %d failed", model.ErrPartialBulkFailure, failed, len(results))
}

func (e *Engine) bulk(ctx context.Context, names []string, op func(context.Context, string) (string, error)) []model.BulkResult {
	results := make([]model.BulkResult, len(names))
	var g errgroup.Group
	g.SetLimit(e.cfg.BulkConcurrency)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			res := model.BulkResult{SessionName: name}
			if !e.ns.Owns(name) {
				err := fmt.Errorf("%w: %s", model.ErrOutsideNamespace, name)
				res.Code, res.Error = model.Code(err), err.Error()
				results[i] = res
				return nil
			}
			id, err := op(ctx, name)
			res.TerminalID = id
			if err != nil {
				res.Code, res.Error = model.Code(err), err.Error()
			} else {
				res.OK = true
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	e.log.Info().Int("names", len(names)).Int("failed", failed).Msg("bulk operation finished")
	return results
}

func (e *Engine) killOne(ctx context.Context, name string) (string, error) {
	id, err := call(ctx, e, func() (string, error) {
		if l, ok := e.reg.FindBySessionName(name); ok {
			return l.ID, nil
		}
		return "", nil
	})
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, e.Close(ctx, id)
	}
	if err := e.mux.KillSession(ctx, name); err != nil {
		return "", err
	}
	return "", nil
}

func (e *Engine) reattachOne(ctx context.Context, name string) (string, error) {
	ok, err := e.mux.HasSession(ctx, name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: session %s not found", model.ErrReattachFailed, name)
	}
	id, err := call(ctx, e, func() (string, error) {
		return e.adopt(name)
	})
	if err != nil {
		return "", err
	}
	if _, err := e.Reattach(ctx, id, ""); err != nil {
		if errors.Is(err, model.ErrInvalidIntent) {
			return id, fmt.Errorf("%w: %v", model.ErrReattachFailed, err)
		}
		return id, err
	}
	return id, nil
}

// adopt returns the terminal for a session, registering an unknown session
// as a new detached leaf. Actor only.
func (e *Engine) adopt(name string) (string, error) {
	if l, ok := e.reg.FindBySessionName(name); ok {
		return l.ID, nil
	}
	if e.sessionInUse(name) {
		return "", fmt.Errorf("%w: session %s is still spawning", model.ErrInvalidIntent, name)
	}
	leaf := &model.Leaf{
		Header: model.Header{
			ID:          identity.NewTerminalID(),
			DisplayName: name,
			CreatedAt:   nowUTC(),
		},
		Status:      model.StatusDetached,
		SessionName: name,
		Confirmed:   true,
	}
	if err := e.reg.InsertLeaf(leaf); err != nil {
		return "", err
	}
	e.emitUpdated(leaf.ID)
	e.log.Info().Str("terminal_id", leaf.ID).Str("session", name).Msg("orphan adopted")
	return leaf.ID, nil
}
