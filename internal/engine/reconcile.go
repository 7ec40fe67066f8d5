package engine

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/g960059/cttmux/internal/model"
	"github.com/g960059/cttmux/internal/reconcile"
	"github.com/g960059/cttmux/internal/tmux"
)

type Trigger = reconcile.Trigger

const (
	TriggerConnect = reconcile.TriggerConnect
	TriggerPoll    = reconcile.TriggerPoll
)

// ReconcileReport summarizes one pass.
type ReconcileReport struct {
	Trigger    Trigger               `json:"trigger"`
	Live       int                   `json:"live"`
	Rebound    int                   `json:"rebound"`
	Lost       int                   `json:"lost"`
	Removed    int                   `json:"removed"`
	Reattached int                   `json:"containers_reattached"`
	Skipped    int                   `json:"skipped"`
	Failed     int                   `json:"failed"`
	Noops      int                   `json:"noops"`
	Orphans    []model.OrphanSession `json:"orphans,omitempty"`
}

// Reconcile runs one pass: snapshot the registry, enumerate live sessions,
// then apply the plan on the actor. Actions whose terminal changed after the
// snapshot are skipped. Passes never overlap.
func (e *Engine) Reconcile(ctx context.Context, trigger Trigger) (ReconcileReport, error) {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	report := ReconcileReport{Trigger: trigger}
	snap, err := call(ctx, e, func() (reconcile.Snapshot, error) {
		return e.reconcileSnapshot(), nil
	})
	if err != nil {
		return report, err
	}

	sessions, listErr := e.mux.ListSessions(ctx)
	if _, err := call(ctx, e, func() (struct{}, error) {
		e.recordHealth(listErr)
		return struct{}{}, nil
	}); err != nil {
		return report, err
	}
	if listErr != nil {
		return report, fmt.Errorf("list sessions: %w", listErr)
	}

	live := e.ownedSessions(sessions)
	plan := reconcile.Build(live, snap, trigger)
	report.Live = len(live)
	report.Noops = plan.Noops
	report.Orphans = toOrphans(plan.Orphans)
	if plan.Empty() {
		return report, nil
	}

	var rebinds []bindTarget
	containers := []reconcile.Action{}
	if _, err := call(ctx, e, func() (struct{}, error) {
		for _, a := range plan.Actions {
			switch a.Kind {
			case reconcile.ActionRebind:
				rebinds = append(rebinds, bindTarget{leafID: a.TerminalID, sessionName: a.SessionName, rev: a.Rev})
			case reconcile.ActionReattachContainer:
				containers = append(containers, a)
			case reconcile.ActionMarkLost:
				if e.reg.Rev(a.TerminalID) != a.Rev {
					report.Skipped++
					continue
				}
				e.markLost(a.TerminalID)
				report.Lost++
			case reconcile.ActionRemove:
				l, ok := e.reg.Leaf(a.TerminalID)
				if !ok || e.reg.Rev(a.TerminalID) != a.Rev {
					report.Skipped++
					continue
				}
				if err := e.discardLeaf(l); err != nil {
					e.log.Warn().Err(err).Str("terminal_id", a.TerminalID).Msg("remove unconfirmed terminal")
					report.Failed++
					continue
				}
				report.Removed++
			}
		}
		return struct{}{}, nil
	}); err != nil {
		return report, err
	}

	results := make([]bindAttempt, 0, len(rebinds))
	for _, t := range rebinds {
		if err := e.limiter.Wait(ctx); err != nil {
			break
		}
		results = append(results, e.openBinding(ctx, t, false))
	}

	var applied atomic.Bool
	_, err = call(ctx, e, func() (struct{}, error) {
		applied.Store(true)
		for _, r := range results {
			switch e.applyAttempt(r) {
			case attemptBound:
				report.Rebound++
			case attemptSkipped:
				report.Skipped++
			default:
				report.Failed++
			}
		}
		for _, a := range containers {
			c, ok := e.reg.Container(a.TerminalID)
			if !ok || e.reg.Rev(c.ID) != a.Rev || !e.allActive(c) {
				report.Skipped++
				continue
			}
			if e.settleContainer(c.ID) {
				report.Reattached++
			}
		}
		// A detached container whose panes were partly lost still settles
		// once nothing is left to rebind.
		for _, c := range e.reg.Containers() {
			if c.Detached {
				e.settleContainer(c.ID)
			}
		}
		return struct{}{}, nil
	})
	if err != nil {
		if !applied.Load() {
			e.releaseUnapplied(nil, results)
		}
		return report, err
	}
	e.log.Info().
		Str("trigger", string(trigger)).
		Int("live", report.Live).
		Int("rebound", report.Rebound).
		Int("lost", report.Lost).
		Int("removed", report.Removed).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("reconcile pass applied")
	return report, nil
}

// reconcileSnapshot captures R. In-flight spawns are included so their
// sessions are never reported as orphans. Actor only.
func (e *Engine) reconcileSnapshot() reconcile.Snapshot {
	var snap reconcile.Snapshot
	for _, l := range e.reg.Leaves() {
		_, live := e.bindings[l.ID]
		snap.Leaves = append(snap.Leaves, reconcile.Entry{
			ID:          l.ID,
			SessionName: l.SessionName,
			Status:      l.Status,
			Bound:       live && l.AgentID != "",
			Confirmed:   l.Confirmed,
			Rev:         e.reg.Rev(l.ID),
		})
	}
	for _, p := range e.pending {
		snap.Leaves = append(snap.Leaves, reconcile.Entry{
			ID:          p.leaf.ID,
			SessionName: p.leaf.SessionName,
			Status:      model.StatusSpawning,
			InFlight:    true,
		})
	}
	for _, c := range e.reg.Containers() {
		snap.Containers = append(snap.Containers, reconcile.ContainerEntry{
			ID:       c.ID,
			Members:  members(c),
			Detached: c.Detached,
			Rev:      e.reg.Rev(c.ID),
		})
	}
	return snap
}

func (e *Engine) allActive(c *model.Container) bool {
	for _, id := range members(c) {
		l, ok := e.reg.Leaf(id)
		if !ok || l.Status != model.StatusActive {
			return false
		}
	}
	return true
}

// recordHealth feeds one enumeration outcome into the host health state.
// Actor only.
func (e *Engine) recordHealth(err error) {
	prev := e.health.Current
	e.health = tmux.NextHealth(e.cfg, e.health, err, nowUTC())
	if prev != "" && prev != e.health.Current {
		ev := e.log.Info()
		if e.health.Current != model.HostHealthOK {
			ev = e.log.Warn()
		}
		ev.Str("from", string(prev)).Str("to", string(e.health.Current)).Str("last_error", e.health.LastError).Msg("multiplexer host health changed")
	}
}

func (e *Engine) ownedSessions(sessions []model.SessionInfo) []model.SessionInfo {
	out := make([]model.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		if e.ns.Owns(s.Name) {
			out = append(out, s)
		}
	}
	return out
}

func toOrphans(sessions []model.SessionInfo) []model.OrphanSession {
	if len(sessions) == 0 {
		return nil
	}
	out := make([]model.OrphanSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, model.OrphanSession{
			SessionName: s.Name,
			CreatedAt:   s.CreatedAt,
			Windows:     s.Windows,
			Attached:    s.Attached > 0,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionName < out[j].SessionName })
	return out
}

// RunReconcileLoop runs a poll pass every interval until ctx is done. The
// first pass runs immediately so restored terminals are rebound or marked
// lost at startup.
func (e *Engine) RunReconcileLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = e.cfg.ReconcileInterval
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.Reconcile(ctx, TriggerPoll); err != nil && ctx.Err() == nil {
			e.log.Debug().Err(err).Msg("poll reconcile")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
