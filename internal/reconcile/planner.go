// Package reconcile diffs the multiplexer's live session list against a
// registry snapshot. Planning is pure; the engine applies the plan and skips
// any action whose terminal changed after the snapshot was taken.
package reconcile

import (
	"github.com/g960059/cttmux/internal/model"
)

// Trigger says why a pass runs. A connect pass rebinds explicitly detached
// terminals; a poll pass only repairs terminals that should be live.
type Trigger string

const (
	TriggerConnect Trigger = "connect"
	TriggerPoll    Trigger = "poll"
)

type ActionKind string

const (
	ActionRebind            ActionKind = "rebind"
	ActionMarkLost          ActionKind = "mark-lost"
	ActionRemove            ActionKind = "remove"
	ActionReattachContainer ActionKind = "reattach-container"
)

// Entry is one leaf of R as seen when the pass started.
type Entry struct {
	ID          string
	SessionName string
	Status      model.Status
	Bound       bool
	Confirmed   bool
	InFlight    bool
	Rev         uint64
}

type ContainerEntry struct {
	ID       string
	Members  []string
	Detached bool
	Rev      uint64
}

type Snapshot struct {
	Leaves     []Entry
	Containers []ContainerEntry
}

type Action struct {
	Kind        ActionKind
	TerminalID  string
	SessionName string
	Rev         uint64
}

type Plan struct {
	Trigger Trigger
	Actions []Action
	Orphans []model.SessionInfo
	Noops   int
}

func (p Plan) Empty() bool {
	return len(p.Actions) == 0
}

func (p Plan) Count(kind ActionKind) int {
	n := 0
	for _, a := range p.Actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// Build computes the corrective actions for one pass. live must already be
// restricted to the managed namespace.
func Build(live []model.SessionInfo, snap Snapshot, trigger Trigger) Plan {
	plan := Plan{Trigger: trigger}
	alive := make(map[string]struct{}, len(live))
	for _, s := range live {
		alive[s.Name] = struct{}{}
	}
	known := make(map[string]struct{}, len(snap.Leaves))
	resolvedLive := make(map[string]bool, len(snap.Leaves))

	for _, e := range snap.Leaves {
		if e.SessionName == "" {
			continue
		}
		known[e.SessionName] = struct{}{}
		_, inL := alive[e.SessionName]
		resolvedLive[e.ID] = inL
		if inL {
			if needsRebind(e, trigger) {
				plan.Actions = append(plan.Actions, Action{Kind: ActionRebind, TerminalID: e.ID, SessionName: e.SessionName, Rev: e.Rev})
				continue
			}
			plan.Noops++
			continue
		}
		switch {
		case e.InFlight:
			plan.Noops++
		case !e.Confirmed:
			plan.Actions = append(plan.Actions, Action{Kind: ActionRemove, TerminalID: e.ID, SessionName: e.SessionName, Rev: e.Rev})
		case e.Status != model.StatusError:
			plan.Actions = append(plan.Actions, Action{Kind: ActionMarkLost, TerminalID: e.ID, SessionName: e.SessionName, Rev: e.Rev})
		default:
			plan.Noops++
		}
	}

	if trigger == TriggerConnect {
		for _, c := range snap.Containers {
			if !c.Detached || len(c.Members) == 0 {
				continue
			}
			all := true
			for _, id := range c.Members {
				if !resolvedLive[id] {
					all = false
					break
				}
			}
			if all {
				plan.Actions = append(plan.Actions, Action{Kind: ActionReattachContainer, TerminalID: c.ID, Rev: c.Rev})
			}
		}
	}

	for _, s := range live {
		if _, ok := known[s.Name]; !ok {
			plan.Orphans = append(plan.Orphans, s)
		}
	}
	return plan
}

func needsRebind(e Entry, trigger Trigger) bool {
	switch e.Status {
	case model.StatusActive:
		return !e.Bound
	case model.StatusSpawning:
		return !e.InFlight
	case model.StatusDetached:
		return trigger == TriggerConnect
	case model.StatusError:
		return true
	default:
		return false
	}
}
