package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/g960059/cttmux/internal/model"
)

func live(names ...string) []model.SessionInfo {
	out := make([]model.SessionInfo, 0, len(names))
	for _, n := range names {
		out = append(out, model.SessionInfo{Name: n, CreatedAt: time.Unix(1700000000, 0), Windows: 1})
	}
	return out
}

func TestBoundActiveTerminalIsNoop(t *testing.T) {
	snap := Snapshot{Leaves: []Entry{{ID: "t1", SessionName: "ctt-a-1", Status: model.StatusActive, Bound: true, Confirmed: true}}}
	plan := Build(live("ctt-a-1"), snap, TriggerConnect)
	assert.True(t, plan.Empty())
	assert.Equal(t, 1, plan.Noops)
	assert.Empty(t, plan.Orphans)
}

func TestDetachedRebindDependsOnTrigger(t *testing.T) {
	snap := Snapshot{Leaves: []Entry{{ID: "t1", SessionName: "ctt-a-1", Status: model.StatusDetached, Confirmed: true, Rev: 7}}}

	plan := Build(live("ctt-a-1"), snap, TriggerConnect)
	if assert.Len(t, plan.Actions, 1) {
		assert.Equal(t, Action{Kind: ActionRebind, TerminalID: "t1", SessionName: "ctt-a-1", Rev: 7}, plan.Actions[0])
	}

	plan = Build(live("ctt-a-1"), snap, TriggerPoll)
	assert.True(t, plan.Empty())
}

func TestUnboundActiveAndErrorAreRebound(t *testing.T) {
	snap := Snapshot{Leaves: []Entry{
		{ID: "t1", SessionName: "ctt-a-1", Status: model.StatusActive, Confirmed: true},
		{ID: "t2", SessionName: "ctt-b-1", Status: model.StatusError, Confirmed: true},
	}}
	plan := Build(live("ctt-a-1", "ctt-b-1"), snap, TriggerPoll)
	assert.Equal(t, 2, plan.Count(ActionRebind))
}

func TestMissingSessions(t *testing.T) {
	snap := Snapshot{Leaves: []Entry{
		{ID: "confirmed", SessionName: "ctt-a-1", Status: model.StatusActive, Bound: true, Confirmed: true},
		{ID: "never", SessionName: "ctt-b-1", Status: model.StatusSpawning},
		{ID: "pending", SessionName: "ctt-c-1", Status: model.StatusSpawning, InFlight: true},
		{ID: "already", SessionName: "ctt-d-1", Status: model.StatusError, Confirmed: true},
	}}
	plan := Build(nil, snap, TriggerPoll)
	assert.Equal(t, []Action{
		{Kind: ActionMarkLost, TerminalID: "confirmed", SessionName: "ctt-a-1"},
		{Kind: ActionRemove, TerminalID: "never", SessionName: "ctt-b-1"},
	}, plan.Actions)
	assert.Equal(t, 2, plan.Noops)
}

func TestOrphansAreSurfacedNotAdopted(t *testing.T) {
	snap := Snapshot{Leaves: []Entry{{ID: "t1", SessionName: "ctt-a-1", Status: model.StatusActive, Bound: true, Confirmed: true}}}
	plan := Build(live("ctt-a-1", "ctt-zz-9"), snap, TriggerConnect)
	assert.True(t, plan.Empty())
	if assert.Len(t, plan.Orphans, 1) {
		assert.Equal(t, "ctt-zz-9", plan.Orphans[0].Name)
	}
}

func TestDetachedContainerReattachedOnConnectWhenAllPanesLive(t *testing.T) {
	snap := Snapshot{
		Leaves: []Entry{
			{ID: "a", SessionName: "ctt-a-1", Status: model.StatusDetached, Confirmed: true},
			{ID: "b", SessionName: "ctt-b-1", Status: model.StatusDetached, Confirmed: true},
		},
		Containers: []ContainerEntry{{ID: "c", Members: []string{"a", "b"}, Detached: true, Rev: 3}},
	}
	plan := Build(live("ctt-a-1", "ctt-b-1"), snap, TriggerConnect)
	assert.Equal(t, 2, plan.Count(ActionRebind))
	assert.Equal(t, 1, plan.Count(ActionReattachContainer))

	plan = Build(live("ctt-a-1"), snap, TriggerConnect)
	assert.Equal(t, 0, plan.Count(ActionReattachContainer))
	assert.Equal(t, 1, plan.Count(ActionMarkLost))

	plan = Build(live("ctt-a-1", "ctt-b-1"), snap, TriggerPoll)
	assert.True(t, plan.Empty())
}
