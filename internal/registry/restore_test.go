package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/cttmux/internal/model"
)

func TestRestoreRebuildsOrderAndOwnership(t *testing.T) {
	r := New(0)
	leaves := []*model.Leaf{
		{Header: model.Header{ID: "a"}, SessionName: "ctt-a-1", Status: model.StatusActive, AgentID: "stale", Confirmed: true},
		{Header: model.Header{ID: "b"}, SessionName: "ctt-b-1", Status: model.StatusDetached, Confirmed: true},
		{Header: model.Header{ID: "x"}, SessionName: "ctt-x-1", Status: model.StatusError, Confirmed: true},
	}
	containers := []*model.Container{{
		Header: model.Header{ID: "c"},
		Layout: model.SplitLayout{Type: model.LayoutVertical, Panes: []model.Pane{
			{PaneID: "p1", TerminalID: "a", Size: 50, Position: "left"},
			{PaneID: "p2", TerminalID: "b", Size: 50, Position: "right"},
		}},
	}}
	require.NoError(t, r.Restore(leaves, containers, []string{"c", "a", "x"}, []string{"old"}))

	assert.Equal(t, []string{"c", "x"}, r.TopLevel())
	owner, ok := r.ContainerOf("a")
	require.True(t, ok)
	assert.Equal(t, "c", owner.ID)

	a, _ := r.Leaf("a")
	assert.Empty(t, a.AgentID, "restored leaves carry no binding")
	assert.Equal(t, []string{"old"}, r.Retired())
	assert.ErrorIs(t, r.InsertLeaf(&model.Leaf{Header: model.Header{ID: "old"}, SessionName: "ctt-o-1"}), ErrDuplicate)

	c, _ := r.Container("c")
	assert.Equal(t, model.StatusDetached, r.EffectiveStatus(c))
}

func TestRestoreRejectsDanglingPane(t *testing.T) {
	r := New(0)
	containers := []*model.Container{{
		Header: model.Header{ID: "c"},
		Layout: model.SplitLayout{Type: model.LayoutVertical, Panes: []model.Pane{{PaneID: "p1", TerminalID: "ghost", Size: 100}}},
	}}
	assert.ErrorIs(t, r.Restore(nil, containers, nil, nil), model.ErrNotFound)
}
