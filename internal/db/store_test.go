package db_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/cttmux/internal/db"
	"github.com/g960059/cttmux/internal/model"
	"github.com/g960059/cttmux/internal/testutil"
)

func TestReplaceAndListTerminalsRoundTrip(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	created := time.Date(2026, 2, 13, 9, 30, 0, 0, time.UTC)

	layout := &model.SplitLayout{
		Type: model.LayoutHorizontal,
		Panes: []model.Pane{
			{PaneID: "p-1", TerminalID: "t-a", Size: 0.5, Position: "left"},
			{PaneID: "p-2", TerminalID: "t-b", Size: 0.5, Position: "right"},
		},
	}
	records := []db.TerminalRecord{
		{ID: "t-a", Kind: model.KindLeaf, Position: -1, DisplayName: "zsh", SessionName: "ctt-zsh-aaaaaa", Status: model.StatusActive, Confirmed: true, CreatedAt: created},
		{ID: "t-b", Kind: model.KindLeaf, Position: -1, DisplayName: "lazygit", ProfileRef: "lazygit", SessionName: "ctt-lazygit-bbbbbb", Status: model.StatusDetached, WorkingDir: "/repo", Command: "lazygit", Confirmed: true, CreatedAt: created},
		{ID: "t-c", Kind: model.KindContainer, Position: 1, DisplayName: "zsh | lazygit", Layout: layout, CreatedAt: created},
		{ID: "t-d", Kind: model.KindLeaf, Position: 0, DisplayName: "top", SessionName: "ctt-top-dddddd", Status: model.StatusError, CreatedAt: created},
	}
	require.NoError(t, store.ReplaceTerminals(ctx, records, []string{"t-old", "", "t-old"}))

	got, err := store.ListTerminals(ctx)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "t-d", got[0].ID, "top-level terminals come first in position order")
	assert.Equal(t, "t-c", got[1].ID)
	assert.Equal(t, -1, got[2].Position)
	assert.Equal(t, -1, got[3].Position)

	container := got[1]
	require.NotNil(t, container.Layout)
	assert.Equal(t, *layout, *container.Layout)
	assert.Empty(t, container.SessionName)
	assert.True(t, container.CreatedAt.Equal(created))

	b := got[3]
	require.Equal(t, "t-b", b.ID)
	assert.Equal(t, model.StatusDetached, b.Status)
	assert.Equal(t, "/repo", b.WorkingDir)
	assert.Equal(t, "lazygit", b.ProfileRef)
	assert.True(t, b.Confirmed)
	assert.Nil(t, b.Layout)

	retired, err := store.ListRetired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t-old"}, retired)
}

func TestReplaceTerminalsReplacesPreviousSet(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	first := []db.TerminalRecord{
		{ID: "t-1", Kind: model.KindLeaf, SessionName: "ctt-a-111111", Status: model.StatusActive},
		{ID: "t-2", Kind: model.KindLeaf, Position: 1, SessionName: "ctt-b-222222", Status: model.StatusActive},
	}
	require.NoError(t, store.ReplaceTerminals(ctx, first, nil))
	require.NoError(t, store.ReplaceTerminals(ctx, first[1:], []string{"t-1"}))

	got, err := store.ListTerminals(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t-2", got[0].ID)
}

func TestReplaceTerminalsIsAtomic(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	require.NoError(t, store.ReplaceTerminals(ctx, []db.TerminalRecord{
		{ID: "t-1", Kind: model.KindLeaf, SessionName: "ctt-a-111111", Status: model.StatusActive},
	}, nil))

	err := store.ReplaceTerminals(ctx, []db.TerminalRecord{
		{ID: "t-2", Kind: model.KindLeaf, SessionName: "ctt-dup-000000", Status: model.StatusActive},
		{ID: "t-3", Kind: model.KindLeaf, Position: 1, SessionName: "ctt-dup-000000", Status: model.StatusActive},
	}, nil)
	require.ErrorIs(t, err, db.ErrDuplicate)

	got, err := store.ListTerminals(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t-1", got[0].ID, "a failed replace must leave the previous set intact")
}

func TestReplaceTerminalsValidatesKind(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	err := store.ReplaceTerminals(ctx, []db.TerminalRecord{{ID: "t-1", Kind: model.KindLeaf}}, nil)
	assert.ErrorContains(t, err, "without session name")

	err = store.ReplaceTerminals(ctx, []db.TerminalRecord{{ID: "t-1", Kind: "window"}}, nil)
	assert.ErrorContains(t, err, "unknown terminal kind")
}
