package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeMapsWrappedErrors(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("create ctt-x: %w", ErrSpawnFailed), CodeSpawnFailed},
		{fmt.Errorf("%w: after 5s", ErrSpawnTimeout), CodeSpawnFailed},
		{fmt.Errorf("reattach t1: %w", ErrReattachFailed), CodeReattachFailed},
		{ErrOutsideNamespace, CodeOutsideNamespace},
		{ErrEngineStopped, CodeUnavailable},
		{errors.New("boom"), CodeInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Code(tc.err), "err=%v", tc.err)
	}
}

func TestSplitLayoutCloneIsIndependent(t *testing.T) {
	l := SplitLayout{Type: LayoutVertical, Panes: []Pane{{PaneID: "p1", TerminalID: "a"}, {PaneID: "p2", TerminalID: "b"}}}
	c := l.Clone()
	c.Panes[0].TerminalID = "z"
	assert.Equal(t, "a", l.Panes[0].TerminalID)
	p, ok := l.PaneFor("b")
	assert.True(t, ok)
	assert.Equal(t, "p2", p.PaneID)
	assert.True(t, l.Composite())
}
