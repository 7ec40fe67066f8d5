package stream

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalAttachCommandTargetsExactSession(t *testing.T) {
	a := NewPTYAttacher("", 3, zerolog.Nop())
	cmd, err := a.command(context.Background(), "ctt-shell-a1b2c3")
	require.NoError(t, err)
	assert.Equal(t, []string{"tmux", "attach-session", "-t", "=ctt-shell-a1b2c3"}, cmd.Args)
}

func TestSSHAttachCommand(t *testing.T) {
	a := NewPTYAttacher("vm1", 0, zerolog.Nop())
	cmd, err := a.command(context.Background(), "ctt-shell-a1b2c3")
	require.NoError(t, err)
	joined := strings.Join(cmd.Args, " ")
	assert.Contains(t, joined, "ssh -t -o BatchMode=yes -o ConnectTimeout=3 vm1")
	assert.True(t, strings.HasSuffix(joined, "tmux attach-session -t '=ctt-shell-a1b2c3'"))
}

func TestSSHAttachRejectsOptionLikeHost(t *testing.T) {
	a := NewPTYAttacher("-oProxyCommand=x", 3, zerolog.Nop())
	_, err := a.command(context.Background(), "ctt-a")
	require.Error(t, err)
}

func TestAttachRejectsEmptySession(t *testing.T) {
	a := NewPTYAttacher("", 3, zerolog.Nop())
	_, err := a.Attach(context.Background(), " ", nil)
	require.Error(t, err)
}
