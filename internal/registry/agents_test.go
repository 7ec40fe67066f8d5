package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentSetSuppressesRepeats(t *testing.T) {
	s := NewAgentSet(8)
	assert.True(t, s.Mark("a1", "t1"))
	assert.False(t, s.Mark("a1", "t1"))
	assert.False(t, s.Mark("", "t1"))
	assert.True(t, s.Seen("a1"))
}

func TestAgentSetForgetAllowsReuse(t *testing.T) {
	s := NewAgentSet(8)
	s.Mark("a1", "t1")
	s.Mark("b1", "t2")
	assert.Equal(t, 1, s.ForgetTerminal("t1"))
	assert.False(t, s.Seen("a1"))
	assert.True(t, s.Seen("b1"))
	assert.True(t, s.Mark("a1", "t1"))
}

func TestAgentSetIsBounded(t *testing.T) {
	s := NewAgentSet(2)
	s.Mark("a", "t")
	s.Mark("b", "t")
	s.Mark("c", "t")
	assert.Equal(t, 2, s.Len())
	assert.False(t, s.Seen("a"))
	assert.True(t, s.Seen("c"))
}
