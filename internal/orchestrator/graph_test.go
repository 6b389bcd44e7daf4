package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderRespectsDependencies(t *testing.T) {
	g := newApplyGraph()
	g.Add("web", []string{"api"})
	g.Add("api", []string{"db"})
	g.Add("db", nil)

	ordered, cyclic := g.Order()
	require.Empty(t, cyclic)
	assert.Equal(t, []string{"db", "api", "web"}, ordered)
}

func TestOrderIndependentNodesAreDeterministic(t *testing.T) {
	g := newApplyGraph()
	g.Add("zeta", nil)
	g.Add("alpha", nil)
	g.Add("mid", nil)

	ordered, cyclic := g.Order()
	require.Empty(t, cyclic)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ordered)
}

// Dependencies on containers outside the batch are ignored: they are not
// being updated this sweep, so they cannot gate anything.
func TestOrderIgnoresOutOfBatchEdges(t *testing.T) {
	g := newApplyGraph()
	g.Add("web", []string{"db", "cache"})
	g.Add("db", nil)

	ordered, cyclic := g.Order()
	require.Empty(t, cyclic)
	assert.Equal(t, []string{"db", "web"}, ordered)
}

func TestOrderDetectsCycle(t *testing.T) {
	g := newApplyGraph()
	g.Add("a", []string{"b"})
	g.Add("b", []string{"a"})
	g.Add("standalone", nil)

	ordered, cyclic := g.Order()
	assert.Equal(t, []string{"standalone"}, ordered)
	require.Len(t, cyclic, 2)
	assert.Contains(t, cyclic, "a")
	assert.Contains(t, cyclic, "b")
	assert.ErrorContains(t, cyclic["a"], "dependency cycle")
}

// A healthy chain hanging off a cycle is excluded along with it: its
// dependency can never be applied this sweep.
func TestOrderExcludesNodesBehindCycle(t *testing.T) {
	g := newApplyGraph()
	g.Add("a", []string{"b"})
	g.Add("b", []string{"a"})
	g.Add("c", []string{"a"})

	ordered, cyclic := g.Order()
	assert.Empty(t, ordered)
	assert.Len(t, cyclic, 3)
}
