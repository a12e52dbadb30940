package toolrule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentloop/types"
)

func TestNewGraph_StrictRejectsDanglingEdges(t *testing.T) {
	t.Parallel()

	rules := []types.ToolRule{types.ChildRule("A", "B", "ghost")}
	available := []string{"A", "B"}

	_, err := NewGraph(rules, available, ModeStrict)
	require.Error(t, err)
	assert.Equal(t, types.ErrRuleConfig, types.GetErrorCode(err))

	// Lenient mode drops the dangling edge instead.
	g, err := NewGraph(rules, available, ModeLenient)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, g.Children("A"))
}

func TestNewGraph_StrictRejectsCycles(t *testing.T) {
	t.Parallel()

	rules := []types.ToolRule{
		types.ChildRule("A", "B"),
		types.ChildRule("B", "C"),
		types.ChildRule("C", "A"),
	}
	available := []string{"A", "B", "C"}

	_, err := NewGraph(rules, available, ModeStrict)
	require.Error(t, err)

	// A diamond is fine: shared children are not a cycle.
	diamond := []types.ToolRule{
		types.ChildRule("A", "B", "C"),
		types.ChildRule("B", "D"),
		types.ChildRule("C", "D"),
	}
	_, err = NewGraph(diamond, []string{"A", "B", "C", "D"}, ModeStrict)
	assert.NoError(t, err)
}

func TestNewGraph_StrictRejectsDuplicateMaxCount(t *testing.T) {
	t.Parallel()

	rules := []types.ToolRule{
		types.MaxCountRule("X", 1),
		types.MaxCountRule("X", 5),
	}
	_, err := NewGraph(rules, []string{"X"}, ModeStrict)
	require.Error(t, err)

	g, err := NewGraph(rules, []string{"X"}, ModeLenient)
	require.NoError(t, err)
	limit, ok := g.MaxCount("X")
	require.True(t, ok)
	assert.Equal(t, 1, limit, "first declaration wins in lenient mode")
}

func TestNewGraph_ParentInversion(t *testing.T) {
	t.Parallel()

	rules := []types.ToolRule{
		types.ChildRule("A", "C"),
		types.ChildRule("B", "C"),
	}
	g, err := NewGraph(rules, []string{"A", "B", "C"}, ModeStrict)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"A", "B"}, g.Parents("C"))
	assert.Empty(t, g.Parents("A"))
}
