package hrw

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPick_deterministic(t *testing.T) {
	nodes := []string{"node-a", "node-b", "node-c"}

	first, ok := Pick(42, nodes, "cluster-1")
	require.True(t, ok)
	require.Contains(t, nodes, first)

	// same inputs, same pick, regardless of node order
	for range 20 {
		got, ok := Pick(42, []string{"node-c", "node-a", "node-b"}, "cluster-1")
		require.True(t, ok)
		require.Equal(t, first, got)
	}
}

func TestPick_empty(t *testing.T) {
	_, ok := Pick(0, nil, "")
	require.False(t, ok)
}

func TestPick_spread(t *testing.T) {
	nodes := []string{"node-a", "node-b", "node-c"}

	// every node should win some slots
	wins := map[string]int{}
	for s := range uint16(1024) {
		n, ok := Pick(s, nodes, "")
		require.True(t, ok)
		wins[n]++
	}
	for _, n := range nodes {
		require.Greater(t, wins[n], 0, "node %s never picked", n)
	}
}

func TestPick_seed_changes_placement(t *testing.T) {
	nodes := []string{"node-a", "node-b", "node-c", "node-d"}

	moved := 0
	for s := range uint16(256) {
		a, _ := Pick(s, nodes, "seed-1")
		b, _ := Pick(s, nodes, "seed-2")
		if a != b {
			moved++
		}
	}
	require.Greater(t, moved, 0)
}
