package slotpipe

import (
	"fmt"
	"testing"

	"github.com/codewandler/slotpipe-go/core/slot"
	"github.com/codewandler/slotpipe-go/core/topology"
	"github.com/stretchr/testify/require"
)

// CreateMemCluster builds a [MemCluster] of numNodes nodes named
// node-0..node-N, the slot space partitioned evenly between them, and
// closes it with the test.
func CreateMemCluster(t *testing.T, numNodes int) *MemCluster {
	require.Greater(t, numNodes, 0)

	mc := NewMemCluster()
	t.Cleanup(func() {
		require.NoError(t, mc.Close())
	})

	width := slot.Count / numNodes
	for i := 0; i < numNodes; i++ {
		id := fmt.Sprintf("node-%d", i)
		require.NoError(t, mc.AddNode(id))

		start := uint16(i * width)
		end := uint16((i+1)*width - 1)
		if i == numNodes-1 {
			end = slot.Count - 1
		}
		require.NoError(t, mc.AssignSlots(id, topology.Span{Start: start, End: end}))
	}
	return mc
}

// CreateTestClient wires a [Client] over backend with defaults.
func CreateTestClient(t *testing.T, backend Backend) *Client {
	c, err := NewClient(ClientOptions{Backend: backend})
	require.NoError(t, err)
	return c
}
