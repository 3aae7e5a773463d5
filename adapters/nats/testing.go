package nats

import (
	"context"
	"fmt"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/codewandler/slotpipe-go/core/slot"
	"github.com/codewandler/slotpipe-go/core/topology"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

func NewTestContainer(t Testing) Connector {
	ctx := t.Context()
	natsC, err := testcontainers.Run(
		ctx, "nats:latest",
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(natsC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	ip, err := natsC.ContainerIP(t.Context())
	require.NoError(t, err)
	t.Logf("nats ip: %s", ip)
	return ConnectURL("nats://" + ip + ":4222")
}

// CreateTestCluster starts numNodes store nodes on one NATS server,
// publishes an even slot partition over them and returns the cluster
// backend. Nodes are named node-0..node-N and stop with the test.
func CreateTestCluster(t Testing, connect Connector, numNodes int) *Cluster {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	shared := ReuseConnection(connect)

	cluster, err := NewCluster(ClusterOptions{Connect: shared})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, cluster.Close()) })

	per := slot.Count / numNodes
	shards := make([]topology.Shard, numNodes)
	for i := range numNodes {
		end := uint16((i+1)*per - 1)
		if i == numNodes-1 {
			end = slot.Count - 1
		}
		shards[i] = topology.Shard{
			Node:  fmt.Sprintf("node-%d", i),
			Spans: []topology.Span{{Start: uint16(i * per), End: end}},
		}
	}
	require.NoError(t, cluster.PublishTopology(ctx, shards))

	for i := range numNodes {
		node, err := NewStoreNode(NodeOptions{
			ID:      fmt.Sprintf("node-%d", i),
			Connect: shared,
		})
		require.NoError(t, err)
		require.NoError(t, node.Run(ctx))
	}

	return cluster
}
