package nats

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/slotpipe-go/core/command"
	"github.com/codewandler/slotpipe-go/core/slot"
	"github.com/codewandler/slotpipe-go/core/slotpipe"
	"github.com/codewandler/slotpipe-go/core/topology"
)

func TestNats_Cluster(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	connectNatsC := NewTestContainer(t)

	t.Run("pipeline across nodes", func(t *testing.T) {
		backend := CreateTestCluster(t, connectNatsC, 2)

		c, err := slotpipe.NewClient(slotpipe.ClientOptions{Backend: backend})
		require.NoError(t, err)

		res, err := c.Do(t.Context(), []command.Command{
			command.New("SET", "alpha", "1"),
			command.New("SET", "beta", "2"),
			command.New("INCR", "hits"),
			command.New("GET", "alpha"),
			command.New("GET", "missing"),
		})
		require.NoError(t, err)
		require.Len(t, res, 5)
		for i, r := range res {
			require.NoError(t, r.Err, "index %d", i)
		}
		require.Equal(t, int64(1), res[2].Value) // survives the wire as an integer
		require.Equal(t, "1", res[3].Value)
		require.Nil(t, res[4].Value)
	})

	t.Run("redirects follow the table", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)

		shared := ReuseConnection(connectNatsC)
		backend, err := NewCluster(ClusterOptions{Connect: shared, Bucket: "redirect_test"})
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, backend.Close()) })

		for _, id := range []string{"node-a", "node-b"} {
			node, err := NewStoreNode(NodeOptions{ID: id, Connect: shared, Bucket: "redirect_test"})
			require.NoError(t, err)
			require.NoError(t, node.Run(ctx))
		}

		full := func(owner string) []topology.Shard {
			return []topology.Shard{{Node: owner, Spans: []topology.Span{{Start: 0, End: slot.Count - 1}}}}
		}
		require.NoError(t, backend.PublishTopology(ctx, full("node-a")))

		c, err := slotpipe.NewClient(slotpipe.ClientOptions{Backend: backend})
		require.NoError(t, err)
		_, err = c.Topology().Refresh(ctx) // pin the stale view
		require.NoError(t, err)

		require.NoError(t, backend.PublishTopology(ctx, full("node-b")))

		// the client still routes to node-a; node-a answers MOVED once its
		// watcher catches up, and the single path lands on node-b
		require.Eventually(t, func() bool {
			res, err := c.Do(context.Background(), []command.Command{
				command.New("SET", "moved-key", "v1"),
			})
			return err == nil && res[0].Err == nil
		}, 10*time.Second, 100*time.Millisecond)

		res, err := c.Do(context.Background(), []command.Command{
			command.New("GET", "moved-key"),
		})
		require.NoError(t, err)
		require.NoError(t, res[0].Err)
		require.Equal(t, "v1", res[0].Value)
	})

	t.Run("dead node refreshes the table and re-executes", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)

		shared := ReuseConnection(connectNatsC)
		backend, err := NewCluster(ClusterOptions{Connect: shared, Bucket: "failover_test", RequestTimeout: 2 * time.Second})
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, backend.Close()) })

		node, err := NewStoreNode(NodeOptions{ID: "node-live", Connect: shared, Bucket: "failover_test"})
		require.NoError(t, err)

		full := func(owner string) []topology.Shard {
			return []topology.Shard{{Node: owner, Spans: []topology.Span{{Start: 0, End: slot.Count - 1}}}}
		}

		// the table names a node nobody serves; the client caches that
		require.NoError(t, backend.PublishTopology(ctx, full("node-ghost")))
		c, err := slotpipe.NewClient(slotpipe.ClientOptions{Backend: backend})
		require.NoError(t, err)
		_, err = c.Topology().Refresh(ctx)
		require.NoError(t, err)

		// takeover: the live node owns everything now
		require.NoError(t, backend.PublishTopology(ctx, full("node-live")))
		require.NoError(t, node.Run(ctx))

		// first routing attempt hits the ghost, gets no responders, and
		// the call recovers through one table refresh
		res, err := c.Do(context.Background(), []command.Command{
			command.New("SET", "after-failover", "ok"),
			command.New("GET", "after-failover"),
		})
		require.NoError(t, err)
		require.NoError(t, res[0].Err)
		require.Equal(t, "ok", res[1].Value)
	})
}
