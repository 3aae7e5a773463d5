package slotpipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/codewandler/slotpipe-go/core/command"
	"github.com/codewandler/slotpipe-go/core/metrics"
	"github.com/codewandler/slotpipe-go/core/slot"
	"github.com/codewandler/slotpipe-go/core/topology"
	"github.com/stretchr/testify/require"
)

// keysOwnedBy generates n distinct keys the given node owns under the
// cluster's current topology.
func keysOwnedBy(t *testing.T, mc *MemCluster, node string, n int) []string {
	shards, err := mc.ShardTopology(context.Background())
	require.NoError(t, err)
	snap, err := topology.NewSnapshot(shards)
	require.NoError(t, err)

	var out []string
	for i := 0; len(out) < n; i++ {
		k := fmt.Sprintf("key:%d", i)
		if owner, ok := snap.OwnerOf(slot.ForKey(k)); ok && owner == node {
			out = append(out, k)
		}
	}
	return out
}

// instrumentedBackend wraps a Backend recording calls and injecting
// per-node latency.
type instrumentedBackend struct {
	Backend

	mu         sync.Mutex
	delay      map[string]time.Duration
	topoCalls  int
	batchNodes []string
	batchTotal int
	singles    []command.Command
}

func instrument(b Backend) *instrumentedBackend {
	return &instrumentedBackend{Backend: b, delay: map[string]time.Duration{}}
}

func (b *instrumentedBackend) ShardTopology(ctx context.Context) ([]topology.Shard, error) {
	b.mu.Lock()
	b.topoCalls++
	b.mu.Unlock()
	return b.Backend.ShardTopology(ctx)
}

func (b *instrumentedBackend) SubmitBatch(ctx context.Context, node string, cmds []command.Command) ([]command.Result, error) {
	b.mu.Lock()
	b.batchNodes = append(b.batchNodes, node)
	b.batchTotal += len(cmds)
	d := b.delay[node]
	b.mu.Unlock()

	if d > 0 {
		time.Sleep(d)
	}
	return b.Backend.SubmitBatch(ctx, node, cmds)
}

func (b *instrumentedBackend) SubmitSingle(ctx context.Context, cmd command.Command) (any, error) {
	b.mu.Lock()
	b.singles = append(b.singles, cmd)
	b.mu.Unlock()
	return b.Backend.SubmitSingle(ctx, cmd)
}

func (b *instrumentedBackend) stats() (topoCalls int, batchNodes []string, batchTotal int, singles int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topoCalls, append([]string(nil), b.batchNodes...), b.batchTotal, len(b.singles)
}

// recordingMetrics counts PipelineMetrics calls.
type recordingMetrics struct {
	mu         sync.Mutex
	completed  []bool
	redirects  map[string]int
	refreshes  map[string]int
	nodes      int
	fallbacks  int
	batchSizes []int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{redirects: map[string]int{}, refreshes: map[string]int{}}
}

func (m *recordingMetrics) PipelineDuration() metrics.Timer { return metrics.NopTimer() }

func (m *recordingMetrics) PipelineCompleted(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, ok)
}

func (m *recordingMetrics) BatchSize(_ string, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchSizes = append(m.batchSizes, size)
}

func (m *recordingMetrics) RedirectRetried(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redirects[kind]++
}

func (m *recordingMetrics) TopologyRefreshed(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes[reason]++
}

func (m *recordingMetrics) TopologyNodes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = n
}

func (m *recordingMetrics) FallbackRouted(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks += n
}

func TestClient_same_node_batched_once(t *testing.T) {
	mc := CreateMemCluster(t, 1)
	ib := instrument(mc)
	c := CreateTestClient(t, ib)

	res, err := c.Do(t.Context(), []command.Command{
		command.New("SET", "key1", "value1"),
		command.New("GET", "key1"),
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.NoError(t, res[0].Err)
	require.Equal(t, "OK", res[0].Value)
	require.NoError(t, res[1].Err)
	require.Equal(t, "value1", res[1].Value)

	// both commands travelled in one pipelined round trip
	_, batchNodes, batchTotal, singles := ib.stats()
	require.Len(t, batchNodes, 1)
	require.Equal(t, 2, batchTotal)
	require.Zero(t, singles)
}

func TestClient_order_preserved_across_nodes(t *testing.T) {
	mc := CreateMemCluster(t, 3)
	ib := instrument(mc)
	// slow down one node so completion order differs from input order
	ib.delay["node-0"] = 30 * time.Millisecond
	c := CreateTestClient(t, ib)

	var (
		keys0 = keysOwnedBy(t, mc, "node-0", 4)
		keys2 = keysOwnedBy(t, mc, "node-2", 4)
		cmds  []command.Command
		want  []string
	)
	for i := range 4 {
		cmds = append(cmds,
			command.New("SET", keys0[i], fmt.Sprintf("a%d", i)),
			command.New("SET", keys2[i], fmt.Sprintf("b%d", i)),
		)
		want = append(want, fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i))
	}

	res, err := c.Do(t.Context(), cmds)
	require.NoError(t, err)
	require.Len(t, res, len(cmds))
	for _, r := range res {
		require.NoError(t, r.Err)
		require.Equal(t, "OK", r.Value)
	}

	// read everything back in one interleaved call
	var gets []command.Command
	for i := range 4 {
		gets = append(gets,
			command.New("GET", keys0[i]),
			command.New("GET", keys2[i]),
		)
	}
	res, err = c.Do(t.Context(), gets)
	require.NoError(t, err)
	for i, r := range res {
		require.NoError(t, r.Err)
		require.Equal(t, want[i], r.Value, "index %d", i)
	}
}

func TestClient_hash_tags_share_one_batch(t *testing.T) {
	mc := CreateMemCluster(t, 3)
	ib := instrument(mc)
	c := CreateTestClient(t, ib)

	res, err := c.Do(t.Context(), []command.Command{
		command.New("SET", "{user:1}:name", "alice"),
		command.New("SET", "{user:1}:email", "alice@example.com"),
		command.New("GET", "{user:1}:name"),
	})
	require.NoError(t, err)
	require.Equal(t, "alice", res[2].Value)

	_, batchNodes, _, _ := ib.stats()
	require.Len(t, batchNodes, 1)
}

func TestClient_grouping_complete(t *testing.T) {
	mc := CreateMemCluster(t, 3)
	ib := instrument(mc)
	c := CreateTestClient(t, ib)

	var cmds []command.Command
	for i := range 60 {
		cmds = append(cmds, command.New("SET", fmt.Sprintf("key:%d", i), "v"))
	}

	res, err := c.Do(t.Context(), cmds)
	require.NoError(t, err)
	require.Len(t, res, 60)
	for i, r := range res {
		require.NoError(t, r.Err, "index %d", i)
	}

	// every command went to exactly one node batch, none twice
	_, batchNodes, batchTotal, singles := ib.stats()
	require.Equal(t, 60, batchTotal)
	require.Zero(t, singles)
	require.LessOrEqual(t, len(batchNodes), 3)
}

func TestClient_moved_redirect_retried_transparently(t *testing.T) {
	mc := CreateMemCluster(t, 2)
	ib := instrument(mc)
	rm := newRecordingMetrics()
	c, err := NewClient(ClientOptions{Backend: ib, Metrics: rm})
	require.NoError(t, err)

	key := keysOwnedBy(t, mc, "node-0", 1)[0]
	sl := slot.ForKey(key)

	_, err = c.Do(t.Context(), []command.Command{command.New("SET", key, "v1")})
	require.NoError(t, err)

	// reshape the cluster behind the client's back
	require.NoError(t, mc.Migrate(sl, sl, "node-1"))

	res, err := c.Do(t.Context(), []command.Command{
		command.New("GET", key),
	})
	require.NoError(t, err)
	require.NoError(t, res[0].Err)
	require.Equal(t, "v1", res[0].Value)

	// the redirect was settled through the single path, invisibly
	_, _, _, singles := ib.stats()
	require.Equal(t, 1, singles)
	require.Equal(t, 1, rm.redirects["moved"])
	_, isRedirect := AsRedirect(res[0].Err)
	require.False(t, isRedirect)
}

func TestClient_ask_redirect_follows_migration(t *testing.T) {
	mc := CreateMemCluster(t, 2)
	rm := newRecordingMetrics()
	c, err := NewClient(ClientOptions{Backend: mc, Metrics: rm})
	require.NoError(t, err)

	key := keysOwnedBy(t, mc, "node-0", 1)[0]

	_, err = c.Do(t.Context(), []command.Command{command.New("SET", key, "v1")})
	require.NoError(t, err)

	require.NoError(t, mc.SetMigrating(slot.ForKey(key), "node-1"))

	res, err := c.Do(t.Context(), []command.Command{command.New("GET", key)})
	require.NoError(t, err)
	require.NoError(t, res[0].Err)
	require.Equal(t, "v1", res[0].Value)
	require.Equal(t, 1, rm.redirects["ask"])
}

func TestClient_stale_topology_refreshed_once_and_reexecuted(t *testing.T) {
	mc := CreateMemCluster(t, 2)
	ib := instrument(mc)
	rm := newRecordingMetrics()
	c, err := NewClient(ClientOptions{Backend: ib, Metrics: rm})
	require.NoError(t, err)

	keyDead := keysOwnedBy(t, mc, "node-0", 1)[0]
	keyLive := keysOwnedBy(t, mc, "node-1", 1)[0]

	_, err = c.Do(t.Context(), []command.Command{
		command.New("SET", keyDead, "v0"),
		command.New("SET", keyLive, "v1"),
	})
	require.NoError(t, err)

	topoBefore, _, _, _ := ib.stats()
	require.Equal(t, 1, topoBefore) // lazy initial load only

	// node-0 dies, node-1 takes over; the client's table is now stale
	require.NoError(t, mc.Failover("node-0", "node-1"))

	res, err := c.Do(t.Context(), []command.Command{
		command.New("GET", keyDead),
		command.New("GET", keyLive),
	})
	require.NoError(t, err)
	require.Equal(t, "v0", res[0].Value)
	require.Equal(t, "v1", res[1].Value)

	// exactly one extra ownership query, then a full re-execution
	topoAfter, _, _, _ := ib.stats()
	require.Equal(t, 2, topoAfter)
	require.Equal(t, 1, rm.refreshes["stale"])
}

func TestClient_persistent_staleness_surfaces_after_one_refresh(t *testing.T) {
	mc := CreateMemCluster(t, 2)
	ib := instrument(mc)
	c := CreateTestClient(t, ib)

	key := keysOwnedBy(t, mc, "node-0", 1)[0]
	_, err := c.Do(t.Context(), []command.Command{command.New("SET", key, "v")})
	require.NoError(t, err)

	// a staleness symptom that a refresh cannot cure
	mc.FailNode("node-0", errors.New("CLUSTERDOWN Hash slot not served"))

	_, err = c.Do(t.Context(), []command.Command{command.New("GET", key)})
	require.ErrorContains(t, err, "CLUSTERDOWN")

	// initial load + exactly one stale refresh, no refresh loop
	topoCalls, _, _, _ := ib.stats()
	require.Equal(t, 2, topoCalls)
}

func TestClient_transport_failure_fails_whole_call(t *testing.T) {
	mc := CreateMemCluster(t, 2)
	ib := instrument(mc)
	c := CreateTestClient(t, ib)

	key0 := keysOwnedBy(t, mc, "node-0", 1)[0]
	key1 := keysOwnedBy(t, mc, "node-1", 1)[0]

	_, err := c.Do(t.Context(), []command.Command{command.New("SET", key1, "v")})
	require.NoError(t, err)

	mc.FailNode("node-0", errors.New("connection refused"))

	// no partial results: the healthy node's outcome is withheld too
	res, err := c.Do(t.Context(), []command.Command{
		command.New("GET", key0),
		command.New("GET", key1),
	})
	require.ErrorContains(t, err, "connection refused")
	require.Nil(t, res)

	// not a staleness symptom: no extra topology query
	topoCalls, _, _, _ := ib.stats()
	require.Equal(t, 1, topoCalls)
}

func TestClient_command_errors_pass_through(t *testing.T) {
	mc := CreateMemCluster(t, 2)
	ib := instrument(mc)
	c := CreateTestClient(t, ib)

	res, err := c.Do(t.Context(), []command.Command{
		command.New("SET", "word", "abc"),
		command.New("INCR", "word"),
		command.New("NUKE", "word"),
		command.New("GET", "word"),
	})
	require.NoError(t, err)
	require.Len(t, res, 4)

	require.NoError(t, res[0].Err)
	require.ErrorIs(t, res[1].Err, command.ErrNotInteger)
	require.ErrorIs(t, res[2].Err, command.ErrUnknownCommand)
	require.Equal(t, "abc", res[3].Value)

	// store errors are final outcomes, not retried
	_, _, _, singles := ib.stats()
	require.Zero(t, singles)
}

func TestClient_empty_key_routes_to_slot_zero(t *testing.T) {
	mc := CreateMemCluster(t, 3)
	ib := instrument(mc)
	c := CreateTestClient(t, ib)

	res, err := c.Do(t.Context(), []command.Command{command.New("PING", "")})
	require.NoError(t, err)
	require.Equal(t, "PONG", res[0].Value)

	// slot 0 belongs to node-0 in the even partition
	_, batchNodes, _, _ := ib.stats()
	require.Equal(t, []string{"node-0"}, batchNodes)
}

func TestClient_no_topology_best_effort(t *testing.T) {
	// nodes exist but nothing is assigned: ownership comes back empty
	mc := NewMemCluster()
	t.Cleanup(func() { require.NoError(t, mc.Close()) })
	require.NoError(t, mc.AddNode("node-a"))

	c := CreateTestClient(t, mc)

	res, err := c.Do(t.Context(), []command.Command{
		command.New("GET", "k1"),
		command.New("GET", "k2"),
	})
	require.NoError(t, err)
	require.Len(t, res, 2)

	// nothing is dropped; each command carries its own failure
	for i, r := range res {
		require.Error(t, r.Err, "index %d", i)
		require.ErrorIs(t, r.Err, ErrUnknownNode)
	}
}

func TestClient_partial_topology_falls_back(t *testing.T) {
	// only half the slot space is served
	mc := NewMemCluster()
	t.Cleanup(func() { require.NoError(t, mc.Close()) })
	require.NoError(t, mc.AddNode("node-a"))
	require.NoError(t, mc.AssignSlots("node-a", topology.Span{Start: 0, End: 8191}))

	rm := newRecordingMetrics()
	c, err := NewClient(ClientOptions{Backend: mc, Metrics: rm})
	require.NoError(t, err)

	// collect keys on both sides of the split
	var served, unserved []string
	for i := 0; len(served) < 2 || len(unserved) < 2; i++ {
		k := fmt.Sprintf("key:%d", i)
		if slot.ForKey(k) <= 8191 {
			served = append(served, k)
		} else {
			unserved = append(unserved, k)
		}
	}

	res, err := c.Do(t.Context(), []command.Command{
		command.New("SET", served[0], "v"),
		command.New("SET", unserved[0], "v"),
	})
	require.NoError(t, err)

	// the served command succeeds; the unserved one was still attempted
	// against the stand-in node and carries the store's answer
	require.NoError(t, res[0].Err)
	require.ErrorContains(t, res[1].Err, "CLUSTERDOWN")
	require.Equal(t, 1, rm.fallbacks)
}

func TestClient_empty_input(t *testing.T) {
	c := CreateTestClient(t, CreateMemCluster(t, 1))

	res, err := c.Do(t.Context(), nil)
	require.NoError(t, err)
	require.Empty(t, res)
}

func TestClient_concurrent_invocations(t *testing.T) {
	mc := CreateMemCluster(t, 3)
	c := CreateTestClient(t, mc)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("{worker:%d}:counter", g)
			for range 25 {
				res, err := c.Do(context.Background(), []command.Command{
					command.New("INCR", key),
				})
				require.NoError(t, err)
				require.NoError(t, res[0].Err)
			}
		}()
	}
	wg.Wait()

	res, err := c.Do(t.Context(), []command.Command{
		command.New("GET", "{worker:0}:counter"),
		command.New("GET", "{worker:7}:counter"),
	})
	require.NoError(t, err)
	require.Equal(t, "25", res[0].Value)
	require.Equal(t, "25", res[1].Value)
}

func TestNewClient_requires_backend(t *testing.T) {
	_, err := NewClient(ClientOptions{})
	require.ErrorContains(t, err, "Backend is required")
}
