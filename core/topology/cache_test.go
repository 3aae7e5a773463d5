package topology

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu     sync.Mutex
	shards []Shard
	err    error
	gate   chan struct{}
	calls  atomic.Int32
}

func (f *fakeSource) ShardTopology(ctx context.Context) ([]Shard, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shards, f.err
}

func (f *fakeSource) set(shards []Shard, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shards, f.err = shards, err
}

func TestCache_refresh(t *testing.T) {
	src := &fakeSource{shards: []Shard{
		{Node: "node-a", Spans: []Span{{Start: 0, End: 16383}}},
	}}
	c, err := NewCache(CacheOptions{Source: src})
	require.NoError(t, err)

	// starts empty
	require.True(t, c.Current().Empty())
	_, ok := c.OwnerOf(0)
	require.False(t, ok)

	snap, err := c.Refresh(t.Context())
	require.NoError(t, err)
	require.False(t, snap.Empty())

	owner, ok := c.OwnerOf(12182)
	require.True(t, ok)
	require.Equal(t, "node-a", owner)
}

func TestCache_refresh_idempotent(t *testing.T) {
	src := &fakeSource{shards: []Shard{
		{Node: "node-a", Spans: []Span{{Start: 0, End: 8191}}},
		{Node: "node-b", Spans: []Span{{Start: 8192, End: 16383}}},
	}}
	c, err := NewCache(CacheOptions{Source: src})
	require.NoError(t, err)

	first, err := c.Refresh(t.Context())
	require.NoError(t, err)
	second, err := c.Refresh(t.Context())
	require.NoError(t, err)

	// unchanged source, unchanged mapping
	require.Equal(t, first.Ranges(), second.Ranges())
	require.Equal(t, first.Nodes(), second.Nodes())
}

func TestCache_refresh_failure_keeps_snapshot(t *testing.T) {
	src := &fakeSource{shards: []Shard{
		{Node: "node-a", Spans: []Span{{Start: 0, End: 16383}}},
	}}
	c, err := NewCache(CacheOptions{Source: src})
	require.NoError(t, err)

	_, err = c.Refresh(t.Context())
	require.NoError(t, err)

	src.set(nil, errors.New("collaborator down"))
	_, err = c.Refresh(t.Context())
	require.ErrorContains(t, err, "collaborator down")

	// previous snapshot still serves reads
	owner, ok := c.OwnerOf(0)
	require.True(t, ok)
	require.Equal(t, "node-a", owner)
}

func TestCache_refresh_deduplicated(t *testing.T) {
	src := &fakeSource{
		shards: []Shard{{Node: "node-a", Spans: []Span{{Start: 0, End: 16383}}}},
		gate:   make(chan struct{}),
	}
	c, err := NewCache(CacheOptions{Source: src})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Refresh(context.Background())
			require.NoError(t, err)
		}()
	}

	<-time.After(10 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	// concurrent refreshes collapse; far fewer queries than callers
	require.Less(t, src.calls.Load(), int32(10))
}

func TestCache_replace(t *testing.T) {
	c, err := NewCache(CacheOptions{Source: &fakeSource{}})
	require.NoError(t, err)

	snap, err := NewSnapshot([]Shard{{Node: "node-z", Spans: []Span{{Start: 0, End: 9}}}})
	require.NoError(t, err)
	c.Replace(snap)

	owner, ok := c.OwnerOf(5)
	require.True(t, ok)
	require.Equal(t, "node-z", owner)

	c.Replace(nil)
	require.True(t, c.Current().Empty())
}

func TestNewCache_requires_source(t *testing.T) {
	_, err := NewCache(CacheOptions{})
	require.ErrorContains(t, err, "Source is required")
}
