package slotpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/codewandler/slotpipe-go/core/command"
	"github.com/codewandler/slotpipe-go/core/slot"
	"github.com/codewandler/slotpipe-go/core/topology"
	"github.com/codewandler/slotpipe-go/ports/kv"
)

// memNode is one simulated store node: a keyspace plus a lock serializing
// pipeline execution, like a real node's command loop.
type memNode struct {
	mu    sync.Mutex
	store kv.Store
}

// MemCluster is a self-contained in-memory slot cluster implementing
// [Backend]. Nodes hold real keyspaces, slots have owners, and commands
// sent to the wrong node answer MOVED/ASK exactly like a live cluster, so
// the whole redirect machinery can be exercised without any network.
//
// Shape it with [MemCluster.AddNode] and [MemCluster.AssignSlots], then
// reshape it mid-test with [MemCluster.Migrate], [MemCluster.SetMigrating]
// or [MemCluster.Failover].
type MemCluster struct {
	mu  sync.RWMutex
	log *slog.Logger

	closed bool

	nodes  map[string]*memNode
	owners [slot.Count]string // slot -> node id, "" = unserved
	asking map[uint16]string  // slot -> importing node, set mid-migration
	reg    *command.Registry

	failing map[string]error // node -> injected batch failure
}

func NewMemCluster() *MemCluster {
	return &MemCluster{
		log:     slog.New(slog.DiscardHandler),
		nodes:   map[string]*memNode{},
		asking:  map[uint16]string{},
		failing: map[string]error{},
		reg:     command.Default(),
	}
}

func (mc *MemCluster) WithLog(log *slog.Logger) *MemCluster {
	mc.log = log.With(slog.String("backend", "mem"))
	return mc
}

// WithRegistry swaps the command set nodes execute.
func (mc *MemCluster) WithRegistry(reg *command.Registry) *MemCluster {
	mc.reg = reg
	return mc
}

/* ---------------------- cluster shaping ---------------------- */

// AddNode creates an empty node. It owns no slots until assigned.
func (mc *MemCluster) AddNode(id string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.closed {
		return ErrClosed
	}
	if id == "" {
		return fmt.Errorf("memcluster: node id is required")
	}
	if _, ok := mc.nodes[id]; ok {
		return fmt.Errorf("memcluster: node %s already exists", id)
	}
	mc.nodes[id] = &memNode{store: kv.NewMemStore()}
	mc.log.Debug("node added", slog.String("node", id))
	return nil
}

// AssignSlots hands the spans to node, taking them from previous owners.
// Keys already written do not move; use [MemCluster.Migrate] for that.
func (mc *MemCluster) AssignSlots(node string, spans ...topology.Span) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, ok := mc.nodes[node]; !ok {
		return fmt.Errorf("memcluster: node %s: %w", node, ErrUnknownNode)
	}
	for _, sp := range spans {
		if sp.Start > sp.End || sp.End >= slot.Count {
			return fmt.Errorf("memcluster: invalid span %d-%d", sp.Start, sp.End)
		}
		for s := int(sp.Start); s <= int(sp.End); s++ {
			mc.owners[s] = node
		}
	}
	return nil
}

// Migrate moves slots [start, end] to node to: ownership flips and keys
// hashing into the range follow into to's keyspace. Commands still sent
// to the old owner answer MOVED from then on.
func (mc *MemCluster) Migrate(start, end uint16, to string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	dst, ok := mc.nodes[to]
	if !ok {
		return fmt.Errorf("memcluster: node %s: %w", to, ErrUnknownNode)
	}
	if start > end || end >= slot.Count {
		return fmt.Errorf("memcluster: invalid span %d-%d", start, end)
	}

	for s := int(start); s <= int(end); s++ {
		mc.owners[s] = to
		delete(mc.asking, uint16(s))
	}
	mc.moveKeys(func(sl uint16) bool { return sl >= start && sl <= end }, dst)

	mc.log.Debug("slots migrated",
		slog.Int("start", int(start)), slog.Int("end", int(end)), slog.String("to", to))
	return nil
}

// SetMigrating marks sl as migrating to node to: the slot's keys move to
// the importing node and the current owner answers ASK for every command
// on the slot until the mark clears. The importing node serves the slot
// when asked directly.
func (mc *MemCluster) SetMigrating(sl uint16, to string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	dst, ok := mc.nodes[to]
	if !ok {
		return fmt.Errorf("memcluster: node %s: %w", to, ErrUnknownNode)
	}
	mc.asking[sl] = to
	mc.moveKeys(func(s uint16) bool { return s == sl }, dst)
	return nil
}

// ClearMigrating removes the migration mark from sl.
func (mc *MemCluster) ClearMigrating(sl uint16) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.asking, sl)
}

// Failover moves everything from owns, slots and keys, to node to and
// removes from, like a replica taking over for a dead primary. Batches
// still addressed to from fail with [ErrUnknownNode] until the caller
// refreshes its topology.
func (mc *MemCluster) Failover(from, to string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	src, ok := mc.nodes[from]
	if !ok {
		return fmt.Errorf("memcluster: node %s: %w", from, ErrUnknownNode)
	}
	dst, ok := mc.nodes[to]
	if !ok {
		return fmt.Errorf("memcluster: node %s: %w", to, ErrUnknownNode)
	}

	for s := range mc.owners {
		if mc.owners[s] == from {
			mc.owners[s] = to
		}
	}
	keys, _ := src.store.Keys(context.Background())
	for _, k := range keys {
		v, err := src.store.Get(context.Background(), k)
		if err != nil {
			continue
		}
		_ = dst.store.Set(context.Background(), k, v)
	}
	delete(mc.nodes, from)
	delete(mc.failing, from)

	mc.log.Debug("failover", slog.String("from", from), slog.String("to", to))
	return nil
}

// RemoveNode deletes node outright: its slots go unserved until
// reassigned and its keys are lost, like a primary dying with no replica
// to take over. Batches still addressed to it fail with [ErrUnknownNode].
func (mc *MemCluster) RemoveNode(id string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, ok := mc.nodes[id]; !ok {
		return fmt.Errorf("memcluster: node %s: %w", id, ErrUnknownNode)
	}
	delete(mc.nodes, id)
	delete(mc.failing, id)

	mc.log.Debug("node removed", slog.String("node", id))
	return nil
}

// FailNode makes every batch to node fail with err until [MemCluster.HealNode].
// A nil err injects a generic connection failure.
func (mc *MemCluster) FailNode(node string, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if err == nil {
		err = fmt.Errorf("node %s: connection refused", node)
	}
	mc.failing[node] = err
}

// HealNode clears an injected failure.
func (mc *MemCluster) HealNode(node string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.failing, node)
}

// Nodes returns the live node ids, sorted.
func (mc *MemCluster) Nodes() []string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	ids := make([]string, 0, len(mc.nodes))
	for id := range mc.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StoreOf returns node's keyspace, for seeding and assertions in tests.
func (mc *MemCluster) StoreOf(node string) (kv.Store, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	n, ok := mc.nodes[node]
	if !ok {
		return nil, false
	}
	return n.store, true
}

/* ---------------------- Backend ---------------------- */

func (mc *MemCluster) ShardTopology(_ context.Context) ([]topology.Shard, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if mc.closed {
		return nil, ErrClosed
	}

	// run-length encode the owner table; vanished nodes drop out
	spans := map[string][]topology.Span{}
	cur, start := "", 0
	flush := func(end int) {
		if cur != "" {
			spans[cur] = append(spans[cur], topology.Span{Start: uint16(start), End: uint16(end)})
		}
	}
	for s := 0; s < slot.Count; s++ {
		owner := mc.owners[s]
		if _, live := mc.nodes[owner]; !live {
			owner = ""
		}
		if owner != cur {
			flush(s - 1)
			cur, start = owner, s
		}
	}
	flush(slot.Count - 1)

	shards := make([]topology.Shard, 0, len(spans))
	for n, sp := range spans {
		shards = append(shards, topology.Shard{Node: n, Spans: sp})
	}
	sort.Slice(shards, func(a, b int) bool { return shards[a].Node < shards[b].Node })
	return shards, nil
}

func (mc *MemCluster) SubmitBatch(ctx context.Context, node string, cmds []command.Command) ([]command.Result, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if mc.closed {
		return nil, ErrClosed
	}
	if err := mc.failing[node]; err != nil {
		return nil, err
	}
	n, ok := mc.nodes[node]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", node, ErrUnknownNode)
	}

	// one pipeline at a time per node
	n.mu.Lock()
	defer n.mu.Unlock()

	results := make([]command.Result, len(cmds))
	for i, cmd := range cmds {
		results[i] = mc.execLocked(ctx, node, n, cmd, false)
	}
	return results, nil
}

func (mc *MemCluster) SubmitSingle(ctx context.Context, cmd command.Command) (any, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if mc.closed {
		return nil, ErrClosed
	}

	sl := slot.ForKey(cmd.Key)
	id, asking := mc.owners[sl], false
	if to := mc.asking[sl]; to != "" {
		// follow the ASK hop up front
		id, asking = to, true
	}
	n, ok := mc.nodes[id]
	if !ok {
		return nil, fmt.Errorf("slot %d has no reachable owner: %w", sl, ErrUnknownNode)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	res := mc.execLocked(ctx, id, n, cmd, asking)
	return res.Value, res.Err
}

func (mc *MemCluster) Close() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.closed {
		return nil
	}
	mc.closed = true

	for id := range mc.nodes {
		delete(mc.nodes, id)
	}
	for sl := range mc.asking {
		delete(mc.asking, sl)
	}
	for id := range mc.failing {
		delete(mc.failing, id)
	}

	mc.log.Debug("closed")
	return nil
}

/* ---------------------- internals ---------------------- */

// execLocked runs one command on node id, answering redirects when the
// slot is not served there. asking bypasses the ownership check, like a
// store honoring an ASKING exchange. Caller holds mc.mu (read) and n.mu.
func (mc *MemCluster) execLocked(ctx context.Context, id string, n *memNode, cmd command.Command, asking bool) command.Result {
	if !asking {
		sl := slot.ForKey(cmd.Key)
		owner := mc.owners[sl]
		if _, live := mc.nodes[owner]; !live {
			owner = "" // a removed node's slots read as unserved, like the report
		}
		switch {
		case owner == "":
			return command.Fail(errors.New("CLUSTERDOWN Hash slot not served"))
		case owner != id:
			return command.Fail(&RedirectError{Kind: RedirectMoved, Slot: sl, Node: owner})
		case mc.asking[sl] != "":
			return command.Fail(&RedirectError{Kind: RedirectAsk, Slot: sl, Node: mc.asking[sl]})
		}
	}

	v, err := mc.reg.Dispatch(ctx, n.store, cmd)
	if err != nil {
		return command.Fail(err)
	}
	return command.Ok(v)
}

// moveKeys moves keys matching the slot predicate from every node into
// dst. Caller holds mc.mu.
func (mc *MemCluster) moveKeys(match func(uint16) bool, dst *memNode) {
	ctx := context.Background()
	for _, n := range mc.nodes {
		if n == dst {
			continue
		}
		keys, _ := n.store.Keys(ctx)
		for _, k := range keys {
			if !match(slot.ForKey(k)) {
				continue
			}
			v, err := n.store.Get(ctx, k)
			if err != nil {
				continue
			}
			_ = dst.store.Set(ctx, k, v)
			_, _ = n.store.Delete(ctx, k)
		}
	}
}

var _ Backend = (*MemCluster)(nil)
