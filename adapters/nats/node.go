package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"
	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/slotpipe-go/core/command"
	"github.com/codewandler/slotpipe-go/core/ds"
	"github.com/codewandler/slotpipe-go/core/perkey"
	"github.com/codewandler/slotpipe-go/core/slot"
	"github.com/codewandler/slotpipe-go/core/slotpipe"
	"github.com/codewandler/slotpipe-go/core/topology"
	"github.com/codewandler/slotpipe-go/ports/kv"
)

type NodeOptions struct {
	ID       string            // defaults to node-<nanoid>
	Connect  Connector         // defaults to ConnectDefault()
	Log      *slog.Logger      // Log for diagnostics (optional)
	Store    kv.Store          // node-local data, defaults to in-memory
	Registry *command.Registry // defaults to the standard command set
	Prefix   string            // subject prefix, defaults to "slotpipe"
	Bucket   string            // shard table bucket, defaults to "slotpipe_topology"
}

// StoreNode serves one node's slice of the keyspace over NATS
// request/reply. It watches the shard table and answers MOVED for slots
// it does not own, so a client routing on a stale table corrects itself.
//
// Pipelines from different clients execute concurrently; commands for
// the same key are serialized.
type StoreNode struct {
	id      string
	log     *slog.Logger
	nc      *natsgo.Conn
	closeNc closeFunc
	store   kv.Store
	reg     *command.Registry
	prefix  string
	table   *shardTable
	topo    *topology.Cache
	sched   *perkey.Scheduler[string]
}

func NewStoreNode(opts NodeOptions) (*StoreNode, error) {
	id := opts.ID
	if id == "" {
		id = fmt.Sprintf("node-%s", gonanoid.Must(6))
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "natsnode"), slog.String("node", id))

	connFn := opts.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}
	nc, closeNc, err := connFn()
	if err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		store = kv.NewMemStore()
	}

	reg := opts.Registry
	if reg == nil {
		reg = command.Default()
	}

	bucket := opts.Bucket
	if bucket == "" {
		bucket = "slotpipe_topology"
	}
	table, err := newShardTable(nc, bucket)
	if err != nil {
		closeNc()
		return nil, err
	}

	topo, err := topology.NewCache(topology.CacheOptions{Source: table, Log: log})
	if err != nil {
		closeNc()
		return nil, err
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "slotpipe"
	}

	return &StoreNode{
		id:      id,
		log:     log,
		nc:      nc,
		closeNc: closeNc,
		store:   store,
		reg:     reg,
		prefix:  prefix,
		table:   table,
		topo:    topo,
		sched:   perkey.New[string](),
	}, nil
}

func (n *StoreNode) ID() string { return n.id }

// Run loads the shard table, subscribes the node's subject and follows
// table updates until ctx ends.
func (n *StoreNode) Run(ctx context.Context) error {
	if _, err := n.topo.Refresh(ctx); err != nil {
		return fmt.Errorf("initial shard table load: %w", err)
	}

	sub, err := n.nc.Subscribe(subjectNode(n.prefix, n.id), func(msg *natsgo.Msg) {
		go n.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe node subject: %w", err)
	}
	if err := n.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}

	updates, err := n.table.Watch(ctx)
	if err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	go n.followTable(updates)

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		n.sched.Close()
		n.closeNc()
	}()

	n.log.Info("node started")
	return nil
}

/* ---------------------- internals ---------------------- */

func subjectNode(prefix, id string) string {
	return prefix + ".node." + id
}

// followTable replaces the node's ownership view on every table
// revision and logs membership transitions. The updates channel closes
// when the node's context ends.
func (n *StoreNode) followTable(updates <-chan []topology.Shard) {
	for shards := range updates {
		snap, err := topology.NewSnapshot(shards)
		if err != nil {
			n.log.Error("bad shard table revision", slog.Any("error", err))
			continue
		}

		prev := ds.NewSet(n.topo.Current().Nodes()...)
		next := ds.NewSet(snap.Nodes()...)
		joined, left := prev.Diff(next)

		n.topo.Replace(snap)

		if !joined.IsEmpty() || !left.IsEmpty() {
			n.log.Info("shard table nodes changed",
				slog.Any("joined", joined.Values()),
				slog.Any("left", left.Values()),
			)
		}
	}
}

func (n *StoreNode) handle(ctx context.Context, msg *natsgo.Msg) {
	var frame batchFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		n.log.Error("failed to decode batch", slog.Any("error", err))
		return
	}

	reply := batchReply{Results: make([]resultFrame, len(frame.Commands))}
	for i, cmd := range frame.Commands {
		reply.Results[i] = encodeResult(n.exec(ctx, cmd))
	}

	b, err := json.Marshal(reply)
	if err != nil {
		n.log.Error("failed to encode reply", slog.Any("error", err))
		return
	}
	if err := msg.Respond(b); err != nil {
		n.log.Error("failed to respond", slog.Any("error", err))
	}
}

// exec answers ownership first, then runs the command through the
// per-key serializer.
func (n *StoreNode) exec(ctx context.Context, cmd command.Command) command.Result {
	sl := slot.ForKey(cmd.Key)
	owner, ok := n.topo.OwnerOf(sl)
	switch {
	case !ok:
		return command.Fail(fmt.Errorf("CLUSTERDOWN Hash slot not served"))
	case owner != n.id:
		return command.Fail(&slotpipe.RedirectError{Kind: slotpipe.RedirectMoved, Slot: sl, Node: owner})
	}

	var res command.Result
	err := n.sched.DoContext(ctx, cmd.Key, func() error {
		v, err := n.reg.Dispatch(ctx, n.store, cmd)
		if err != nil {
			res = command.Fail(err)
			return nil
		}
		res = command.Ok(v)
		return nil
	})
	if err != nil {
		return command.Fail(err)
	}
	return res
}
