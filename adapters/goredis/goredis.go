// Package goredis binds a real Redis Cluster as a pipeline backend.
//
// Node identity is the node's announced address. Topology comes from
// CLUSTER SLOTS against the seed addresses; batches run as pipelines on
// a per-node connection, so redirect answers come back per command
// instead of being followed under the hood. The single path follows
// MOVED/ASK answers itself, up to [maxRedirects] hops, the way go-redis
// does internally.
package goredis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	rdb "github.com/redis/go-redis/v9"

	"github.com/codewandler/slotpipe-go/core/command"
	"github.com/codewandler/slotpipe-go/core/slotpipe"
	"github.com/codewandler/slotpipe-go/core/topology"
)

// maxRedirects caps the redirect hops of the single path.
const maxRedirects = 3

type Options struct {
	Addrs       []string      // seed addresses, at least one
	Password    string        // optional
	DialTimeout time.Duration // optional
	Log         *slog.Logger  // Log for diagnostics (optional)
}

// Cluster is a [slotpipe.Backend] over per-node go-redis clients.
type Cluster struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	conns  map[string]*rdb.Client
	closed bool
}

func New(opts Options) (*Cluster, error) {
	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("goredis: Options.Addrs is required")
	}

	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Cluster{
		opts:  opts,
		log:   log.With(slog.String("component", "goredis")),
		conns: map[string]*rdb.Client{},
	}, nil
}

func (c *Cluster) ShardTopology(ctx context.Context) ([]topology.Shard, error) {
	var errs []error
	for _, addr := range c.opts.Addrs {
		cl, err := c.conn(addr)
		if err != nil {
			return nil, err
		}
		slots, err := cl.ClusterSlots(ctx).Result()
		if err != nil {
			errs = append(errs, fmt.Errorf("seed %s: %w", addr, err))
			continue
		}
		return convertSlots(slots), nil
	}
	return nil, errors.Join(errs...)
}

func (c *Cluster) SubmitBatch(ctx context.Context, node string, commands []command.Command) ([]command.Result, error) {
	cl, err := c.conn(node)
	if err != nil {
		return nil, err
	}

	pipe := cl.Pipeline()
	cmds := make([]*rdb.Cmd, len(commands))
	for i, cmd := range commands {
		cmds[i] = pipe.Do(ctx, commandArgs(cmd)...)
	}

	// a reply error (MOVED, WRONGTYPE, ...) belongs to its command; only
	// a failed round trip fails the batch
	if _, err := pipe.Exec(ctx); err != nil && !replyError(err) {
		return nil, err
	}

	results := make([]command.Result, len(commands))
	for i, rc := range cmds {
		v, err := rc.Result()
		switch {
		case err == nil:
			results[i] = command.Ok(v)
		case errors.Is(err, rdb.Nil):
			results[i] = command.Ok(nil)
		default:
			results[i] = command.Fail(err)
		}
	}
	return results, nil
}

func (c *Cluster) SubmitSingle(ctx context.Context, cmd command.Command) (any, error) {
	node, asking := c.opts.Addrs[0], false

	for hop := 0; ; hop++ {
		v, err := c.single(ctx, node, cmd, asking)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, rdb.Nil) {
			return nil, nil
		}
		re, ok := slotpipe.AsRedirect(err)
		if !ok || hop >= maxRedirects {
			return nil, err
		}
		c.log.Debug("following redirect",
			slog.String("kind", string(re.Kind)),
			slog.String("node", re.Node),
		)
		node, asking = re.Node, re.Kind == slotpipe.RedirectAsk
	}
}

func (c *Cluster) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for addr, cl := range c.conns {
		if err := cl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(c.conns, addr)
	}
	return errors.Join(errs...)
}

var _ slotpipe.Backend = (*Cluster)(nil)

/* ---------------------- internals ---------------------- */

// conn returns the pooled client for addr, dialing lazily. Nodes learned
// from redirects and topology answers get their client on first use.
func (c *Cluster) conn(addr string) (*rdb.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, slotpipe.ErrClosed
	}
	if cl, ok := c.conns[addr]; ok {
		return cl, nil
	}

	cl := rdb.NewClient(&rdb.Options{
		Addr:        addr,
		Password:    c.opts.Password,
		DialTimeout: c.opts.DialTimeout,
	})
	c.conns[addr] = cl
	c.log.Debug("node client created", slog.String("addr", addr))
	return cl, nil
}

// single runs one command on one node. An ASK hop needs ASKING on the
// same connection, which a two-command pipeline guarantees.
func (c *Cluster) single(ctx context.Context, node string, cmd command.Command, asking bool) (any, error) {
	cl, err := c.conn(node)
	if err != nil {
		return nil, err
	}

	if !asking {
		return cl.Do(ctx, commandArgs(cmd)...).Result()
	}

	pipe := cl.Pipeline()
	pipe.Do(ctx, "ASKING")
	target := pipe.Do(ctx, commandArgs(cmd)...)
	if _, err := pipe.Exec(ctx); err != nil && !replyError(err) {
		return nil, err
	}
	return target.Result()
}

// commandArgs flattens a command for the wire. A blank key means a
// keyless command (PING and friends); it is not sent as an argument.
func commandArgs(cmd command.Command) []any {
	args := make([]any, 0, 2+len(cmd.Args))
	args = append(args, cmd.Name)
	if cmd.Key != "" {
		args = append(args, cmd.Key)
	}
	for _, a := range cmd.Args {
		args = append(args, a)
	}
	return args
}

// replyError reports whether err is a server reply rather than a
// transport failure.
func replyError(err error) bool {
	if errors.Is(err, rdb.Nil) {
		return true
	}
	var re rdb.Error
	return errors.As(err, &re)
}

// convertSlots regroups CLUSTER SLOTS answers by master into the
// ownership report shape. Replicas are not routing targets here.
func convertSlots(slots []rdb.ClusterSlot) []topology.Shard {
	spans := map[string][]topology.Span{}
	for _, s := range slots {
		if len(s.Nodes) == 0 {
			continue
		}
		addr := s.Nodes[0].Addr
		spans[addr] = append(spans[addr], topology.Span{
			Start: uint16(s.Start),
			End:   uint16(s.End),
		})
	}

	shards := make([]topology.Shard, 0, len(spans))
	for addr, sp := range spans {
		sort.Slice(sp, func(a, b int) bool { return sp[a].Start < sp[b].Start })
		shards = append(shards, topology.Shard{Node: addr, Spans: sp})
	}
	sort.Slice(shards, func(a, b int) bool { return shards[a].Node < shards[b].Node })
	return shards
}
