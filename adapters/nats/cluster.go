package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/slotpipe-go/core/command"
	"github.com/codewandler/slotpipe-go/core/slot"
	"github.com/codewandler/slotpipe-go/core/slotpipe"
	"github.com/codewandler/slotpipe-go/core/topology"
)

// maxRedirects caps the redirect hops of the single path.
const maxRedirects = 3

type ClusterOptions struct {
	Connect        Connector     // defaults to ConnectDefault()
	Log            *slog.Logger  // Log for diagnostics (optional)
	Prefix         string        // subject prefix, defaults to "slotpipe"
	Bucket         string        // shard table bucket, defaults to "slotpipe_topology"
	RequestTimeout time.Duration // per-node round trip budget, defaults to 5s
}

// Cluster is a [slotpipe.Backend] over NATS request/reply. Batches go to
// a node's subject in one request; a node that is gone answers with no
// responders, which surfaces as an unknown-node routing error and lets
// the pipeline refresh its table.
type Cluster struct {
	log     *slog.Logger
	nc      *natsgo.Conn
	closeNc closeFunc
	prefix  string
	timeout time.Duration
	table   *shardTable
}

func NewCluster(opts ClusterOptions) (*Cluster, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "natscluster"))

	connFn := opts.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}
	nc, closeNc, err := connFn()
	if err != nil {
		return nil, err
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

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "slotpipe"
	}

	timeout := opts.RequestTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Cluster{
		log:     log,
		nc:      nc,
		closeNc: closeNc,
		prefix:  prefix,
		timeout: timeout,
		table:   table,
	}, nil
}

// PublishTopology replaces the shard table. Nodes pick the new report
// up through their watchers; clients on the next refresh.
func (c *Cluster) PublishTopology(ctx context.Context, shards []topology.Shard) error {
	if _, err := topology.NewSnapshot(shards); err != nil {
		return err
	}
	return c.table.Save(ctx, shards)
}

func (c *Cluster) ShardTopology(ctx context.Context) ([]topology.Shard, error) {
	return c.table.Load(ctx)
}

func (c *Cluster) SubmitBatch(ctx context.Context, node string, commands []command.Command) ([]command.Result, error) {
	reply, err := c.request(ctx, node, batchFrame{Commands: commands})
	if err != nil {
		return nil, err
	}

	results := make([]command.Result, len(reply.Results))
	for i, rf := range reply.Results {
		results[i] = decodeResult(rf)
	}
	return results, nil
}

func (c *Cluster) SubmitSingle(ctx context.Context, cmd command.Command) (any, error) {
	shards, err := c.table.Load(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := topology.NewSnapshot(shards)
	if err != nil {
		return nil, err
	}

	node, ok := snap.OwnerOf(slot.ForKey(cmd.Key))
	if !ok {
		return nil, fmt.Errorf("slot %d has no reachable owner: %w", slot.ForKey(cmd.Key), slotpipe.ErrUnknownNode)
	}

	for hop := 0; ; hop++ {
		reply, err := c.request(ctx, node, batchFrame{Commands: []command.Command{cmd}})
		if err != nil {
			return nil, err
		}
		if len(reply.Results) != 1 {
			return nil, fmt.Errorf("node %s: %d results for 1 command", node, len(reply.Results))
		}

		res := decodeResult(reply.Results[0])
		re, isRedirect := slotpipe.AsRedirect(res.Err)
		if !isRedirect || hop >= maxRedirects {
			return res.Value, res.Err
		}
		c.log.Debug("following redirect",
			slog.String("kind", string(re.Kind)),
			slog.String("node", re.Node),
		)
		node = re.Node
	}
}

func (c *Cluster) Close() error {
	c.closeNc()
	return nil
}

var _ slotpipe.Backend = (*Cluster)(nil)

/* ---------------------- internals ---------------------- */

func (c *Cluster) request(ctx context.Context, node string, frame batchFrame) (batchReply, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return batchReply{}, err
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(rctx, subjectNode(c.prefix, node), data)
	if err != nil {
		if errors.Is(err, natsgo.ErrNoResponders) {
			return batchReply{}, fmt.Errorf("node %s: %w", node, slotpipe.ErrUnknownNode)
		}
		return batchReply{}, fmt.Errorf("node %s: %w", node, err)
	}

	var reply batchReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return batchReply{}, fmt.Errorf("node %s: decode reply: %w", node, err)
	}
	return reply, nil
}

func decodeResult(rf resultFrame) command.Result {
	if rf.Err != "" {
		return command.Fail(errors.New(rf.Err))
	}
	v, err := rf.Value.decode()
	if err != nil {
		return command.Fail(err)
	}
	return command.Ok(v)
}
