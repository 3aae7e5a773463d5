package slotpipe

import (
	"context"

	"github.com/codewandler/slotpipe-go/core/command"
	"github.com/codewandler/slotpipe-go/core/topology"
)

// Backend is the pre-existing cluster client the pipeline layer drives. It
// already knows how to reach every node; this layer only decides what goes
// where and reassembles the answers. A Backend must be safe for concurrent
// use.
type Backend interface {
	// ShardTopology reports current slot ownership, shard by shard.
	ShardTopology(ctx context.Context) ([]topology.Shard, error)

	// SubmitBatch executes commands against one node as a single pipelined
	// round trip. The returned slice is dense and ordered like commands:
	// one result per command, per-command failures (redirects included)
	// inside the results. The error is batch-level only: the node was
	// unreachable or refused the batch as a whole.
	SubmitBatch(ctx context.Context, node string, commands []command.Command) ([]command.Result, error)

	// SubmitSingle executes one command, following slot redirects
	// internally until it lands on the owning node.
	SubmitSingle(ctx context.Context, cmd command.Command) (any, error)

	// Close releases the backend's resources. The owner of the backend
	// closes it; [Client] never does.
	Close() error
}

// Backends double as the topology cache's refresh source.
var _ topology.Source = (Backend)(nil)
