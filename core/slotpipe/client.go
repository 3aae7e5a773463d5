package slotpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/slotpipe-go/core/command"
	"github.com/codewandler/slotpipe-go/core/slot"
	"github.com/codewandler/slotpipe-go/core/topology"
	"github.com/codewandler/slotpipe-go/internal/hrw"
)

type ClientOptions struct {
	Backend Backend
	Cache   *topology.Cache // optional; built over Backend when nil
	Log     *slog.Logger    // Log for diagnostics (optional)
	Metrics PipelineMetrics // optional
	Seed    string          // stand-in placement seed (optional)
}

// Client batches key-addressed commands into per-node pipelines. Safe for
// concurrent use; concurrent calls share only the topology cache.
type Client struct {
	backend Backend
	topo    *topology.Cache
	log     *slog.Logger
	metrics PipelineMetrics
	seed    string
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("slotpipe: ClientOptions.Backend is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "slotpipe"))

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NopPipelineMetrics()
	}

	cache := opts.Cache
	if cache == nil {
		var err error
		cache, err = topology.NewCache(topology.CacheOptions{Source: opts.Backend, Log: log})
		if err != nil {
			return nil, err
		}
	}

	return &Client{
		backend: opts.Backend,
		topo:    cache,
		log:     log,
		metrics: metrics,
		seed:    opts.Seed,
	}, nil
}

// Topology returns the client's topology cache, e.g. to seed a snapshot
// ahead of the first call or to force a refresh.
func (c *Client) Topology() *topology.Cache {
	return c.topo
}

// Do executes cmds against the cluster and returns one result per
// command, in input order. Redirects and stale routing are absorbed
// internally; per-command store errors come back inside the results. A
// returned error means the call as a whole failed (e.g. a node was
// unreachable) and no partial results are handed out.
//
// Cancelling ctx does not abort in-flight node round trips by itself;
// cancellation is the backend's business. The ctx is passed through to
// every backend call.
func (c *Client) Do(ctx context.Context, cmds []command.Command) ([]command.Result, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	defer c.metrics.PipelineDuration().ObserveDuration()

	// one id per invocation so concurrent pipelines untangle in the logs
	log := c.log.With(slog.String("pipeline", gonanoid.Must(8)))

	results, err := c.run(ctx, log, cmds, true)
	c.metrics.PipelineCompleted(err == nil)
	return results, err
}

type nodeBatch struct {
	node    string
	cmds    []command.Command
	indices []int
}

type redirectCmd struct {
	index int
	kind  RedirectKind
}

// run is one full cycle: group by owner, execute per-node batches
// concurrently, then settle redirected and unroutable commands singly.
// mayRefresh allows one stale-topology refresh followed by a complete
// re-execution from scratch.
func (c *Client) run(ctx context.Context, log *slog.Logger, cmds []command.Command, mayRefresh bool) ([]command.Result, error) {
	batches, singles := c.buildBatches(ctx, log, cmds)

	results := make([]command.Result, len(cmds))
	redirects, err := c.executeBatches(ctx, batches, results)
	if err != nil {
		if mayRefresh && staleSymptom(err) {
			log.Warn("stale topology, refreshing and re-executing", slog.Any("error", err))
			c.metrics.TopologyRefreshed("stale")
			if _, err := c.topo.Refresh(ctx); err != nil {
				return nil, err
			}
			c.metrics.TopologyNodes(len(c.topo.Current().Nodes()))
			return c.run(ctx, log, cmds, false)
		}
		return nil, err
	}

	retry := singles
	for _, rc := range redirects {
		c.metrics.RedirectRetried(strings.ToLower(string(rc.kind)))
		retry = append(retry, rc.index)
	}
	c.settleSingly(ctx, log, cmds, retry, results)

	return results, nil
}

// buildBatches groups cmds by owning node, preserving order within each
// node and recording every command's original index. A command whose slot
// has no known owner routes to a rendezvous stand-in node; with no known
// nodes at all its index is returned for individual submission. Commands
// are never dropped.
func (c *Client) buildBatches(ctx context.Context, log *slog.Logger, cmds []command.Command) ([]*nodeBatch, []int) {
	snap := c.topo.Current()
	if snap.Empty() {
		// lazy first load; a failure is tolerated, commands fall back
		c.metrics.TopologyRefreshed("initial")
		fresh, err := c.topo.Refresh(ctx)
		if err != nil {
			log.Warn("initial topology load failed", slog.Any("error", err))
		} else {
			snap = fresh
			c.metrics.TopologyNodes(len(snap.Nodes()))
		}
	}

	var (
		byNode    = map[string]*nodeBatch{}
		batches   []*nodeBatch
		singles   []int
		fallbacks int
	)

	for i, cmd := range cmds {
		sl := slot.ForKey(cmd.Key)
		node, ok := snap.OwnerOf(sl)
		if !ok {
			fallbacks++
			node, ok = hrw.Pick(sl, snap.Nodes(), c.seed)
			if !ok {
				singles = append(singles, i)
				continue
			}
		}

		b := byNode[node]
		if b == nil {
			b = &nodeBatch{node: node}
			byNode[node] = b
			batches = append(batches, b)
		}
		b.cmds = append(b.cmds, cmd)
		b.indices = append(b.indices, i)
	}

	if fallbacks > 0 {
		c.metrics.FallbackRouted(fallbacks)
		log.Debug("commands routed off-table", slog.Int("count", fallbacks))
	}
	return batches, singles
}

// executeBatches runs every node batch concurrently and joins them all;
// one node's failure never cancels a sibling. Per-command results land at
// their original index, redirect signals are collected for the retry
// pass. The returned error joins all batch-level failures.
func (c *Client) executeBatches(ctx context.Context, batches []*nodeBatch, results []command.Result) ([]redirectCmd, error) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		errs      []error
		redirects []redirectCmd
	)

	for _, b := range batches {
		wg.Add(1)
		go func() {
			defer wg.Done()

			c.metrics.BatchSize(b.node, len(b.cmds))
			res, err := c.backend.SubmitBatch(ctx, b.node, b.cmds)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				errs = append(errs, fmt.Errorf("node %s: %w", b.node, err))
				return
			}
			if len(res) != len(b.cmds) {
				errs = append(errs, fmt.Errorf("node %s: %d results for %d commands", b.node, len(res), len(b.cmds)))
				return
			}
			for j, r := range res {
				i := b.indices[j]
				if re, ok := AsRedirect(r.Err); ok {
					redirects = append(redirects, redirectCmd{index: i, kind: re.Kind})
					continue
				}
				results[i] = r
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.Slice(redirects, func(a, b int) bool { return redirects[a].index < redirects[b].index })
	return redirects, nil
}

// settleSingly re-issues cmds[i] for every index, concurrently, through
// the backend's redirect-following single path. A failure here (an
// unknown command name included) becomes that command's final outcome;
// nothing is rethrown.
func (c *Client) settleSingly(ctx context.Context, log *slog.Logger, cmds []command.Command, indices []int, results []command.Result) {
	if len(indices) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, i := range indices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.backend.SubmitSingle(ctx, cmds[i])
			if err != nil {
				results[i] = command.Fail(err)
				return
			}
			results[i] = command.Ok(v)
		}()
	}
	wg.Wait()

	log.Debug("commands settled singly", slog.Int("count", len(indices)))
}
