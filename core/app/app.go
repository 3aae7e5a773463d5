package app

import (
	"context"
	"fmt"
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/slotpipe-go/core/slot"
	"github.com/codewandler/slotpipe-go/core/slotpipe"
	"github.com/codewandler/slotpipe-go/core/topology"
)

type ClusterConfig struct {
	Backend slotpipe.Backend // nil = self-contained in-memory cluster
	Nodes   int              // node count for the default cluster
	Seed    string           // placement seed for off-table commands
}

type Config struct {
	Context context.Context
	Log     *slog.Logger
	Cluster ClusterConfig
	Metrics slotpipe.PipelineMetrics
}

type App struct {
	ctx       context.Context
	log       *slog.Logger
	cancelCtx context.CancelFunc
	backend   slotpipe.Backend
	mem       *slotpipe.MemCluster // owned default backend, closed on Stop
	client    *slotpipe.Client
}

func New(config Config) (app *App, err error) {
	app = &App{}

	// === cluster config ===
	clusterConfig := config.Cluster
	if clusterConfig.Nodes <= 0 {
		clusterConfig.Nodes = 3
	}
	if clusterConfig.Backend == nil {
		app.mem, err = createMemCluster(clusterConfig.Nodes)
		if err != nil {
			return nil, err
		}
		clusterConfig.Backend = app.mem
	}
	app.backend = clusterConfig.Backend

	// === logger ===
	if config.Log == nil {
		config.Log = slog.Default()
	}
	app.log = config.Log.With(slog.String("component", "app"))

	// === context ===
	if config.Context == nil {
		config.Context = context.Background()
	}
	app.ctx, app.cancelCtx = context.WithCancel(config.Context)

	// === create client ===

	app.client, err = slotpipe.NewClient(slotpipe.ClientOptions{
		Backend: clusterConfig.Backend,
		Log:     config.Log,
		Metrics: config.Metrics,
		Seed:    clusterConfig.Seed,
	})
	if err != nil {
		return nil, err
	}

	return app, nil
}

func (a *App) Client() *slotpipe.Client  { return a.client }
func (a *App) Backend() slotpipe.Backend { return a.backend }

// Run loads the shard table ahead of the first call. A load failure is
// logged, not fatal; the client retries lazily.
func (a *App) Run() (err error) {
	snap, err := a.client.Topology().Refresh(a.ctx)
	if err != nil {
		a.log.Warn("initial topology load failed", slog.Any("error", err))
		snap = a.client.Topology().Current()
	}

	a.log.Info("app started",
		slog.Int("nodes", len(snap.Nodes())),
		slog.Int("slots_covered", snap.Covered()),
	)

	return nil
}

// Stop cancels the app context and closes the owned in-memory cluster,
// if any. A backend passed in via config stays open. Safe to call twice.
func (a *App) Stop() {
	a.cancelCtx()
	if a.mem != nil {
		if err := a.mem.Close(); err != nil {
			a.log.Error("closing cluster failed", slog.Any("error", err))
		}
	}
}

func Run(config Config) (app *App, err error) {
	app, err = New(config)
	if err != nil {
		return nil, err
	}

	err = app.Run()
	if err != nil {
		return nil, err
	}

	return app, nil
}

// createMemCluster spreads the slot space evenly over numNodes fresh
// nodes. IDs are generated; use ClusterConfig.Backend for named nodes.
func createMemCluster(numNodes int) (*slotpipe.MemCluster, error) {
	mc := slotpipe.NewMemCluster()

	width := slot.Count / numNodes
	for i := 0; i < numNodes; i++ {
		id := fmt.Sprintf("node-%s", gonanoid.Must(6))
		if err := mc.AddNode(id); err != nil {
			return nil, err
		}

		start := uint16(i * width)
		end := uint16((i+1)*width - 1)
		if i == numNodes-1 {
			end = slot.Count - 1
		}
		if err := mc.AssignSlots(id, topology.Span{Start: start, End: end}); err != nil {
			return nil, err
		}
	}
	return mc, nil
}
