package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-yaml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codewandler/slotpipe-go/adapters/api"
	"github.com/codewandler/slotpipe-go/adapters/nats"
	promadapter "github.com/codewandler/slotpipe-go/adapters/prometheus"
	"github.com/codewandler/slotpipe-go/core/app"
	"github.com/codewandler/slotpipe-go/core/command"
	"github.com/codewandler/slotpipe-go/core/slot"
	"github.com/codewandler/slotpipe-go/core/slotpipe"
	"github.com/codewandler/slotpipe-go/core/topology"
)

// === Config ===

// NOTE: run nats: docker run --net=host nats:latest -js

// Config is the load scenario. Defaults come from the environment, a
// YAML file (CONFIG, default loadtest.yaml) overrides them.
type Config struct {
	Backend      string `yaml:"backend"`        // mem | nats
	Nodes        int    `yaml:"nodes"`          // store nodes
	SlotsPerNode int    `yaml:"slots_per_node"` // mem only: span width per node, 0 = even full coverage
	Pipelines    int    `yaml:"pipelines"`      // pipelines to submit
	BatchSize    int    `yaml:"batch_size"`     // commands per pipeline
	Workers      int    `yaml:"workers"`        // concurrent submitters
	Keys         int    `yaml:"keys"`           // key space size
	SetPct       int    `yaml:"set_pct"`        // % of SET commands
	GetPct       int    `yaml:"get_pct"`        // % of GET commands, the rest is INCR
	MigrateSec   int    `yaml:"migrate_sec"`    // mem only: reshard a random span this often, 0 = off
	NatsURL      string `yaml:"nats_url"`
	DebugAddr    string `yaml:"debug_addr"`     // "" = no debug endpoint
	TimeoutSec   int    `yaml:"timeout_sec"`
}

func defaultConfig() Config {
	return Config{
		Backend:      getEnv("BACKEND", "mem"),
		Nodes:        getEnvInt("NODES", 3),
		SlotsPerNode: getEnvInt("SLOTS_PER_NODE", 0),
		Pipelines:    getEnvInt("N", 10_000),
		BatchSize:    getEnvInt("B", 50),
		Workers:      getEnvInt("W", 8),
		Keys:         getEnvInt("KEYS", 10_000),
		SetPct:       getEnvInt("SET_PCT", 40),
		GetPct:       getEnvInt("GET_PCT", 40),
		MigrateSec:   getEnvInt("MIGRATE", 0),
		NatsURL:      getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		DebugAddr:    getEnv("DEBUG_ADDR", ""),
		TimeoutSec:   getEnvInt("TIMEOUT", 120),
	}
}

func loadConfig(log *slog.Logger, path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info("config file not found, using defaults", slog.String("path", path))
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}

// === Main ===

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	cfg, err := loadConfig(log, getEnv("CONFIG", "loadtest.yaml"))
	checkErr(err)
	if cfg.SetPct < 0 || cfg.GetPct < 0 || cfg.SetPct+cfg.GetPct > 100 {
		checkErr(fmt.Errorf("set_pct %d + get_pct %d must stay within 0..100", cfg.SetPct, cfg.GetPct))
	}

	fmt.Printf("  backend: %s\n", cfg.Backend)
	fmt.Printf("    nodes: %d\n", cfg.Nodes)
	fmt.Printf("pipelines: %d x %d commands\n", cfg.Pipelines, cfg.BatchSize)
	fmt.Printf("  workers: %d\n", cfg.Workers)
	fmt.Printf("      mix: %d%% set / %d%% get / %d%% incr\n", cfg.SetPct, cfg.GetPct, 100-cfg.SetPct-cfg.GetPct)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.TimeoutSec)*time.Second)
	defer cancel()

	metrics := promadapter.NewPipelineMetrics(prometheus.DefaultRegisterer)

	// === backend ===

	var backend slotpipe.Backend
	if cfg.Backend == "nats" {
		natsBackend, cleanup, err := createNatsBackend(ctx, log, cfg)
		checkErr(err)
		defer cleanup()
		backend = natsBackend
	} else if cfg.SlotsPerNode > 0 {
		mc, err := partialCluster(cfg.Nodes, cfg.SlotsPerNode)
		checkErr(err)
		defer mc.Close()
		backend = mc
		fmt.Printf(" coverage: %d of %d slots\n", min(cfg.Nodes*cfg.SlotsPerNode, slot.Count), slot.Count)
	}

	a, err := app.Run(app.Config{
		Context: ctx,
		Log:     log,
		Cluster: app.ClusterConfig{Backend: backend, Nodes: cfg.Nodes},
		Metrics: metrics,
	})
	checkErr(err)
	defer a.Stop()

	// === debug server ===

	if cfg.DebugAddr != "" {
		apiSrv, err := api.NewServer(api.Options{Client: a.Client(), Log: log})
		checkErr(err)

		r := chi.NewRouter()
		r.Handle("/metrics", promhttp.Handler())
		r.Mount("/", apiSrv.Handler())
		go func() {
			log.Info("debug server starting", slog.String("addr", cfg.DebugAddr))
			if err := http.ListenAndServe(cfg.DebugAddr, r); err != nil {
				log.Error("debug server error", slog.Any("error", err))
			}
		}()
	}

	// === slot churn ===

	stopChurn := func() {}
	if cfg.MigrateSec > 0 {
		if mc, ok := a.Backend().(*slotpipe.MemCluster); ok {
			stopChurn = startChurn(ctx, log, mc, time.Duration(cfg.MigrateSec)*time.Second)
		} else {
			log.Warn("slot churn needs the mem backend, skipping", slog.String("backend", cfg.Backend))
		}
	}

	// === START ===

	log.Info("==================================")
	log.Info("starting ...")

	startAt := time.Now()

	var (
		wg      sync.WaitGroup
		done    atomic.Int64
		cmdErrs atomic.Int64
		errCh   = make(chan error, cfg.Workers)
	)

	stopReport := startReporter(cfg, &done)

	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w) + 1))

			for i := w; i < cfg.Pipelines; i += cfg.Workers {
				if ctx.Err() != nil {
					return
				}

				res, err := a.Client().Do(ctx, buildPipeline(rng, cfg))
				if err != nil {
					errCh <- fmt.Errorf("pipeline %d: %w", i, err)
					return
				}
				for _, r := range res {
					if r.Err != nil {
						cmdErrs.Add(1)
					}
				}
				done.Add(1)
			}
		}()
	}

	wg.Wait()
	stopChurn()
	stopReport()
	close(errCh)
	checkErr(<-errCh)

	// === stats ===

	println("")
	println("==========================================")

	took := time.Since(startAt)
	runtime.GC()

	commands := done.Load() * int64(cfg.BatchSize)
	fmt.Printf("total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("    pipelines: %d\n", done.Load())
	fmt.Printf("     commands: %d\n", commands)
	fmt.Printf("   cmd errors: %d\n", cmdErrs.Load())
	fmt.Printf(" avg. cmds/s : %d\n", int(float64(commands)/took.Seconds()))

	mu := getMemUsage()
	fmt.Printf(" final memory: %d MiB heap, %d MiB sys\n", mu.Alloc/1024/1024, mu.Sys/1024/1024)
}

// buildPipeline mixes writes, reads and counter bumps over the key space
// in the configured proportions.
func buildPipeline(rng *rand.Rand, cfg Config) []command.Command {
	cmds := make([]command.Command, cfg.BatchSize)
	for i := range cfg.BatchSize {
		switch roll := rng.Intn(100); {
		case roll < cfg.SetPct:
			key := fmt.Sprintf("key:%d", rng.Intn(cfg.Keys))
			cmds[i] = command.New("SET", key, fmt.Sprintf("value-%d", rng.Int()))
		case roll < cfg.SetPct+cfg.GetPct:
			key := fmt.Sprintf("key:%d", rng.Intn(cfg.Keys))
			cmds[i] = command.New("GET", key)
		default:
			cmds[i] = command.New("INCR", fmt.Sprintf("counter:%d", rng.Intn(cfg.Keys)))
		}
	}
	return cmds
}

// startChurn reshards while the workers run: every interval a random slot
// span lands on a random node, so MOVED redirects and cache refreshes show
// up under load instead of only in tests.
func startChurn(ctx context.Context, log *slog.Logger, mc *slotpipe.MemCluster, every time.Duration) (stop func()) {
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		tick := time.NewTicker(every)
		defer tick.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-tick.C:
				nodes := mc.Nodes()
				if len(nodes) == 0 {
					continue
				}
				to := nodes[rng.Intn(len(nodes))]
				start := uint16(rng.Intn(slot.Count))
				end := start + uint16(rng.Intn(512))
				if end >= slot.Count {
					end = slot.Count - 1
				}
				if err := mc.Migrate(start, end, to); err != nil {
					log.Warn("migration failed", slog.Any("error", err))
					continue
				}
				log.Info("span migrated",
					slog.Int("start", int(start)), slog.Int("end", int(end)), slog.String("to", to))
			}
		}
	}()

	return func() {
		close(stopCh)
		<-doneCh
	}
}

func startReporter(cfg Config, done *atomic.Int64) (stop func()) {
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		tick := time.NewTicker(2 * time.Second)
		defer tick.Stop()

		last, lastAt := int64(0), time.Now()
		for {
			select {
			case <-stopCh:
				return
			case <-tick.C:
				cur := done.Load()
				now := time.Now()
				rate := float64((cur-last)*int64(cfg.BatchSize)) / now.Sub(lastAt).Seconds()
				mu := getMemUsage()
				fmt.Printf(" | %8d pipelines | %8.0f cmds/s | (%d / %d) MiB mem (sys) |\n",
					cur, rate, mu.Alloc/1024/1024, mu.Sys/1024/1024)
				last, lastAt = cur, now
			}
		}
	}()

	return func() {
		close(stopCh)
		<-doneCh
	}
}

// === mem backend ===

// partialCluster gives every node a fixed span width instead of an even
// split. Coverage can stop short of the full slot space; commands
// hashing past the end then travel the fallback route.
func partialCluster(nodes, slotsPerNode int) (*slotpipe.MemCluster, error) {
	mc := slotpipe.NewMemCluster()
	for i := range nodes {
		id := fmt.Sprintf("node-%d", i)
		if err := mc.AddNode(id); err != nil {
			return nil, err
		}
		start := i * slotsPerNode
		if start >= slot.Count {
			continue
		}
		end := min(start+slotsPerNode-1, slot.Count-1)
		if err := mc.AssignSlots(id, topology.Span{Start: uint16(start), End: uint16(end)}); err != nil {
			return nil, err
		}
	}
	return mc, nil
}

// === NATS backend ===

// createNatsBackend publishes an even slot partition and runs the store
// nodes in-process, so a single external nats server is all it needs.
func createNatsBackend(ctx context.Context, log *slog.Logger, cfg Config) (*nats.Cluster, func(), error) {
	connect := nats.ConnectURL(cfg.NatsURL)

	cluster, err := nats.NewCluster(nats.ClusterOptions{Connect: connect, Log: log})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = cluster.Close() }

	shards := make([]topology.Shard, cfg.Nodes)
	width := slot.Count / cfg.Nodes
	for i := range cfg.Nodes {
		end := uint16((i+1)*width - 1)
		if i == cfg.Nodes-1 {
			end = slot.Count - 1
		}
		shards[i] = topology.Shard{
			Node:  fmt.Sprintf("node-%d", i),
			Spans: []topology.Span{{Start: uint16(i * width), End: end}},
		}
	}
	if err := cluster.PublishTopology(ctx, shards); err != nil {
		cleanup()
		return nil, nil, err
	}

	for i := range cfg.Nodes {
		node, err := nats.NewStoreNode(nats.NodeOptions{
			ID:      shards[i].Node,
			Connect: connect,
			Log:     log,
		})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		if err := node.Run(ctx); err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	return cluster, cleanup, nil
}

// === stats helpers ===

type MemUsage struct {
	Alloc uint64 // bytes allocated and not yet freed (heap)
	Sys   uint64 // total bytes obtained from OS
	NumGC uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{Alloc: m.Alloc, Sys: m.Sys, NumGC: m.NumGC}
}

func checkErr(err error) {
	if err != nil {
		panic(err)
	}
}
