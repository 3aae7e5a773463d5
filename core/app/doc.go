// Package app provides a high-level API for building applications on a
// slot-sharded cluster.
//
// The App type wires a [slotpipe.Client] over a [slotpipe.Backend],
// loading the shard table on start and tearing everything down on Stop.
// With no backend configured it runs a self-contained in-memory cluster,
// which makes demos and tests one call away from a working pipeline.
//
// # Basic Usage
//
//	app, err := app.Run(app.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Stop()
//
//	results, err := app.Client().Do(ctx, []command.Command{
//	    {Name: "SET", Key: "user:1", Args: []string{"alice"}},
//	    {Name: "GET", Key: "user:1"},
//	})
//
// # Real Clusters
//
// For a deployment, pass the backend in and the app leaves its lifecycle
// alone:
//
//	app.Config{
//	    Cluster: app.ClusterConfig{
//	        Backend: natsCluster,
//	    },
//	    Metrics: prom.NewPipelineMetrics(registry),
//	}
package app
