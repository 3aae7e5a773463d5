package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/slotpipe-go/core/topology"
)

// tableKey is the single key holding the cluster's ownership report.
const tableKey = "shards"

// shardTable is the control plane: the ownership report lives as one
// JSON document in a JetStream KV bucket. Nodes watch it to answer
// redirects, clients read it to route.
type shardTable struct {
	kv jetstream.KeyValue
}

func newShardTable(nc *natsgo.Conn, bucket string) (*shardTable, error) {
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	kv, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:   bucket,
		Storage:  jetstream.FileStorage,
		MaxBytes: 1024 * 1024,
	})
	if err != nil {
		return nil, err
	}

	return &shardTable{kv: kv}, nil
}

// Load returns the current report; a bucket without one yet reads as
// empty, not as an error.
func (t *shardTable) Load(ctx context.Context) ([]topology.Shard, error) {
	v, err := t.kv.Get(ctx, tableKey)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load shard table: %w", err)
	}

	var shards []topology.Shard
	if err := json.Unmarshal(v.Value(), &shards); err != nil {
		return nil, fmt.Errorf("decode shard table: %w", err)
	}
	return shards, nil
}

func (t *shardTable) Save(ctx context.Context, shards []topology.Shard) error {
	data, err := json.Marshal(shards)
	if err != nil {
		return err
	}
	if _, err := t.kv.Put(ctx, tableKey, data); err != nil {
		return fmt.Errorf("save shard table: %w", err)
	}
	return nil
}

// Watch streams report revisions, starting with the current one, until
// ctx ends.
func (t *shardTable) Watch(ctx context.Context) (<-chan []topology.Shard, error) {
	w, err := t.kv.Watch(ctx, tableKey)
	if err != nil {
		return nil, fmt.Errorf("watch shard table: %w", err)
	}

	out := make(chan []topology.Shard, 1)
	go func() {
		defer close(out)
		defer func() { _ = w.Stop() }()

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil || entry.Operation() != jetstream.KeyValuePut {
					// nil marks the end of the initial replay
					continue
				}
				var shards []topology.Shard
				if err := json.Unmarshal(entry.Value(), &shards); err != nil {
					continue
				}
				select {
				case out <- shards:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
