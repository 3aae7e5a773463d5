// Package slotpipe batches key-addressed commands across a slot-sharded
// store cluster.
//
// A caller submits many independent commands as one logical call. The
// store forbids pipelining to more than one node at a time, so the client
// resolves each key's owning node, batches same-node commands into one
// pipelined round trip per node, runs those round trips concurrently, and
// reassembles the answers in the caller's original order. Topology changes
// between batching and execution surface as redirect signals; affected
// commands are retried individually while everything else stands.
//
// # Architecture
//
//   - [Client]: orchestrates one batching+execution+retry cycle per call
//   - [Backend]: the pre-existing cluster client that owns connections,
//     executes batches against single nodes, and reports slot ownership
//   - [topology.Cache]: the slot-to-node table, replaced wholesale on refresh
//
// # Routing
//
// Keys map to slots via CRC-16 hashing (see the slot package); slots map
// to nodes via the topology snapshot. A key whose slot has no known owner
// is still attempted: it is routed to a rendezvous-hashed stand-in node
// (or submitted singly when no nodes are known at all) and the store's
// redirect machinery corrects the guess.
//
// # Client Usage
//
//	client, err := slotpipe.NewClient(slotpipe.ClientOptions{
//	    Backend: backend,
//	})
//
//	results, err := client.Do(ctx, []command.Command{
//	    command.New("SET", "user:1", "alice"),
//	    command.New("GET", "user:1"),
//	})
//
// results is dense and input-ordered: results[i] always answers
// commands[i], wherever it executed.
//
// # Recovery
//
// Two recovery paths are absorbed internally:
//
//   - A per-command [RedirectError] (MOVED/ASK) is never surfaced; the
//     command is re-issued singly via [Backend.SubmitSingle], which follows
//     the redirect to the corrected node.
//   - A batch-level failure that looks like stale routing (see
//     [ErrUnknownNode]) triggers one topology refresh and one full
//     re-execution of the whole call.
//
// Application-level command errors pass through untouched as that
// command's result. Transport failures fail the whole call; no partial
// result is returned.
//
// # Backends
//
// [MemCluster] is a self-contained in-memory cluster for tests and
// examples. The adapters/goredis package binds a real sharded store; the
// adapters/nats package runs store nodes over NATS.
package slotpipe
