// Package sf deduplicates concurrent function calls that share a key.
//
// Only one execution per key is in flight at a time: the first caller of
// [Group.Do] runs the function, later callers block and receive the same
// result. Once the call completes the key is released and the next Do runs
// the function again.
//
// The pipeline layer uses this to collapse topology refreshes: when many
// invocations hit stale routing at once, a single ownership query serves
// all of them.
//
//	g := sf.New[*topology.Snapshot]()
//
//	snap, err, _ := g.Do("refresh", func() (*topology.Snapshot, error) {
//	    return fetchTopology(ctx)
//	})
//
// The generic type parameter T allows type-safe results without casting.
package sf
