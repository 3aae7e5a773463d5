package sf

import "golang.org/x/sync/singleflight"

// Group deduplicates concurrent calls that share a key. Only the first
// caller executes fn; the rest block and receive the same result.
type Group[T any] struct {
	group singleflight.Group
}

// New creates a Group for results of type T.
func New[T any]() *Group[T] {
	return &Group[T]{}
}

// Do executes fn for key, deduplicating concurrent calls. If a call is
// already in flight for key, Do blocks until it completes and returns its
// result. shared reports whether the result was handed to more than one
// caller.
func (g *Group[T]) Do(key string, fn func() (T, error)) (v T, err error, shared bool) {
	out, err, shared := g.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err, shared
	}
	return out.(T), nil, shared
}
