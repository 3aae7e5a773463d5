package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/codewandler/slotpipe-go/ports/kv"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrNotInteger     = errors.New("value is not an integer or out of range")
)

// Handler executes one command against a node-local store.
type Handler func(ctx context.Context, s kv.Store, cmd Command) (any, error)

// Registry maps operation names to handlers. Names are case-insensitive.
// Handlers themselves run unsynchronized; the node executing a batch is
// expected to serialize the commands it runs.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds name to h, replacing any previous binding.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[strings.ToUpper(name)] = h
}

// Names returns the sorted registered operation names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Dispatch looks up cmd.Name and runs its handler. An unregistered name
// yields an error wrapping [ErrUnknownCommand]; it is returned, not
// panicked, so callers can surface it as the command's own outcome.
func (r *Registry) Dispatch(ctx context.Context, s kv.Store, cmd Command) (any, error) {
	h, ok := r.handlers[strings.ToUpper(cmd.Name)]
	if !ok {
		return nil, fmt.Errorf("%w '%s'", ErrUnknownCommand, strings.ToLower(cmd.Name))
	}
	return h(ctx, s, cmd)
}

// Default returns a registry with the built-in string command set.
func Default() *Registry {
	r := NewRegistry()
	r.Register("PING", pingCmd)
	r.Register("ECHO", echoCmd)
	r.Register("GET", getCmd)
	r.Register("SET", setCmd)
	r.Register("DEL", delCmd)
	r.Register("EXISTS", existsCmd)
	r.Register("INCR", incrCmd)
	r.Register("DECR", decrCmd)
	r.Register("APPEND", appendCmd)
	r.Register("STRLEN", strlenCmd)
	return r
}

func wrongArgs(name string) error {
	return fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(name))
}

func pingCmd(_ context.Context, _ kv.Store, _ Command) (any, error) {
	return "PONG", nil
}

func echoCmd(_ context.Context, _ kv.Store, cmd Command) (any, error) {
	if len(cmd.Args) > 0 {
		return cmd.Args[0], nil
	}
	return cmd.Key, nil
}

func getCmd(ctx context.Context, s kv.Store, cmd Command) (any, error) {
	v, err := s.Get(ctx, cmd.Key)
	if errors.Is(err, kv.ErrNotFound) {
		// missing key is a nil reply, not an error
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func setCmd(ctx context.Context, s kv.Store, cmd Command) (any, error) {
	if len(cmd.Args) != 1 {
		return nil, wrongArgs(cmd.Name)
	}
	if err := s.Set(ctx, cmd.Key, cmd.Args[0]); err != nil {
		return nil, err
	}
	return "OK", nil
}

func delCmd(ctx context.Context, s kv.Store, cmd Command) (any, error) {
	existed, err := s.Delete(ctx, cmd.Key)
	if err != nil {
		return nil, err
	}
	if existed {
		return int64(1), nil
	}
	return int64(0), nil
}

func existsCmd(ctx context.Context, s kv.Store, cmd Command) (any, error) {
	_, err := s.Get(ctx, cmd.Key)
	if errors.Is(err, kv.ErrNotFound) {
		return int64(0), nil
	}
	if err != nil {
		return nil, err
	}
	return int64(1), nil
}

func incrCmd(ctx context.Context, s kv.Store, cmd Command) (any, error) {
	return incrBy(ctx, s, cmd.Key, 1)
}

func decrCmd(ctx context.Context, s kv.Store, cmd Command) (any, error) {
	return incrBy(ctx, s, cmd.Key, -1)
}

func incrBy(ctx context.Context, s kv.Store, key string, delta int64) (any, error) {
	cur := int64(0)
	v, err := s.Get(ctx, key)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		// absent counts as 0
	case err != nil:
		return nil, err
	default:
		cur, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, ErrNotInteger
		}
	}
	cur += delta
	if err := s.Set(ctx, key, strconv.FormatInt(cur, 10)); err != nil {
		return nil, err
	}
	return cur, nil
}

func appendCmd(ctx context.Context, s kv.Store, cmd Command) (any, error) {
	if len(cmd.Args) != 1 {
		return nil, wrongArgs(cmd.Name)
	}
	v, err := s.Get(ctx, cmd.Key)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}
	v += cmd.Args[0]
	if err := s.Set(ctx, cmd.Key, v); err != nil {
		return nil, err
	}
	return int64(len(v)), nil
}

func strlenCmd(ctx context.Context, s kv.Store, cmd Command) (any, error) {
	v, err := s.Get(ctx, cmd.Key)
	if errors.Is(err, kv.ErrNotFound) {
		return int64(0), nil
	}
	if err != nil {
		return nil, err
	}
	return int64(len(v)), nil
}
