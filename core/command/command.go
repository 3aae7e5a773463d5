// Package command defines the operations the pipeline layer routes, and a
// registry executing them against a node-local store.
package command

// Command is one operation addressed to the store. Key is the routing key;
// it decides which node the command is sent to. Commands are immutable
// once submitted.
type Command struct {
	Name string   `json:"name"`
	Key  string   `json:"key,omitempty"`
	Args []string `json:"args,omitempty"`
}

// New builds a command. An empty key routes to slot 0.
func New(name, key string, args ...string) Command {
	return Command{Name: name, Key: key, Args: args}
}

// Result is the outcome of one command: a value or an error, never both.
// A nil Value with a nil Err is a valid outcome (e.g. a missing key).
type Result struct {
	Value any
	Err   error
}

// Ok wraps a successful value.
func Ok(v any) Result {
	return Result{Value: v}
}

// Fail wraps a per-command error.
func Fail(err error) Result {
	return Result{Err: err}
}
