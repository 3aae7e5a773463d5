package slotpipe

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/codewandler/slotpipe-go/core/slot"
)

type RedirectKind string

const (
	RedirectMoved RedirectKind = "MOVED"
	RedirectAsk   RedirectKind = "ASK"
)

// RedirectError is the routing signal a node returns for a command whose
// slot it does not serve: the slot moved for good (MOVED) or is mid
// migration (ASK). It names the node to go to instead.
type RedirectError struct {
	Kind RedirectKind
	Slot uint16
	Node string
}

// Error renders the store's wire shape, e.g. "MOVED 3999 node-b".
func (e *RedirectError) Error() string {
	return fmt.Sprintf("%s %d %s", e.Kind, e.Slot, e.Node)
}

// AsRedirect classifies a per-command error. Structured [RedirectError]
// values unwrap via errors.As; otherwise the message is parsed against the
// wire shape so redirects raised by foreign client stacks classify too.
// Anything else is not a redirect: application errors pass through to the
// caller untouched.
func AsRedirect(err error) (*RedirectError, bool) {
	if err == nil {
		return nil, false
	}
	var re *RedirectError
	if errors.As(err, &re) {
		return re, true
	}
	return parseRedirect(err.Error())
}

// parseRedirect matches "MOVED <slot> <node>" / "ASK <slot> <node>"
// exactly; a message merely mentioning MOVED somewhere does not classify.
func parseRedirect(msg string) (*RedirectError, bool) {
	fields := strings.Fields(msg)
	if len(fields) != 3 {
		return nil, false
	}

	kind := RedirectKind(fields[0])
	if kind != RedirectMoved && kind != RedirectAsk {
		return nil, false
	}

	sl, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil || sl >= slot.Count {
		return nil, false
	}

	if fields[2] == "" {
		return nil, false
	}

	return &RedirectError{Kind: kind, Slot: uint16(sl), Node: fields[2]}, true
}
