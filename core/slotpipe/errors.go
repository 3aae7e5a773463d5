package slotpipe

import (
	"errors"
	"strings"
)

var (
	// Routing errors
	ErrUnknownNode = errors.New("unknown node")

	// Lifecycle errors
	ErrClosed = errors.New("cluster closed")
)

// staleMarkers are store-side error prefixes that mean the routing table,
// not the node, is the problem.
var staleMarkers = []string{"CLUSTERDOWN", "TRYAGAIN", "LOADING"}

// staleSymptom reports whether a batch-level failure points at stale
// routing rather than a hard transport fault. Stale routing is worth one
// topology refresh and a full re-execution; anything else is surfaced.
func staleSymptom(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknownNode) {
		return true
	}
	msg := err.Error()
	for _, m := range staleMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
