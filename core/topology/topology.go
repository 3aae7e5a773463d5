// Package topology tracks which node owns which hash slots.
//
// Ownership is reported shard by shard: each [Shard] names a node and the
// slot spans it owns. A [Snapshot] flattens those reports into a sorted
// range table for slot lookups. Snapshots are immutable; the [Cache] swaps
// complete snapshots atomically so readers never observe a partial table.
package topology

import (
	"fmt"
	"sort"
	"strings"

	"github.com/codewandler/slotpipe-go/core/slot"
)

// Span is an inclusive range of hash slots.
type Span struct {
	Start uint16 `json:"start"`
	End   uint16 `json:"end"`
}

// Shard is one entry of an ownership report: an owning node and the slot
// spans it holds. A shard may hold several disjoint spans.
type Shard struct {
	Node  string `json:"node"`
	Spans []Span `json:"spans"`
}

// SlotRange assigns one contiguous span of slots to its owning node.
type SlotRange struct {
	Node  string `json:"node"`
	Start uint16 `json:"start"`
	End   uint16 `json:"end"`
}

// Snapshot is an immutable slot ownership table. The zero value is an empty
// snapshot that owns nothing.
type Snapshot struct {
	ranges []SlotRange
	nodes  []string
}

// NewSnapshot flattens shard reports into a snapshot. Spans must be within
// the slot space and ordered (Start <= End); a shard must name its node.
// Under a consistent report the flattened ranges do not overlap; overlaps
// are not rejected, the lowest matching range wins on lookup.
func NewSnapshot(shards []Shard) (*Snapshot, error) {
	var (
		ranges []SlotRange
		nodes  []string
		seen   = map[string]bool{}
	)

	for _, sh := range shards {
		if sh.Node == "" {
			return nil, fmt.Errorf("topology: shard with %d span(s) has no node", len(sh.Spans))
		}
		if !seen[sh.Node] {
			seen[sh.Node] = true
			nodes = append(nodes, sh.Node)
		}
		for _, sp := range sh.Spans {
			if sp.Start > sp.End {
				return nil, fmt.Errorf("topology: node %s: inverted span %d-%d", sh.Node, sp.Start, sp.End)
			}
			if sp.End >= slot.Count {
				return nil, fmt.Errorf("topology: node %s: span %d-%d exceeds slot space", sh.Node, sp.Start, sp.End)
			}
			ranges = append(ranges, SlotRange{Node: sh.Node, Start: sp.Start, End: sp.End})
		}
	}

	sort.Slice(ranges, func(a, b int) bool {
		if ranges[a].Start != ranges[b].Start {
			return ranges[a].Start < ranges[b].Start
		}
		return ranges[a].End < ranges[b].End
	})
	sort.Strings(nodes)

	return &Snapshot{ranges: ranges, nodes: nodes}, nil
}

// OwnerOf returns the node owning sl. ok is false when no range covers the
// slot; callers are expected to fall back to best-effort routing then.
func (s *Snapshot) OwnerOf(sl uint16) (node string, ok bool) {
	if s == nil || len(s.ranges) == 0 {
		return "", false
	}
	// first range ending at or after sl
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End >= sl })
	if i == len(s.ranges) || s.ranges[i].Start > sl {
		return "", false
	}
	return s.ranges[i].Node, true
}

// Ranges returns the flattened table, sorted by start slot. Callers must
// not modify it.
func (s *Snapshot) Ranges() []SlotRange {
	if s == nil {
		return nil
	}
	return s.ranges
}

// Nodes returns the sorted set of nodes appearing in the snapshot. Callers
// must not modify it.
func (s *Snapshot) Nodes() []string {
	if s == nil {
		return nil
	}
	return s.nodes
}

// Empty reports whether the snapshot covers no slots at all.
func (s *Snapshot) Empty() bool {
	return s == nil || len(s.ranges) == 0
}

// Covered returns how many slots the snapshot assigns an owner. At most
// [slot.Count] under a consistent (overlap-free) topology.
func (s *Snapshot) Covered() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, r := range s.ranges {
		n += int(r.End-r.Start) + 1
	}
	return n
}

func (s *Snapshot) String() string {
	if s.Empty() {
		return "topology(empty)"
	}
	parts := make([]string, len(s.ranges))
	for i, r := range s.ranges {
		parts[i] = fmt.Sprintf("%d-%d=%s", r.Start, r.End, r.Node)
	}
	return "topology(" + strings.Join(parts, " ") + ")"
}
