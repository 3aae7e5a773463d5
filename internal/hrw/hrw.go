// Package hrw picks nodes by Highest Random Weight (rendezvous) hashing.
// It is used to choose a stand-in owner for slots the topology snapshot
// does not cover: every caller with the same node set picks the same node,
// without any coordination.
package hrw

import (
	"encoding/binary"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// Pick returns the node with the highest rendezvous score for slot.
// seed is optional (e.g. a cluster ID) to avoid cross-cluster collisions.
// ok is false if nodes is empty.
func Pick(slot uint16, nodes []string, seed string) (best string, ok bool) {
	if len(nodes) == 0 {
		return "", false
	}

	key := []byte("slot:" + strconv.Itoa(int(slot)))

	var bestScore uint64
	for _, n := range nodes {
		s := score64(key, n, seed)
		if !ok || s > bestScore || (s == bestScore && n < best) {
			best, bestScore, ok = n, s, true
		}
	}
	return best, true
}

func score64(key []byte, nodeID string, seed string) uint64 {
	// 8-byte digest => uint64 score
	h, _ := blake2b.New(8, nil)

	if seed != "" {
		h.Write([]byte(seed))
		h.Write([]byte{0})
	}

	h.Write(key)
	h.Write([]byte{0})
	h.Write([]byte(nodeID))

	return binary.BigEndian.Uint64(h.Sum(nil))
}
