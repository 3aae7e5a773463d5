// Package slot maps keys to hash slots.
//
// The keyspace is divided into a fixed number of slots ([Count]). A key's
// slot is the CRC-16/XMODEM checksum of its routable portion, modulo
// [Count]. The routable portion is normally the whole key, unless the key
// carries a hash tag (see [Tag]), in which case only the tag is hashed.
// This lets callers pin related keys to the same slot:
//
//	slot.ForKey("{user:1}:name") == slot.ForKey("{user:1}:email")
//
// The mapping is a pure function of the key. It never consults topology,
// so it stays valid across slot migrations.
package slot

import "strings"

// Count is the fixed number of hash slots the keyspace is divided into.
const Count = 16384

// ForKey returns the slot key hashes to, in [0, Count).
// A key that is empty, or blank after trimming, routes to slot 0.
func ForKey(key string) uint16 {
	if strings.TrimSpace(key) == "" {
		return 0
	}
	return crc16(Tag(key)) % Count
}

// Tag returns the routable portion of key.
//
// If key contains a '{' followed by a '}' and the text between the first
// such pair is non-empty, that text is the tag. Otherwise the whole key is
// returned. Only the first '{' is considered:
//
//	"{user:1}:name" -> "user:1"
//	"foo{}bar"      -> "foo{}bar"   (empty tag ignored)
//	"foo{bar"       -> "foo{bar"    (unterminated)
//	"{{a}}"         -> "{a"
func Tag(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] != '{' {
			continue
		}
		for j := i + 1; j < len(key); j++ {
			if key[j] == '}' {
				if j == i+1 {
					return key // "{}" routes on the whole key
				}
				return key[i+1 : j]
			}
		}
		return key
	}
	return key
}

// CRC-16/XMODEM: poly 0x1021, zero init, no reflection, no final xor.
var crcTable = makeTable(0x1021)

func makeTable(poly uint16) [256]uint16 {
	var t [256]uint16
	for i := range t {
		crc := uint16(i) << 8
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}

func crc16(s string) uint16 {
	var crc uint16
	for i := 0; i < len(s); i++ {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^s[i]]
	}
	return crc
}
