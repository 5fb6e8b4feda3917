// Package identifier implements the 160-bit identifier algebra shared by
// every DHT node and key in kadshare: generation, XOR distance, bucket
// index, and distance-based sorting. The package is pure — no I/O, no
// locking — so it can be reused unmodified by routing, kademlia, and store.
package identifier

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sort"
)

// Size is the width of the Kademlia ID space in bytes (160 bits).
const Size = 20

// ID is a 160-bit node or key identifier.
type ID [Size]byte

// Generate returns a uniformly random ID, suitable for a node's own id or
// for a refresh-target lookup key.
func Generate() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, err
	}
	return id, nil
}

// FromBytes copies b into an ID. b must be exactly Size bytes.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, errors.New("identifier: wrong byte length")
	}
	copy(id[:], b)
	return id, nil
}

// FromHex parses a hex-encoded ID.
func FromHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, err
	}
	return FromBytes(b)
}

// String returns the hex encoding of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a copy of the ID's raw bytes.
func (id ID) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, id[:])
	return b
}

// Equal reports whether two IDs are identical.
func (id ID) Equal(other ID) bool {
	return id == other
}

// Distance computes the Kademlia XOR metric between two IDs.
func Distance(a, b ID) ID {
	var d ID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether distance d1 is lexicographically smaller than d2.
// XOR distances compare correctly as big-endian unsigned integers, so
// byte-by-byte lexicographic comparison from the most significant byte
// is the correct ordering.
func Less(d1, d2 ID) bool {
	for i := 0; i < Size; i++ {
		if d1[i] != d2[i] {
			return d1[i] < d2[i]
		}
	}
	return false
}

// BucketIndex returns the k-bucket index that other belongs to in self's
// routing table: 159 minus the position of the highest set bit of
// xor(self, other). Returns -1 when self == other (caller ignores self).
func BucketIndex(self, other ID) int {
	d := Distance(self, other)
	bit := highestSetBit(d)
	if bit < 0 {
		return -1
	}
	return 159 - bit
}

// highestSetBit returns the 0-indexed bit position (0 = least significant
// bit of the last byte, 159 = most significant bit of the first byte) of
// the highest set bit in d, or -1 if d is all zero.
func highestSetBit(d ID) int {
	for i := 0; i < Size; i++ {
		if d[i] == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if d[i]&(1<<uint(bit)) != 0 {
				// Byte i holds bits [ (Size-1-i)*8 .. (Size-1-i)*8+7 ],
				// least significant byte last; convert to a 0..159 index
				// counted from the least significant bit of the ID.
				byteFromEnd := Size - 1 - i
				return byteFromEnd*8 + bit
			}
		}
	}
	return -1
}

// SortByDistance sorts ids in place by ascending XOR distance to target.
// The sort is stable so that ties (equal distance, which only occurs for
// equal ids) resolve deterministically by original position.
func SortByDistance(ids []ID, target ID) {
	sort.SliceStable(ids, func(i, j int) bool {
		return Less(Distance(ids[i], target), Distance(ids[j], target))
	})
}

// RefreshTarget returns a random ID that falls in bucket index bucket of
// self's routing table: self XOR (a random value whose highest set bit is
// at position 159-bucket). Used by the maintenance loop to pick a lookup
// target for an empty bucket.
func RefreshTarget(self ID, bucket int) (ID, error) {
	if bucket < 0 || bucket > 159 {
		return ID{}, errors.New("identifier: bucket index out of range")
	}
	var d ID
	if _, err := rand.Read(d[:]); err != nil {
		return ID{}, err
	}
	bitFromEnd := 159 - bucket
	byteIdx := Size - 1 - bitFromEnd/8
	bitIdx := uint(bitFromEnd % 8)

	// Force the target bit on and clear every higher bit so the highest
	// set bit of the distance is exactly at bitFromEnd.
	d[byteIdx] |= 1 << bitIdx
	for b := bitIdx + 1; b < 8; b++ {
		d[byteIdx] &^= 1 << b
	}
	for i := 0; i < byteIdx; i++ {
		d[i] = 0
	}

	return Distance(self, d), nil
}
