package metainfo

import (
	"encoding/hex"
	"fmt"
	"math/rand"
)

// PeerID is the 20-byte identifier a peer presents during the handshake
// and an announcing client presents to a tracker.
type PeerID [20]byte

// String returns the PeerID in hexadecimal notation.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// Bytes returns the raw 20 bytes.
func (p PeerID) Bytes() []byte {
	return p[:]
}

// RandomPeerID generates a peer id using the "-GT0001-" Azureus-style prefix
// followed by 12 random ASCII digits. math/rand is sufficient here -- a peer
// id is a fixed-format wire identifier, not a value requiring
// collision-resistance guarantees across untrusted parties.
func RandomPeerID() PeerID {
	const prefix = "-GT0001-"
	var p PeerID
	copy(p[:], prefix)
	for i := len(prefix); i < len(p); i++ {
		p[i] = byte('0' + rand.Intn(10))
	}
	return p
}

// PeerIDFromBytes validates and wraps a 20-byte slice received over the wire.
func PeerIDFromBytes(b []byte) (PeerID, error) {
	var p PeerID
	if len(b) != 20 {
		return p, fmt.Errorf("metainfo: peer id must be 20 bytes, got %d", len(b))
	}
	copy(p[:], b)
	return p, nil
}
