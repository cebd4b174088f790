package metainfo

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// InfoHash is the 20-byte SHA-1 digest of a torrent's bencoded info
// dictionary. It identifies the torrent to trackers and peers.
type InfoHash [20]byte

// Bytes returns the raw 20 bytes of the hash.
func (h InfoHash) Bytes() []byte {
	return h[:]
}

// String returns the hash in hexadecimal notation.
func (h InfoHash) String() string {
	return hex.EncodeToString(h[:])
}

// NewInfoHashFromBytes computes the InfoHash of b (e.g. a bencoded info
// dictionary). To wrap an already-computed 20-byte hash received over the
// wire, use InfoHashFromRawBytes instead.
func NewInfoHashFromBytes(b []byte) InfoHash {
	var h InfoHash
	sum := sha1.Sum(b)
	copy(h[:], sum[:])
	return h
}

// InfoHashFromRawBytes wraps a 20-byte hash received over the wire, such as
// the info_hash field of a handshake or tracker request.
func InfoHashFromRawBytes(b []byte) (InfoHash, error) {
	var h InfoHash
	if len(b) != 20 {
		return h, fmt.Errorf("metainfo: info hash must be 20 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// NewInfoHashFromHex parses a hex-encoded InfoHash.
func NewInfoHashFromHex(s string) (InfoHash, error) {
	var h InfoHash
	if len(s) != 40 {
		return h, fmt.Errorf("metainfo: info hash hex string has bad length: %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}
