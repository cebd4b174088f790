package peer

import (
	"fmt"
	"io"

	"github.com/go-leech/leech/metainfo"
)

const protocolName = "BitTorrent protocol"

// HandshakeLength is the fixed size of a handshake message.
const HandshakeLength = 1 + len(protocolName) + 8 + 20 + 20

// WriteHandshake writes the fixed 68-byte handshake.
func WriteHandshake(w io.Writer, infoHash metainfo.InfoHash, peerID metainfo.PeerID) error {
	buf := make([]byte, 0, HandshakeLength)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, make([]byte, 8)...)
	buf = append(buf, infoHash.Bytes()...)
	buf = append(buf, peerID.Bytes()...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a 68-byte handshake, returning the
// remote peer's asserted info hash and peer id. The caller is responsible
// for comparing the info hash against its own.
func ReadHandshake(r io.Reader) (infoHash metainfo.InfoHash, peerID metainfo.PeerID, err error) {
	buf := make([]byte, HandshakeLength)
	if _, err = io.ReadFull(r, buf); err != nil {
		return infoHash, peerID, fmt.Errorf("peer: read handshake: %w", err)
	}
	pstrlen := int(buf[0])
	if pstrlen != len(protocolName) || string(buf[1:1+pstrlen]) != protocolName {
		return infoHash, peerID, fmt.Errorf("peer: unrecognized protocol identifier")
	}
	infoHash, err = metainfo.InfoHashFromRawBytes(buf[28:48])
	if err != nil {
		return infoHash, peerID, err
	}
	peerID, err = metainfo.PeerIDFromBytes(buf[48:68])
	if err != nil {
		return infoHash, peerID, err
	}
	return infoHash, peerID, nil
}
