package tracker

import (
	"fmt"
	"net"

	"github.com/go-leech/leech/metainfo"
)

// Event is the announce event a client reports to a tracker.
type Event int

// Announce events per BEP 3.
const (
	EventNone Event = iota
	EventStarted
	EventCompleted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// Params is the set of announce parameters common to both tracker wire
// protocols, per spec.md §4.5.
type Params struct {
	InfoHash   metainfo.InfoHash
	PeerID     metainfo.PeerID
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
	Key        uint32
}

// PeerAddr is one peer handed out by a tracker: a compact IPv4 address and
// port, per spec.md's compact peer format.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

// String renders the peer as a dial-able "host:port" address.
func (p PeerAddr) String() string {
	return fmt.Sprintf("%s:%d", p.IP.String(), p.Port)
}

// ParseCompactPeers decodes a compact peer list: 6 bytes per peer, a 4-byte
// IPv4 address followed by a 2-byte big-endian port. Any length that is not
// a multiple of 6 is malformed.
func ParseCompactPeers(b []byte) ([]PeerAddr, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d is not a multiple of 6", len(b))
	}
	peers := make([]PeerAddr, 0, len(b)/6)
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := uint16(b[i+4])<<8 | uint16(b[i+5])
		peers = append(peers, PeerAddr{IP: ip, Port: port})
	}
	return peers, nil
}

// AnnounceResult is the parsed response to one announce.
type AnnounceResult struct {
	Interval int // seconds; 0 means the tracker did not specify one
	Leechers int
	Seeders  int
	Peers    []PeerAddr
}

// Client is the wire-protocol-specific half of a tracker: it knows how to
// encode one announce request and decode its response. HTTP and UDP each
// provide one implementation; the periodic-announce lifecycle built on top
// of Client lives in Tracker (loop.go), which is identical for both.
type Client interface {
	// Announce performs exactly one announce and returns the result.
	Announce(params Params) (*AnnounceResult, error)

	// Close releases the client's transport resources.
	Close() error
}
