package tracker

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"time"
)

const (
	udpMagicConstant  uint64 = 0x41727101980
	udpActionConnect  uint32 = 0
	udpActionAnnounce uint32 = 1
)

// UDPClient implements Client against the BEP 15 UDP tracker protocol: a
// Connect handshake that yields a connection id, followed by Announce
// requests that reuse it until the tracker rejects it.
type UDPClient struct {
	addr   string
	config Config

	mu           sync.Mutex
	conn         net.Conn
	connectionID uint64
	haveConn     bool
}

// NewUDPClient builds a UDP tracker client for the given "udp://host:port"
// announce URL.
func NewUDPClient(announceURL string, config Config) (*UDPClient, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: parsing udp announce url: %w", err)
	}
	return &UDPClient{addr: u.Host, config: config.applyDefaults()}, nil
}

func (c *UDPClient) dial() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := net.Dial("udp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("tracker: dialing %s: %w", c.addr, err)
	}
	c.conn = conn
	return conn, nil
}

// Announce connects (if needed) and performs one announce, per BEP 15.
func (c *UDPClient) Announce(params Params) (*AnnounceResult, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}

	if !c.hasConnection() {
		if err := c.connect(conn); err != nil {
			return nil, err
		}
	}

	connID := c.currentConnectionID()
	txnID := randomTransactionID()
	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txnID)
	copy(req[16:36], params.InfoHash.Bytes())
	copy(req[36:56], params.PeerID.Bytes())
	binary.BigEndian.PutUint64(req[56:64], uint64(params.Downloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(params.Left))
	binary.BigEndian.PutUint64(req[72:80], uint64(params.Uploaded))
	// BEP 15 numbers events as none=0, completed=1, started=2, stopped=3.
	var event uint32
	switch params.Event {
	case EventCompleted:
		event = 1
	case EventStarted:
		event = 2
	case EventStopped:
		event = 3
	}
	binary.BigEndian.PutUint32(req[80:84], event)
	binary.BigEndian.PutUint32(req[84:88], 0) // IP: let the tracker use the packet's source
	binary.BigEndian.PutUint32(req[88:92], params.Key)
	numwant := int32(-1)
	if params.NumWant > 0 {
		numwant = int32(params.NumWant)
	}
	binary.BigEndian.PutUint32(req[92:96], uint32(numwant))
	binary.BigEndian.PutUint16(req[96:98], uint16(params.Port))

	resp, err := c.roundTrip(conn, req)
	if err != nil {
		// A stale/expired connection id surfaces as a round-trip failure;
		// drop it so the next announce re-connects.
		c.clearConnection()
		return nil, fmt.Errorf("tracker: udp announce: %w", err)
	}
	if len(resp) < 20 {
		return nil, fmt.Errorf("tracker: udp announce response too short: %d bytes", len(resp))
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	gotTxnID := binary.BigEndian.Uint32(resp[4:8])
	if action != udpActionAnnounce || gotTxnID != txnID {
		return nil, fmt.Errorf("tracker: udp announce response mismatch (action=%d txn=%d, want txn=%d)", action, gotTxnID, txnID)
	}

	interval := binary.BigEndian.Uint32(resp[8:12])
	leechers := binary.BigEndian.Uint32(resp[12:16])
	seeders := binary.BigEndian.Uint32(resp[16:20])
	peers, err := ParseCompactPeers(resp[20:])
	if err != nil {
		return nil, fmt.Errorf("tracker: udp announce: %w", err)
	}

	return &AnnounceResult{
		Interval: int(interval),
		Leechers: int(leechers),
		Seeders:  int(seeders),
		Peers:    peers,
	}, nil
}

func (c *UDPClient) connect(conn net.Conn) error {
	txnID := randomTransactionID()
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpMagicConstant)
	binary.BigEndian.PutUint32(req[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(req[12:16], txnID)

	resp, err := c.roundTrip(conn, req)
	if err != nil {
		return fmt.Errorf("tracker: udp connect: %w", err)
	}
	if len(resp) < 16 {
		return fmt.Errorf("tracker: udp connect response too short: %d bytes", len(resp))
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	gotTxnID := binary.BigEndian.Uint32(resp[4:8])
	if action != udpActionConnect || gotTxnID != txnID {
		return fmt.Errorf("tracker: udp connect response mismatch (action=%d txn=%d, want txn=%d)", action, gotTxnID, txnID)
	}
	connID := binary.BigEndian.Uint64(resp[8:16])

	c.mu.Lock()
	c.connectionID = connID
	c.haveConn = true
	c.mu.Unlock()
	return nil
}

// roundTrip sends req and waits for a reply, retrying with the documented
// 15*2^n second backoff (n = 0..UDPMaxRetries) per BEP 15 / spec.md §4.5.
func (c *UDPClient) roundTrip(conn net.Conn, req []byte) ([]byte, error) {
	buf := make([]byte, 2048)
	for n := 0; n <= c.config.UDPMaxRetries; n++ {
		if _, err := conn.Write(req); err != nil {
			return nil, fmt.Errorf("sending request: %w", err)
		}
		timeout := c.config.UDPBaseTimeout * time.Duration(1<<uint(n))
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("setting read deadline: %w", err)
		}
		size, err := conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, err
		}
		return append([]byte(nil), buf[:size]...), nil
	}
	return nil, fmt.Errorf("exhausted %d retries", c.config.UDPMaxRetries+1)
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (c *UDPClient) hasConnection() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.haveConn
}

func (c *UDPClient) currentConnectionID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

func (c *UDPClient) clearConnection() {
	c.mu.Lock()
	c.haveConn = false
	c.mu.Unlock()
}

func randomTransactionID() uint32 {
	return rand.Uint32()
}

// Close closes the underlying UDP socket.
func (c *UDPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
