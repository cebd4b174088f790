package tracker

import (
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-leech/leech/bencode"
	"github.com/go-leech/leech/metainfo"
)

func testParams() Params {
	var ih metainfo.InfoHash
	var pid metainfo.PeerID
	for i := range ih {
		ih[i] = byte(i)
	}
	for i := range pid {
		pid[i] = byte(i + 1)
	}
	return Params{InfoHash: ih, PeerID: pid, Port: 6881, Left: 1000, NumWant: 50, Key: 42}
}

func TestParseCompactPeers(t *testing.T) {
	raw := []byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2}
	peers, err := ParseCompactPeers(raw)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "127.0.0.1", peers[0].IP.String())
	assert.Equal(t, uint16(0x1AE1), peers[0].Port)
	assert.Equal(t, "10.0.0.2", peers[1].IP.String())
}

func TestParseCompactPeersBadLength(t *testing.T) {
	_, err := ParseCompactPeers([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestHTTPClientCompactPeers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		d := bencode.NewDict()
		d.Set("interval", int64(1800))
		d.Set("complete", int64(5))
		d.Set("incomplete", int64(2))
		d.Set("peers", []byte{127, 0, 0, 1, 0x1A, 0xE1})
		body, err := bencode.Marshal(d)
		require.NoError(t, err)
		w.Write(body)
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, Config{})
	result, err := c.Announce(testParams())
	require.NoError(t, err)
	assert.Equal(t, 1800, result.Interval)
	assert.Equal(t, 5, result.Seeders)
	assert.Equal(t, 2, result.Leechers)
	require.Len(t, result.Peers, 1)
	assert.Equal(t, "127.0.0.1:6881", result.Peers[0].String())
}

func TestHTTPClientFailureReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := bencode.NewDict()
		d.Set("failure reason", "bad info_hash")
		body, _ := bencode.Marshal(d)
		w.Write(body)
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, Config{})
	_, err := c.Announce(testParams())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad info_hash")
}

// udpTestServer drops the first dropConnects connect packets, then answers
// every subsequent connect and announce with a valid response, mirroring
// spec.md §8 scenario 5.
type udpTestServer struct {
	conn         *net.UDPConn
	dropConnects int
	connectSeen  int
	connectionID uint64
}

func newUDPTestServer(t *testing.T, dropConnects int) *udpTestServer {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp", addr)
	require.NoError(t, err)
	return &udpTestServer{conn: conn, dropConnects: dropConnects, connectionID: 0xdeadbeefcafebabe}
}

func (s *udpTestServer) addr() string { return s.conn.LocalAddr().String() }

func (s *udpTestServer) close() { s.conn.Close() }

func (s *udpTestServer) serveOnce() {
	buf := make([]byte, 2048)
	n, from, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return
	}
	pkt := buf[:n]
	action := binary.BigEndian.Uint32(pkt[8:12])
	if action == udpActionConnect {
		s.connectSeen++
		if s.connectSeen <= s.dropConnects {
			return // simulate a dropped packet: no reply
		}
		txnID := binary.BigEndian.Uint32(pkt[12:16])
		resp := make([]byte, 16)
		binary.BigEndian.PutUint32(resp[0:4], udpActionConnect)
		binary.BigEndian.PutUint32(resp[4:8], txnID)
		binary.BigEndian.PutUint64(resp[8:16], s.connectionID)
		s.conn.WriteToUDP(resp, from)
		return
	}
	// announce
	txnID := binary.BigEndian.Uint32(pkt[12:16])
	resp := make([]byte, 26)
	binary.BigEndian.PutUint32(resp[0:4], udpActionAnnounce)
	binary.BigEndian.PutUint32(resp[4:8], txnID)
	binary.BigEndian.PutUint32(resp[8:12], 1800)
	binary.BigEndian.PutUint32(resp[12:16], 3)
	binary.BigEndian.PutUint32(resp[16:20], 7)
	copy(resp[20:26], []byte{192, 168, 0, 1, 0x1F, 0x90})
	s.conn.WriteToUDP(resp, from)
}

func TestUDPClientConnectRetryBackoff(t *testing.T) {
	srv := newUDPTestServer(t, 3)
	defer srv.close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			srv.serveOnce()
		}
	}()

	c, err := NewUDPClient("udp://"+srv.addr(), Config{UDPBaseTimeout: 20 * time.Millisecond, UDPMaxRetries: 8})
	require.NoError(t, err)
	defer c.Close()

	result, err := c.Announce(testParams())
	require.NoError(t, err)
	assert.Equal(t, 1800, result.Interval)
	assert.Equal(t, 7, result.Seeders)
	assert.Equal(t, 3, result.Leechers)
	require.Len(t, result.Peers, 1)
	assert.Equal(t, "192.168.0.1:8080", result.Peers[0].String())
	// Three dropped attempts plus the answered fourth.
	assert.Equal(t, 4, srv.connectSeen)

	<-done
}
