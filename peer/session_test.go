package peer

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/go-leech/leech/metainfo"
	"github.com/go-leech/leech/store"
)

// newPipeSession builds an unstarted Session over one end of an in-memory
// pipe, handing the other end to the test to play the remote peer. A mock
// clock keeps the keep-alive ticker from firing mid-test.
func newPipeSession(t *testing.T, numPieces int, onBlock BlockReceivedFunc) (*Session, net.Conn) {
	t.Helper()
	if onBlock == nil {
		onBlock = func(*Session, int, int, []byte) error { return nil }
	}
	local, remote := net.Pipe()
	s := newSession(
		local, "pipe", metainfo.InfoHash{}, metainfo.RandomPeerID(), metainfo.PeerID{},
		numPieces, Config{}, clock.NewMock(), tally.NoopScope, zap.NewNop().Sugar(), onBlock,
	)
	t.Cleanup(func() {
		s.Close()
		remote.Close()
	})
	return s, remote
}

func TestSessionRequestPipeline(t *testing.T) {
	blockData := bytes.Repeat([]byte{0xAB}, 32)
	received := make(chan []byte, 1)
	onBlock := func(s *Session, index, begin int, data []byte) error {
		received <- append([]byte(nil), data...)
		return nil
	}
	s, remote := newPipeSession(t, 8, onBlock)
	s.Start()

	// The request loop's first frame is always an Unchoke.
	msg, err := ReadMessage(remote)
	require.NoError(t, err)
	assert.Equal(t, MsgUnchoke, msg.ID)

	require.True(t, s.EnqueueBlock(&store.Block{PieceID: 3, Begin: 16384, Length: 32}))

	// Queueing the first block flips interest exactly once.
	msg, err = ReadMessage(remote)
	require.NoError(t, err)
	assert.Equal(t, MsgInterested, msg.ID)

	// No Request is sent while choked; unchoking releases it.
	require.NoError(t, WriteUnchoke(remote))

	msg, err = ReadMessage(remote)
	require.NoError(t, err)
	require.Equal(t, MsgRequest, msg.ID)
	index, begin, length, err := ParseRequestLike(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, 3, index)
	assert.Equal(t, 16384, begin)
	assert.Equal(t, 32, length)

	require.NoError(t, WritePiece(remote, 3, 16384, blockData))
	select {
	case got := <-received:
		assert.Equal(t, blockData, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for block callback")
	}
}

func TestSessionTracksAvailability(t *testing.T) {
	s, remote := newPipeSession(t, 8, nil)
	s.Start()

	// Drain everything the session writes so its write loop never blocks.
	go io.Copy(io.Discard, remote)

	require.NoError(t, WriteBitfield(remote, []byte{0xA0})) // pieces 0 and 2
	require.NoError(t, WriteHave(remote, 5))

	require.Eventually(t, func() bool { return s.HasPiece(5) }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.HasPiece(0))
	assert.False(t, s.HasPiece(1))
	assert.True(t, s.HasPiece(2))
	assert.False(t, s.HasPiece(3))

	bf := s.AvailablePieces()
	assert.Equal(t, uint(3), bf.Count())
}

func TestSessionUnsolicitedPieceDoesNotKillSession(t *testing.T) {
	received := make(chan struct{}, 1)
	onBlock := func(*Session, int, int, []byte) error {
		received <- struct{}{}
		return nil
	}
	s, remote := newPipeSession(t, 8, onBlock)
	s.Start()

	go io.Copy(io.Discard, remote)

	// A Piece we never requested still reaches the callback (the scheduler
	// decides whether it maps to a block) without unbalancing the request
	// permit accounting.
	require.NoError(t, WritePiece(remote, 0, 0, []byte{1, 2, 3}))
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for block callback")
	}
	assert.True(t, s.Alive())
}

func TestSessionCallbackErrorIsFatal(t *testing.T) {
	onBlock := func(*Session, int, int, []byte) error {
		return errors.New("payload size mismatch")
	}
	s, remote := newPipeSession(t, 8, onBlock)
	s.Start()

	go io.Copy(io.Discard, remote)

	require.NoError(t, WritePiece(remote, 0, 0, []byte{1, 2, 3}))
	require.Eventually(t, func() bool { return !s.Alive() }, 2*time.Second, 10*time.Millisecond,
		"a failed block callback must close the session")
}

func TestSessionCloseUnblocksAllLoops(t *testing.T) {
	s, remote := newPipeSession(t, 8, nil)
	s.Start()

	go io.Copy(io.Discard, remote)

	// Park the request loop waiting for an unchoke that never comes.
	require.True(t, s.EnqueueBlock(&store.Block{PieceID: 0, Begin: 0, Length: 16}))

	s.Close()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session loops did not exit after Close")
	}
	assert.False(t, s.Alive())
}

func TestSessionChokeGatesRequests(t *testing.T) {
	s, remote := newPipeSession(t, 8, nil)
	s.Start()

	msg, err := ReadMessage(remote)
	require.NoError(t, err)
	require.Equal(t, MsgUnchoke, msg.ID)

	require.True(t, s.EnqueueBlock(&store.Block{PieceID: 1, Begin: 0, Length: 16}))

	msg, err = ReadMessage(remote)
	require.NoError(t, err)
	require.Equal(t, MsgInterested, msg.ID)

	// Unchoke then immediately re-choke: the first queued block's Request
	// may slip through, but a block queued while choked must not.
	require.NoError(t, WriteUnchoke(remote))
	msg, err = ReadMessage(remote)
	require.NoError(t, err)
	require.Equal(t, MsgRequest, msg.ID)

	require.NoError(t, WriteChoke(remote))
	require.Eventually(t, func() bool { return s.peerChoking.Load() }, 2*time.Second, 10*time.Millisecond)

	require.True(t, s.EnqueueBlock(&store.Block{PieceID: 2, Begin: 0, Length: 16}))

	got := make(chan *Message, 1)
	go func() {
		m, err := ReadMessage(remote)
		if err == nil {
			got <- m
		}
	}()
	select {
	case m := <-got:
		t.Fatalf("received %d while choked, want nothing", m.ID)
	case <-time.After(200 * time.Millisecond):
	}
}
