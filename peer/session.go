package peer

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/go-leech/leech/metainfo"
	"github.com/go-leech/leech/store"
)

// BlockReceivedFunc is invoked by a Session's read loop when a Piece message
// arrives. It is responsible for locating the corresponding block, writing
// it to the data store, and verifying its owning piece. Implementations run
// on the session's read loop goroutine and must not block indefinitely.
type BlockReceivedFunc func(s *Session, pieceIndex, begin int, data []byte) error

// outFrame is a closure that writes exactly one frame to the connection;
// the write loop is the only goroutine that ever touches the socket for
// writes, so frames from the keep-alive and request loops are serialized
// through a channel rather than writing directly.
type outFrame func(io.Writer) error

// Session manages one peer's wire connection for a single torrent: the
// handshake already completed, the choke/interest state machine, the
// outstanding-request semaphore, and dispatch of incoming messages.
type Session struct {
	conn       net.Conn
	remoteAddr string

	infoHash     metainfo.InfoHash
	localPeerID  metainfo.PeerID
	remotePeerID metainfo.PeerID

	config Config
	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	onBlock BlockReceivedFunc

	amInterested   *atomic.Bool
	peerChoking    *atomic.Bool
	peerInterested *atomic.Bool
	notChoking     *toggle

	availableMu sync.Mutex
	available   *bitset.BitSet

	blocksToRequest chan *store.Block
	blocksRequested *semaphore.Weighted

	// outstanding counts permits currently held by in-flight requests, so a
	// Piece we never asked for does not return a permit we never took.
	outstanding *atomic.Int64

	startOnce sync.Once
	closed    *atomic.Bool
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Dial opens a TCP connection to addr, performs the handshake, and returns
// an unstarted Session. The caller must call Start to begin the keep-alive,
// request, and read loops.
func Dial(
	addr string,
	infoHash metainfo.InfoHash,
	localPeerID metainfo.PeerID,
	numPieces int,
	config Config,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
	onBlock BlockReceivedFunc,
) (*Session, error) {
	config = config.applyDefaults()

	nc, err := net.DialTimeout("tcp", addr, config.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	if err := nc.SetDeadline(clk.Now().Add(config.ConnectTimeout)); err != nil {
		nc.Close()
		return nil, fmt.Errorf("peer: set handshake deadline: %w", err)
	}
	if err := WriteHandshake(nc, infoHash, localPeerID); err != nil {
		nc.Close()
		return nil, fmt.Errorf("peer: send handshake: %w", err)
	}
	remoteHash, remoteID, err := ReadHandshake(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("peer: read handshake: %w", err)
	}
	if remoteHash != infoHash {
		nc.Close()
		return nil, fmt.Errorf("peer: info hash mismatch from %s", addr)
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("peer: clear deadline: %w", err)
	}

	return newSession(nc, addr, infoHash, localPeerID, remoteID, numPieces, config, clk, stats, logger, onBlock), nil
}

func newSession(
	nc net.Conn,
	addr string,
	infoHash metainfo.InfoHash,
	localPeerID, remotePeerID metainfo.PeerID,
	numPieces int,
	config Config,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
	onBlock BlockReceivedFunc,
) *Session {
	config = config.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:            nc,
		remoteAddr:      addr,
		infoHash:        infoHash,
		localPeerID:     localPeerID,
		remotePeerID:    remotePeerID,
		config:          config,
		clk:             clk,
		stats:           stats.Tagged(map[string]string{"module": "peer"}),
		logger:          logger,
		onBlock:         onBlock,
		amInterested:    atomic.NewBool(false),
		peerChoking:     atomic.NewBool(true),
		peerInterested:  atomic.NewBool(false),
		notChoking:      newToggle(),
		available:       bitset.New(uint(numPieces)),
		blocksToRequest: make(chan *store.Block, config.BlocksToQueue),
		blocksRequested: semaphore.NewWeighted(int64(config.BlocksToQueue)),
		outstanding:     atomic.NewInt64(0),
		closed:          atomic.NewBool(false),
		done:            make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start begins the session's keep-alive, write, request, and read loops.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		sender := make(chan outFrame, 16)
		s.wg.Add(4)
		go s.writeLoop(sender)
		go s.keepAliveLoop(sender)
		go s.requestLoop(sender)
		go s.readLoop()
	})
}

// RemoteAddr returns the dialed address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// RemotePeerID returns the peer id presented during the handshake.
func (s *Session) RemotePeerID() metainfo.PeerID { return s.remotePeerID }

// Alive reports whether the session's connection is still open.
func (s *Session) Alive() bool { return !s.closed.Load() }

// QueueLen returns the number of blocks currently queued for request,
// used by the scheduler to prefer peers with the fewest queued blocks.
func (s *Session) QueueLen() int { return len(s.blocksToRequest) }

// AvailablePieces returns a snapshot of the pieces this peer has advertised
// via Bitfield or Have.
func (s *Session) AvailablePieces() *bitset.BitSet {
	s.availableMu.Lock()
	defer s.availableMu.Unlock()
	return s.available.Clone()
}

// HasPiece reports whether the peer has advertised piece i.
func (s *Session) HasPiece(i int) bool {
	s.availableMu.Lock()
	defer s.availableMu.Unlock()
	return s.available.Test(uint(i))
}

// EnqueueBlock assigns block to this session's request queue. Returns false
// if the queue is already at capacity; the scheduler should not normally
// call this once QueueLen reaches config.BlocksToQueue.
func (s *Session) EnqueueBlock(b *store.Block) bool {
	select {
	case s.blocksToRequest <- b:
		return true
	default:
		return false
	}
}

// Close tears down the session's loops and underlying connection. Safe to
// call multiple times and from any goroutine.
func (s *Session) Close() {
	if !s.closed.CAS(false, true) {
		return
	}
	s.cancel()
	close(s.done)
	s.conn.Close()
}

// Wait blocks until all of the session's loops have exited.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	keysAndValues = append(keysAndValues, "remote_addr", s.remoteAddr, "info_hash", s.infoHash.String())
	return s.logger.With(keysAndValues...)
}

func (s *Session) writeLoop(sender chan outFrame) {
	defer func() {
		s.wg.Done()
		s.Close()
	}()
	for {
		select {
		case <-s.done:
			return
		case fn := <-sender:
			if err := fn(s.conn); err != nil {
				s.log().Infof("peer: write failed, closing session: %v", err)
				return
			}
		}
	}
}

func (s *Session) keepAliveLoop(sender chan outFrame) {
	defer s.wg.Done()
	ticker := s.clk.Ticker(s.config.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			select {
			case sender <- WriteKeepAlive:
			case <-s.done:
				return
			}
		}
	}
}

// requestLoop sends an initial Unchoke (this implementation never chokes
// its side once ready to transfer) and then continuously pulls assigned
// blocks off the queue, waiting for interest and for the peer to signal it
// is not choking us before issuing each Request.
func (s *Session) requestLoop(sender chan outFrame) {
	defer s.wg.Done()

	select {
	case sender <- WriteUnchoke:
	case <-s.done:
		return
	}

	for {
		var b *store.Block
		select {
		case <-s.done:
			return
		case b = <-s.blocksToRequest:
		}

		b.MarkRequested(s.clk.Now())

		if !s.amInterested.Load() {
			s.amInterested.Store(true)
			select {
			case sender <- WriteInterested:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.notChoking.C():
		case <-s.done:
			return
		}

		if err := s.blocksRequested.Acquire(s.ctx, 1); err != nil {
			return
		}
		s.outstanding.Inc()

		index, begin, length := b.PieceID, int(b.Begin), int(b.Length)
		select {
		case sender <- func(w io.Writer) error { return WriteRequest(w, index, begin, length) }:
		case <-s.done:
			return
		}
	}
}

func (s *Session) readLoop() {
	defer func() {
		s.wg.Done()
		s.Close()
	}()
	for {
		select {
		case <-s.done:
			return
		default:
		}
		msg, err := ReadMessage(s.conn)
		if err != nil {
			s.log().Infof("peer: read failed, closing session: %v", err)
			return
		}
		if err := s.dispatch(msg); err != nil {
			s.log().Infof("peer: protocol violation, closing session: %v", err)
			return
		}
	}
}

func (s *Session) dispatch(msg *Message) error {
	switch msg.ID {
	case msgKeepAlive:
		return nil
	case MsgChoke:
		s.peerChoking.Store(true)
		s.notChoking.Clear()
	case MsgUnchoke:
		s.peerChoking.Store(false)
		s.notChoking.Set()
	case MsgInterested:
		s.peerInterested.Store(true)
	case MsgNotInterested:
		s.peerInterested.Store(false)
	case MsgHave:
		index, err := ParseHave(msg.Payload)
		if err != nil {
			return err
		}
		s.availableMu.Lock()
		s.available.Set(uint(index))
		s.availableMu.Unlock()
	case MsgBitfield:
		s.applyBitfield(msg.Payload)
	case MsgRequest, MsgCancel:
		// Leech-only: incoming requests are accepted but never fulfilled.
	case MsgPiece:
		index, begin, block, err := ParsePiece(msg.Payload)
		if err != nil {
			return err
		}
		cbErr := s.onBlock(s, index, begin, block)
		if s.outstanding.Dec() >= 0 {
			s.blocksRequested.Release(1)
		} else {
			s.outstanding.Inc()
		}
		if cbErr != nil {
			return fmt.Errorf("peer: block callback: %w", cbErr)
		}
	case MsgPort:
		// DHT is out of scope; accepted and ignored.
	}
	return nil
}

// applyBitfield sets available pieces from a Bitfield payload, where the
// MSB of byte 0 represents piece 0.
func (s *Session) applyBitfield(payload []byte) {
	s.availableMu.Lock()
	defer s.availableMu.Unlock()
	for i := uint(0); i < s.available.Len(); i++ {
		byteIdx := i / 8
		if int(byteIdx) >= len(payload) {
			break
		}
		bitMask := byte(0x80) >> (i % 8)
		if payload[byteIdx]&bitMask != 0 {
			s.available.Set(i)
		}
	}
}
