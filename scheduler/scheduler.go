package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/go-leech/leech/metainfo"
	"github.com/go-leech/leech/peer"
	"github.com/go-leech/leech/store"
)

// PeerSource supplies the current union of known peer addresses, as
// maintained by a trackermanager.Manager. A narrow interface keeps the
// scheduler testable without a live tracker.
type PeerSource interface {
	Peers() map[string]struct{}
}

// Scheduler is the engine's central coordinator, per spec.md §4.7: it
// admits peers up to Config.MaxPeers, ranks pieces rarest-first every tick,
// distributes outstanding blocks to peer request queues, and reports
// completion once every piece is confirmed.
type Scheduler struct {
	infoHash  metainfo.InfoHash
	peerID    metainfo.PeerID
	numPieces int

	torrent    *store.Store
	peerSource PeerSource

	config  Config
	limiter *rate.Limiter

	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	mu        sync.Mutex
	peers     map[string]*peer.Session
	dialing   map[string]struct{}
	deadPeers map[string]struct{}

	// fatalErr records a local I/O failure, which unlike peer or tracker
	// errors must terminate the whole download.
	fatalErr *atomic.Error

	wakeup chan struct{}
}

// New builds a Scheduler for torrentStore, drawing candidate peer
// addresses from peerSource.
func New(
	infoHash metainfo.InfoHash,
	peerID metainfo.PeerID,
	torrentStore *store.Store,
	peerSource PeerSource,
	config Config,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
) *Scheduler {
	config = config.applyDefaults()
	return &Scheduler{
		infoHash:   infoHash,
		peerID:     peerID,
		numPieces:  torrentStore.NumPieces(),
		torrent:    torrentStore,
		peerSource: peerSource,
		config:     config,
		limiter:    rate.NewLimiter(rate.Limit(config.ConnectRate), int(config.ConnectRate)+1),
		clk:        clk,
		stats:      stats.Tagged(map[string]string{"module": "scheduler"}),
		logger:     logger,
		peers:      make(map[string]*peer.Session),
		dialing:    make(map[string]struct{}),
		deadPeers:  make(map[string]struct{}),
		fatalErr:   atomic.NewError(nil),
		wakeup:     make(chan struct{}, 1),
	}
}

// PeersUpdated implements trackermanager.Events: it wakes the tick loop
// early so freshly discovered peers are admitted without waiting out the
// rest of the current tick interval.
func (sch *Scheduler) PeersUpdated() {
	select {
	case sch.wakeup <- struct{}{}:
	default:
	}
}

// Run drives the scheduler's tick loop until the torrent is fully
// confirmed or ctx is cancelled, per spec.md §4.7's five-step tick.
func (sch *Scheduler) Run(ctx context.Context) error {
	ticker := sch.clk.Ticker(sch.config.ClientUpdatesInterval)
	defer ticker.Stop()

	for {
		sch.tick()

		if err := sch.fatalErr.Load(); err != nil {
			sch.closeAllPeers()
			return err
		}

		if sch.torrent.Complete() {
			sch.logger.Info("scheduler: all pieces confirmed, shutting down")
			sch.closeAllPeers()
			return nil
		}

		select {
		case <-ctx.Done():
			sch.closeAllPeers()
			return ctx.Err()
		case <-sch.wakeup:
		case <-ticker.C:
		}
	}
}

func (sch *Scheduler) tick() {
	sch.reap()
	sch.admit()
	sch.assignBlocks()
}

// reap removes peer sessions whose connection has closed, moving their
// addresses to deadPeers so admit() retries them only after every fresh
// candidate has been tried, per spec.md §4.7 step 1.
func (sch *Scheduler) reap() {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	for addr, p := range sch.peers {
		if !p.Alive() {
			delete(sch.peers, addr)
			sch.deadPeers[addr] = struct{}{}
			sch.stats.Counter("peers_reaped").Inc(1)
		}
	}
}

// admit dials new peers, preferring addresses that have never failed, up
// to Config.MaxPeers concurrently active-or-dialing sessions, per
// spec.md §4.7 step 2.
func (sch *Scheduler) admit() {
	candidates := sch.candidates()

	sch.mu.Lock()
	slots := sch.config.MaxPeers - len(sch.peers) - len(sch.dialing)
	var toDial []string
	for _, addr := range candidates {
		if slots <= 0 {
			break
		}
		sch.dialing[addr] = struct{}{}
		toDial = append(toDial, addr)
		slots--
	}
	sch.mu.Unlock()

	for _, addr := range toDial {
		go sch.dialPeer(addr)
	}
}

// candidates builds the admission order: addresses that have never failed
// first, then previously-dead addresses, per spec.md §4.7 step 2.
func (sch *Scheduler) candidates() []string {
	known := sch.peerSource.Peers()

	sch.mu.Lock()
	defer sch.mu.Unlock()

	var fresh, retry []string
	for addr := range known {
		if _, active := sch.peers[addr]; active {
			continue
		}
		if _, dialing := sch.dialing[addr]; dialing {
			continue
		}
		if _, dead := sch.deadPeers[addr]; dead {
			retry = append(retry, addr)
		} else {
			fresh = append(fresh, addr)
		}
	}
	sort.Strings(fresh)
	sort.Strings(retry)
	return append(fresh, retry...)
}

func (sch *Scheduler) dialPeer(addr string) {
	defer func() {
		sch.mu.Lock()
		delete(sch.dialing, addr)
		sch.mu.Unlock()
	}()

	if err := sch.limiter.Wait(context.Background()); err != nil {
		return
	}

	p, err := peer.Dial(addr, sch.infoHash, sch.peerID, sch.numPieces, sch.config.Peer, sch.clk, sch.stats, sch.logger, sch.onBlockReceived)
	if err != nil {
		sch.logger.With("remote_addr", addr).Infof("scheduler: dial failed: %v", err)
		sch.mu.Lock()
		sch.deadPeers[addr] = struct{}{}
		sch.mu.Unlock()
		return
	}

	p.Start()

	sch.mu.Lock()
	sch.peers[addr] = p
	sch.mu.Unlock()
	sch.stats.Counter("peers_admitted").Inc(1)
}

// assignBlocks ranks every unconfirmed piece by ascending availability
// (rarest first) and distributes its pending blocks across the peers that
// advertise it, preferring peers with the fewest already-queued blocks,
// per spec.md §4.7 steps 3-4.
func (sch *Scheduler) assignBlocks() {
	sch.mu.Lock()
	peers := make([]*peer.Session, 0, len(sch.peers))
	for _, p := range sch.peers {
		peers = append(peers, p)
	}
	sch.mu.Unlock()

	type rankedPiece struct {
		index     int
		available []*peer.Session
	}
	ranked := make([]rankedPiece, sch.numPieces)
	for i := range ranked {
		ranked[i].index = i
	}
	for _, p := range peers {
		for i := 0; i < sch.numPieces; i++ {
			if p.HasPiece(i) {
				ranked[i].available = append(ranked[i].available, p)
			}
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return len(ranked[i].available) < len(ranked[j].available)
	})

	now := sch.clk.Now()
	for _, rp := range ranked {
		if len(rp.available) == 0 || sch.torrent.Confirmed(rp.index) {
			continue
		}
		pending, err := sch.torrent.PendingBlocks(rp.index, now, sch.config.RequestTimeout)
		if err != nil || len(pending) == 0 {
			continue
		}

		byQueueLen := append([]*peer.Session(nil), rp.available...)
		sort.SliceStable(byQueueLen, func(i, j int) bool {
			return byQueueLen[i].QueueLen() < byQueueLen[j].QueueLen()
		})

		bi := 0
		for _, p := range byQueueLen {
			for bi < len(pending) && p.QueueLen() < sch.config.BlocksToQueue {
				if !p.EnqueueBlock(pending[bi]) {
					break
				}
				bi++
			}
			if bi >= len(pending) {
				break
			}
		}
	}
}

// onBlockReceived is the callback peer sessions invoke when a Piece
// message arrives. It locates the corresponding block, writes it (which
// also triggers verification once its owning piece is fully downloaded),
// and returns an error -- fatal to that one session -- on any size
// mismatch, per spec.md §4.7's received-block handling.
func (sch *Scheduler) onBlockReceived(p *peer.Session, pieceIndex, begin int, data []byte) error {
	block, err := sch.torrent.BlockAt(pieceIndex, int64(begin))
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if int64(len(data)) != block.Length {
		return fmt.Errorf("scheduler: block %d/%d payload size mismatch: got %d, want %d",
			block.PieceID, block.BlockID, len(data), block.Length)
	}
	if err := sch.torrent.WriteBlock(block, data); err != nil {
		// Not a peer problem: a write that reaches the store and still fails
		// is a local I/O (or verification-read) failure and ends the run.
		sch.fatalErr.Store(err)
		sch.PeersUpdated()
		return err
	}
	sch.stats.Counter("blocks_written").Inc(1)
	return nil
}

// closeAllPeers closes every active session concurrently and waits for
// their loops to exit, bounding shutdown latency to the slowest single
// session's drain rather than the sum of all of them.
func (sch *Scheduler) closeAllPeers() {
	sch.mu.Lock()
	peers := make([]*peer.Session, 0, len(sch.peers))
	for _, p := range sch.peers {
		peers = append(peers, p)
	}
	sch.peers = make(map[string]*peer.Session)
	sch.mu.Unlock()

	var g errgroup.Group
	for _, p := range peers {
		p := p
		g.Go(func() error {
			p.Close()
			p.Wait()
			return nil
		})
	}
	_ = g.Wait()
}

// NumActivePeers returns the number of currently active peer sessions.
func (sch *Scheduler) NumActivePeers() int {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return len(sch.peers)
}
