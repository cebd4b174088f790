// Package trackermanager fans announces out to every tracker URL a torrent
// names, unions their reported peer sets, and signals the scheduler when
// that union changes, per spec.md §4.6.
package trackermanager

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/go-leech/leech/metainfo"
	"github.com/go-leech/leech/tracker"
)

// Events is notified whenever the union of known peers changes, so the
// scheduler can wake up and consider admitting new peers.
type Events interface {
	PeersUpdated()
}

// Manager instantiates one tracker.Tracker per announce URL a torrent
// names, generates the per-run key (the peer id is supplied by the caller),
// and unions every tracker's reported peers into a single set.
type Manager struct {
	peerID metainfo.PeerID
	key    uint32

	config   tracker.Config
	progress tracker.ProgressFunc
	events   Events

	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	mu       sync.Mutex
	trackers []*tracker.Tracker
	peers    map[string]tracker.PeerAddr
	leechers int
	seeders  int
}

// New builds a Manager for every announce URL in mi, using port as the
// (possibly zero, since this engine never seeds) local listening port
// reported to trackers. peerID is the same identity the scheduler presents
// during peer handshakes, so trackers and remote peers agree on who this
// run is.
func New(
	mi *metainfo.MetaInfo,
	peerID metainfo.PeerID,
	port int,
	progress tracker.ProgressFunc,
	events Events,
	config tracker.Config,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
) (*Manager, error) {
	m := &Manager{
		peerID:   peerID,
		key:      rand.Uint32(),
		config:   config,
		progress: progress,
		events:   events,
		clk:      clk,
		stats:    stats.Tagged(map[string]string{"module": "trackermanager"}),
		logger:   logger,
		peers:    make(map[string]tracker.PeerAddr),
	}

	urls := mi.AnnounceURLs()
	if len(urls) == 0 {
		return nil, fmt.Errorf("trackermanager: no announce urls")
	}
	for _, u := range urls {
		t, err := m.newTracker(u, mi.InfoHash, port)
		if err != nil {
			m.logger.With("announce_url", u).Warnf("trackermanager: skipping tracker: %v", err)
			continue
		}
		m.trackers = append(m.trackers, t)
	}
	if len(m.trackers) == 0 {
		return nil, fmt.Errorf("trackermanager: no usable announce urls among %v", urls)
	}
	return m, nil
}

func (m *Manager) newTracker(announceURL string, infoHash metainfo.InfoHash, port int) (*tracker.Tracker, error) {
	client, err := newClient(announceURL, m.config)
	if err != nil {
		return nil, err
	}
	onUpdate := func(leechers, seeders int, peers []tracker.PeerAddr) {
		m.handleUpdate(leechers, seeders, peers)
	}
	return tracker.New(
		announceURL, client, infoHash, m.peerID, port, m.key,
		m.config, m.progress, onUpdate, m.clk, m.stats, m.logger,
	), nil
}

func newClient(announceURL string, config tracker.Config) (tracker.Client, error) {
	switch {
	case strings.HasPrefix(announceURL, "http://"), strings.HasPrefix(announceURL, "https://"):
		return tracker.NewHTTPClient(announceURL, config), nil
	case strings.HasPrefix(announceURL, "udp://"):
		return tracker.NewUDPClient(announceURL, config)
	default:
		return nil, fmt.Errorf("trackermanager: unsupported announce url scheme: %s", announceURL)
	}
}

func (m *Manager) handleUpdate(leechers, seeders int, peers []tracker.PeerAddr) {
	m.mu.Lock()
	changed := false
	m.leechers = leechers
	m.seeders = seeders
	for _, p := range peers {
		addr := p.String()
		if _, ok := m.peers[addr]; !ok {
			m.peers[addr] = p
			changed = true
		}
	}
	m.mu.Unlock()

	if changed && m.events != nil {
		m.events.PeersUpdated()
	}
}

// Start begins every tracker's periodic announce loop.
func (m *Manager) Start() {
	for _, t := range m.trackers {
		t.Start()
	}
}

// PeerID returns the 20-byte peer id generated for this run.
func (m *Manager) PeerID() metainfo.PeerID { return m.peerID }

// Peers returns the current union of peer addresses discovered across all
// trackers.
func (m *Manager) Peers() map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{}, len(m.peers))
	for addr := range m.peers {
		out[addr] = struct{}{}
	}
	return out
}

// Stats returns the (leechers, seeders) counts from the most recent
// successful announce of any one tracker; counts from different trackers
// are not summed.
func (m *Manager) Stats() (leechers, seeders int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leechers, m.seeders
}

// Close stops every tracker, sending each a best-effort "stopped" announce.
func (m *Manager) Close() error {
	var firstErr error
	for _, t := range m.trackers {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
