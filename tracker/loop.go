package tracker

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/go-leech/leech/metainfo"
)

// DynamicParams is the subset of announce parameters that change over the
// life of a download (as opposed to the fixed info hash, peer id, port, and
// key). ProgressFunc supplies a fresh snapshot before every announce.
type DynamicParams struct {
	Downloaded int64
	Left       int64
	Uploaded   int64
}

// ProgressFunc reports the engine's current progress for an announce.
type ProgressFunc func() DynamicParams

// UpdateFunc is invoked after every successful announce with the tracker's
// reported swarm counts and peer set, per spec.md §4.6 (the tracker manager
// unions these into its own peer set).
type UpdateFunc func(leechers, seeders int, peers []PeerAddr)

// Tracker wraps a protocol-specific Client with the announce lifecycle
// common to both HTTP and UDP trackers: an initial "started" announce,
// periodic re-announce at the tracker-supplied interval (default 120s),
// and a best-effort "stopped" announce on Close. This mirrors the
// Announcer/announceclient.Client split in the teacher, where Announcer
// owns interval bookkeeping and ticking around a wire-level Client.
type Tracker struct {
	url      string
	client   Client
	infoHash metainfo.InfoHash
	peerID   metainfo.PeerID
	port     int
	key      uint32

	config   Config
	progress ProgressFunc
	onUpdate UpdateFunc
	backoff  backoff.BackOff

	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	mu        sync.Mutex
	connected bool
	errFlag   bool
	interval  time.Duration
	leechers  int
	seeders   int

	closed *atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New wraps client with the common announce lifecycle.
func New(
	url string,
	client Client,
	infoHash metainfo.InfoHash,
	peerID metainfo.PeerID,
	port int,
	key uint32,
	config Config,
	progress ProgressFunc,
	onUpdate UpdateFunc,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
) *Tracker {
	config = config.applyDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = config.DefaultInterval
	b.MaxElapsedTime = 0 // retry indefinitely; announce errors are never fatal
	return &Tracker{
		url:      url,
		client:   client,
		infoHash: infoHash,
		peerID:   peerID,
		port:     port,
		key:      key,
		config:   config,
		progress: progress,
		onUpdate: onUpdate,
		backoff:  b,
		clk:      clk,
		stats:    stats.Tagged(map[string]string{"module": "tracker"}),
		logger:   logger,
		interval: config.DefaultInterval,
		closed:   atomic.NewBool(false),
		done:     make(chan struct{}),
	}
}

func (t *Tracker) log() *zap.SugaredLogger {
	return t.logger.With("tracker_url", t.url)
}

// Start launches the periodic announce loop. It announces "started"
// immediately, then re-announces at the tracker-supplied interval
// (spec.md §4.5's "Periodic announce") until Close is called.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.loop()
}

func (t *Tracker) loop() {
	defer t.wg.Done()

	wait := t.announceAndBackoff(EventStarted)

	for {
		select {
		case <-t.done:
			return
		case <-t.clk.After(wait):
			wait = t.announceAndBackoff(EventNone)
		}
	}
}

// announceAndBackoff announces once and returns how long the loop should
// wait before the next attempt: the tracker-supplied interval on success,
// or the next step of the error backoff on failure, per spec.md §4.5
// ("Errors do not terminate the tracker loop; they set the error flag and
// back off before retrying").
func (t *Tracker) announceAndBackoff(event Event) time.Duration {
	if err := t.announceAndUpdate(event); err != nil {
		t.log().Warnf("tracker: announce failed: %v", err)
		return t.backoff.NextBackOff()
	}
	t.backoff.Reset()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Announce performs a single announce with the given event, updating the
// tracker's connected/error/interval state and, on success, notifying
// onUpdate with the swarm counts and peer set.
func (t *Tracker) Announce(event Event) error {
	return t.announceAndUpdate(event)
}

func (t *Tracker) announceAndUpdate(event Event) error {
	dyn := t.progress()
	params := Params{
		InfoHash:   t.infoHash,
		PeerID:     t.peerID,
		Port:       t.port,
		Uploaded:   dyn.Uploaded,
		Downloaded: dyn.Downloaded,
		Left:       dyn.Left,
		Event:      event,
		NumWant:    t.config.NumWant,
		Key:        t.key,
	}

	result, err := t.client.Announce(params)

	t.mu.Lock()
	if err != nil {
		t.errFlag = true
		t.connected = false
	} else {
		t.errFlag = false
		t.connected = true
		if result.Interval > 0 {
			t.interval = time.Duration(result.Interval) * time.Second
		} else {
			t.interval = t.config.DefaultInterval
		}
		t.leechers = result.Leechers
		t.seeders = result.Seeders
	}
	t.mu.Unlock()

	if err != nil {
		t.stats.Counter("announce_errors").Inc(1)
		return err
	}
	t.stats.Counter("announce_successes").Inc(1)
	if t.onUpdate != nil {
		t.onUpdate(result.Leechers, result.Seeders, result.Peers)
	}
	return nil
}

// Connected reports whether the most recent announce succeeded.
func (t *Tracker) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Error reports whether the most recent announce failed.
func (t *Tracker) Error() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errFlag
}

// Stats returns the last known (leechers, seeders) counts.
func (t *Tracker) Stats() (leechers, seeders int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leechers, t.seeders
}

// Close stops the announce loop, sends a best-effort "stopped" announce,
// and releases the underlying client's transport.
func (t *Tracker) Close() error {
	if !t.closed.CAS(false, true) {
		return nil
	}
	close(t.done)
	t.wg.Wait()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := t.announceAndUpdate(EventStopped); err != nil {
			t.log().Infof("tracker: stopped announce failed (best effort): %v", err)
		}
	}()
	select {
	case <-stopped:
	case <-t.clk.After(t.config.StopTimeout):
		t.log().Info("tracker: stopped announce timed out (best effort)")
	}
	return t.client.Close()
}
