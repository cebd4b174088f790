package engine

import (
	"context"
	"fmt"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/go-leech/leech/metainfo"
	"github.com/go-leech/leech/scheduler"
	"github.com/go-leech/leech/store"
	"github.com/go-leech/leech/tracker"
	"github.com/go-leech/leech/trackermanager"
)

// Engine owns one torrent's full download lifecycle: metainfo, data store,
// tracker manager, and scheduler, wired together per spec.md §2's control
// flow (metainfo -> store init/resume -> trackers -> scheduler).
type Engine struct {
	mi      *metainfo.MetaInfo
	store   *store.Store
	manager *trackermanager.Manager
	sched   *scheduler.Scheduler
	logger  *zap.SugaredLogger
}

// peerSourceProxy breaks the construction cycle between the scheduler
// (which needs a PeerSource) and the tracker manager (which needs the
// scheduler as its Events target): the scheduler is built against the
// proxy first, and the proxy is pointed at the real manager once it
// exists, per the "one-way references plus explicit callback values"
// guidance for this engine's cyclic collaborators.
type peerSourceProxy struct {
	mgr *trackermanager.Manager
}

func (p *peerSourceProxy) Peers() map[string]struct{} {
	if p.mgr == nil {
		return nil
	}
	return p.mgr.Peers()
}

// New loads torrentPath, opens (and resumes) the data store under
// outputDir, and wires the tracker manager and scheduler. It does not yet
// start announcing or admitting peers; call Run for that.
func New(torrentPath, outputDir string, config Config, stats tally.Scope, logger *zap.SugaredLogger) (*Engine, error) {
	config, err := config.applyDefaults()
	if err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}
	if outputDir != "" {
		config.OutputDir = outputDir
	}

	mi, err := metainfo.Load(torrentPath)
	if err != nil {
		return nil, fmt.Errorf("engine: loading metainfo: %w", err)
	}

	st, err := store.New(mi, config.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("engine: initializing data store: %w", err)
	}

	complete, err := st.CheckExistingData()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("engine: checking existing data: %w", err)
	}
	if complete {
		logger.Infof("engine: %q already fully downloaded, resuming as complete", mi.Info.Name)
	}

	clk := clock.New()
	proxy := &peerSourceProxy{}
	peerID := metainfo.RandomPeerID()

	sched := scheduler.New(mi.InfoHash, peerID, st, proxy, config.Scheduler, clk, stats, logger)

	progress := func() tracker.DynamicParams {
		downloaded := st.BytesDownloaded()
		return tracker.DynamicParams{
			Downloaded: downloaded,
			Left:       mi.Info.TotalLength() - downloaded,
		}
	}
	mgr, err := trackermanager.New(mi, peerID, 0, progress, sched, config.Tracker, clk, stats, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("engine: initializing tracker manager: %w", err)
	}
	proxy.mgr = mgr

	return &Engine{mi: mi, store: st, manager: mgr, sched: sched, logger: logger}, nil
}

// Run starts tracker announcing and drives the scheduler until the torrent
// is fully downloaded or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.manager.Start()
	err := e.sched.Run(ctx)
	closeErr := e.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// Close shuts down the tracker manager and data store, in that order, per
// spec.md §5's close ordering (trackers, peers, torrent). The scheduler
// closes its own peers as part of Run returning.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.manager.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Complete reports whether every piece has been confirmed.
func (e *Engine) Complete() bool {
	return e.store.Complete()
}

// Progress returns (bytes downloaded, total bytes).
func (e *Engine) Progress() (int64, int64) {
	return e.store.BytesDownloaded(), e.mi.Info.TotalLength()
}
