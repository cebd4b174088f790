// Package scheduler is the engine's central coordinator: it admits peers up
// to a cap, ranks pieces rarest-first, distributes outstanding blocks to
// peer request queues, and detects completion, per spec.md §4.7.
package scheduler

import (
	"time"

	"github.com/go-leech/leech/peer"
)

// Config holds the scheduler's named constants (spec.md §4.7, §5), each
// configurable and overridable via YAML, per the teacher's
// scheduler/config.go convention.
type Config struct {
	// MaxPeers bounds the number of concurrently active peer sessions.
	MaxPeers int `yaml:"max_peers"`

	// ClientUpdatesInterval is the scheduler tick period.
	ClientUpdatesInterval time.Duration `yaml:"client_updates_interval"`

	// BlocksToQueue bounds how many blocks may be queued per peer.
	BlocksToQueue int `yaml:"blocks_to_queue"`

	// RequestTimeout is how long an outstanding block request may go
	// unanswered before it is eligible for reassignment to another peer.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ConnectRate bounds how many new peer connections the scheduler may
	// initiate per second during admission, pacing connection attempts
	// rather than throttling transfer throughput (which remains out of
	// scope per spec.md's Non-goals).
	ConnectRate float64 `yaml:"connect_rate"`

	Peer peer.Config `yaml:"peer"`
}

func (c Config) applyDefaults() Config {
	if c.MaxPeers == 0 {
		c.MaxPeers = 50
	}
	if c.ClientUpdatesInterval == 0 {
		c.ClientUpdatesInterval = 5 * time.Second
	}
	if c.BlocksToQueue == 0 {
		c.BlocksToQueue = 50
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.ConnectRate == 0 {
		c.ConnectRate = 20
	}
	c.Peer.BlocksToQueue = c.BlocksToQueue
	return c
}
