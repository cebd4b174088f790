// Package tracker implements the two announce protocols a BitTorrent client
// speaks to a tracker: HTTP (BEP 3) and UDP (BEP 15). Both share the Client
// interface and a common parameter set; they differ only in wire encoding.
package tracker

import "time"

// Config holds tunables shared by both tracker client variants.
type Config struct {
	// HTTPTimeout bounds a single HTTP announce request.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// UDPBaseTimeout is the base of the UDP retry backoff (15 * 2^n seconds
	// by default, per BEP 15).
	UDPBaseTimeout time.Duration `yaml:"udp_base_timeout"`

	// UDPMaxRetries bounds the number of UDP retry attempts before an
	// announce is abandoned (9 attempts: n = 0..8, per spec).
	UDPMaxRetries int `yaml:"udp_max_retries"`

	// DefaultInterval is used when a tracker's response omits an interval.
	DefaultInterval time.Duration `yaml:"default_interval"`

	// NumWant is the number of peers requested per announce.
	NumWant int `yaml:"numwant"`

	// StopTimeout bounds the best-effort "stopped" announce sent on Close,
	// so shutdown never waits out a full UDP retry schedule against an
	// unreachable tracker.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

func (c Config) applyDefaults() Config {
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 5 * time.Second
	}
	if c.UDPBaseTimeout == 0 {
		c.UDPBaseTimeout = 15 * time.Second
	}
	if c.UDPMaxRetries == 0 {
		c.UDPMaxRetries = 8
	}
	if c.DefaultInterval == 0 {
		c.DefaultInterval = 120 * time.Second
	}
	if c.NumWant == 0 {
		c.NumWant = 50
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = 3 * time.Second
	}
	return c
}
