package peer

import "time"

// Config holds the tunables of a peer session, mirroring the defaults named
// in the wire protocol's description: a 15-second connect timeout, a
// 120-second keep-alive interval, a 120-second request timeout, and an
// outstanding-request cap of 50 blocks.
type Config struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	BlocksToQueue     int           `yaml:"blocks_to_queue"`
}

// applyDefaults fills zero-valued fields with the spec's defaults, following
// the teacher's per-component Config.applyDefaults convention.
func (c Config) applyDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 120 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.BlocksToQueue == 0 {
		c.BlocksToQueue = 50
	}
	return c
}
