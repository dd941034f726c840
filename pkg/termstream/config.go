package termstream

import "time"

// Config carries the six tunables of spec §6.3. internal/config applies the
// environment-variable overrides; the minimum clamps are applied by
// NewBroker, so a Config built by hand (as in tests) or read from the
// environment can never misconfigure the broker into a broken state.
type Config struct {
	RingMaxBytes              int
	QueueMaxBytes             int
	BatchMaxBytes             int
	RetryFlushDelay           time.Duration
	CatastrophicBufferedBytes int64
	CatastrophicStallWindow   time.Duration
}

// DefaultConfig returns the defaults column of spec §6.3's table.
func DefaultConfig() Config {
	return Config{
		RingMaxBytes:              256 << 10,
		QueueMaxBytes:             128 << 10,
		BatchMaxBytes:             64 << 10,
		RetryFlushDelay:           50 * time.Millisecond,
		CatastrophicBufferedBytes: 16 << 20,
		CatastrophicStallWindow:   10 * time.Second,
	}
}

// clamp applies the minimum column of spec §6.3's table. Misconfiguration
// is never fatal (spec §7) — values below the minimum are raised to it.
func (c Config) clamp() Config {
	if c.RingMaxBytes < 1 {
		c.RingMaxBytes = 1
	}
	if c.QueueMaxBytes < 1 {
		c.QueueMaxBytes = 1
	}
	if c.BatchMaxBytes < 1024 {
		c.BatchMaxBytes = 1024
	}
	if c.RetryFlushDelay < time.Millisecond {
		c.RetryFlushDelay = time.Millisecond
	}
	if c.CatastrophicBufferedBytes < 1024 {
		c.CatastrophicBufferedBytes = 1024
	}
	if c.CatastrophicStallWindow < time.Millisecond {
		c.CatastrophicStallWindow = time.Millisecond
	}
	return c
}
