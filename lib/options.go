package lib

import (
	"io"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib/handshake"
)

// Clock is the time source of the core, as a duration since an arbitrary
// epoch. It must be monotonic and never return zero.
type Clock interface {
	Now() time.Duration
}

type monotonicClock struct {
	epoch time.Time
}

// NewMonotonicClock starts one second before now, so the first reading is
// already a valid handshake timestamp.
func NewMonotonicClock() Clock {
	return &monotonicClock{epoch: time.Now().Add(-time.Second)}
}

func (c *monotonicClock) Now() time.Duration { return time.Since(c.epoch) }

// ManualClock only moves when told to. It is safe for concurrent use.
type ManualClock struct {
	mu  sync.Mutex
	now time.Duration
}

func NewManualClock(start time.Duration) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

func (c *ManualClock) Set(now time.Duration) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Options is everything a Conn or Listener needs from its environment.
type Options struct {
	Magic          handshake.Magic
	PoolSize       int // bunch nodes per connection
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	DebugCookie    *handshake.Cookie
	Logger         Logger
	Metrics        *Metrics
	Rand           io.Reader // handshake secrets, crypto/rand when nil
	Clock          Clock
}

func DefaultOptions() *Options {
	return &Options{
		PoolSize:       config.BunchNodeCacheMax,
		KeepAlive:      config.KeepAliveTime,
		ConnectTimeout: config.ConnectTimeout,
		Logger:         NopLogger,
		Clock:          NewMonotonicClock(),
	}
}

// NewOptions builds Options from a loaded config. Metrics are left to the
// caller since they need a registerer.
func NewOptions(cfg *config.Config) (*Options, error) {
	opts := DefaultOptions()
	opts.Magic = handshake.Magic{Value: cfg.MagicHeader, Bits: cfg.MagicHeaderLen}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.KeepAlive > 0 {
		opts.KeepAlive = cfg.KeepAlive
	}
	if cfg.ConnectTimeout > 0 {
		opts.ConnectTimeout = cfg.ConnectTimeout
	}
	c, err := handshake.ParseDebugCookie(cfg.DebugCookie)
	if err != nil {
		return nil, err
	}
	opts.DebugCookie = c
	opts.Logger = NewPtermLogger("utcp", cfg.LogLevel)
	// ring pool call stacks help find leaked bunch nodes
	rp.Debug = cfg.Debug
	return opts, nil
}

func (o *Options) fill() *Options {
	if o == nil {
		return DefaultOptions()
	}
	c := *o
	d := DefaultOptions()
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	return &c
}
