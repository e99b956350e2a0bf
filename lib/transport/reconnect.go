package transport

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/Clouded-Sabre/utcp/lib"
)

var ErrReconnectClosed = errors.New("transport: reconnecting client closed")

// ReconnectConfig holds the redial policy of a ReconnectingClient.
type ReconnectConfig struct {
	MaxRetries        int           // per loss, -1 for infinite
	InitialBackoff    time.Duration // delay before the first retry
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	DialTimeout       time.Duration   // per attempt
	OnReconnect       func(c *Client) // called with the new connection
	OnFinalFailure    func(err error) // called when the retries of one loss ran out
}

// DefaultReconnectConfig returns a conservative policy.
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxRetries:        10,
		InitialBackoff:    time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 1.5,
		DialTimeout:       5 * time.Second,
	}
}

// Backoff is the delay before retry number retry, counting from zero.
func (rc *ReconnectConfig) Backoff(retry int) time.Duration {
	backoff := time.Duration(float64(rc.InitialBackoff) * math.Pow(rc.BackoffMultiplier, float64(retry)))
	if backoff > rc.MaxBackoff || backoff < 0 {
		backoff = rc.MaxBackoff
	}
	return backoff
}

// ReconnectingClient keeps a Client connected to one server, dialing a new
// connection with backoff whenever the current one is lost. Messages sent
// while disconnected fail with ErrDisconnected.
type ReconnectingClient struct {
	addr    string
	handler Handler
	cfg     *Config
	rc      *ReconnectConfig
	log     lib.Logger

	mu      sync.RWMutex
	current *Client

	lost        chan struct{}
	closeSignal chan struct{}
	closeOnce   sync.Once
	done        chan struct{}
}

// lossHandler reports disconnects that were not asked for.
type lossHandler struct {
	Handler
	r *ReconnectingClient
}

func (h lossHandler) OnDisconnect(p *Peer, reason lib.CloseReason) {
	h.Handler.OnDisconnect(p, reason)
	if reason == lib.Cleanup {
		return
	}
	select {
	case h.r.lost <- struct{}{}:
	default:
	}
}

func (h lossHandler) OnDeliveryStatus(p *Peer, packetID int32, ack bool) {
	if dh, ok := h.Handler.(DeliveryHandler); ok {
		dh.OnDeliveryStatus(p, packetID, ack)
	}
}

// DialReconnecting makes the first connection like Dial and keeps it up
// afterwards.
func DialReconnecting(ctx context.Context, addr string, handler Handler, cfg *Config, rc *ReconnectConfig) (*ReconnectingClient, error) {
	if handler == nil {
		handler = discard{}
	}
	if rc == nil {
		rc = DefaultReconnectConfig()
	}
	cfg = cfg.fill()
	r := &ReconnectingClient{
		addr:        addr,
		cfg:         cfg,
		rc:          rc,
		log:         cfg.Options.Logger,
		lost:        make(chan struct{}, 1),
		closeSignal: make(chan struct{}),
		done:        make(chan struct{}),
	}
	if r.log == nil {
		r.log = lib.NopLogger
	}
	r.handler = lossHandler{Handler: handler, r: r}

	c, err := Dial(ctx, addr, r.handler, cfg)
	if err != nil {
		return nil, err
	}
	r.current = c
	go r.loop()
	return r, nil
}

// Current is the live connection, or nil while reconnecting.
func (r *ReconnectingClient) Current() *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func (r *ReconnectingClient) Send(chIndex uint16, reliable bool, data []byte) (lib.PacketIDRange, error) {
	c := r.Current()
	if c == nil {
		return lib.PacketIDRange{First: -1, Last: -1}, ErrDisconnected
	}
	return c.Send(chIndex, reliable, data)
}

// Close stops reconnecting and closes the current connection.
func (r *ReconnectingClient) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closeSignal)
		<-r.done
		r.mu.Lock()
		c := r.current
		r.current = nil
		r.mu.Unlock()
		if c != nil {
			err = c.Close()
		}
	})
	return err
}

func (r *ReconnectingClient) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.closeSignal:
			return
		case <-r.lost:
		}

		r.mu.Lock()
		old := r.current
		r.current = nil
		r.mu.Unlock()
		if old != nil {
			old.Close()
		}

		c, err := r.redial()
		if err != nil {
			if errors.Is(err, ErrReconnectClosed) {
				return
			}
			r.log.Errorf("reconnect to %s failed: %v", r.addr, err)
			if r.rc.OnFinalFailure != nil {
				r.rc.OnFinalFailure(err)
			}
			return
		}
		r.mu.Lock()
		r.current = c
		r.mu.Unlock()
		if r.rc.OnReconnect != nil {
			r.rc.OnReconnect(c)
		}
	}
}

func (r *ReconnectingClient) redial() (*Client, error) {
	var lastErr error
	for retry := 0; r.rc.MaxRetries < 0 || retry < r.rc.MaxRetries; retry++ {
		wait := r.rc.Backoff(retry)
		r.log.Infof("reconnect attempt %d to %s in %s", retry+1, r.addr, wait)
		select {
		case <-r.closeSignal:
			return nil, ErrReconnectClosed
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.rc.DialTimeout)
		c, err := Dial(ctx, r.addr, r.handler, r.cfg)
		cancel()
		if err == nil {
			r.log.Infof("reconnected to %s on attempt %d", r.addr, retry+1)
			return c, nil
		}
		lastErr = err
		r.log.Warnf("reconnect attempt %d to %s: %v", retry+1, r.addr, err)
		// a dial that timed out in the handshake reports a loss of its own
		select {
		case <-r.lost:
		default:
		}
	}
	return nil, lastErr
}
