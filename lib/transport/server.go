package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib"
	"github.com/Clouded-Sabre/utcp/lib/handshake"
)

const readBufferSize = config.UDPMtuSize + 64

// Server accepts utcp clients on one UDP socket.
type Server struct {
	cfg     *Config
	log     lib.Logger
	sock    *net.UDPConn
	handler Handler

	mu        sync.Mutex // guards listener, peers and the accept scratch
	listener  *lib.Listener
	peers     map[string]*Peer
	replyAddr *net.UDPAddr
	accepted  []*handshake.Accept

	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// Listen binds a UDP socket. Nothing is read until Serve.
func Listen(addr string, handler Handler, cfg *Config) (*Server, error) {
	cfg = cfg.fill()
	if handler == nil {
		handler = discard{}
	}
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	sock, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:         cfg,
		log:         cfg.Options.Logger,
		sock:        sock,
		handler:     handler,
		peers:       make(map[string]*Peer),
		closeSignal: make(chan struct{}),
	}
	if s.log == nil {
		s.log = lib.NopLogger
	}
	s.listener = lib.NewListener(serverEvents{s}, cfg.Options)
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.sock.LocalAddr() }

// Peers is the number of accepted connections.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Serve runs the read and tick loops until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.wg.Add(2)
	go s.readLoop()
	go s.tickLoop()
	s.log.Infof("utcp server listening on %s", s.Addr())

	select {
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	case <-s.closeSignal:
		return nil
	}
}

// Close stops the loops and closes every connection.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeSignal)
		err = s.sock.Close()
		s.wg.Wait()

		s.mu.Lock()
		peers := make([]*Peer, 0, len(s.peers))
		for _, p := range s.peers {
			peers = append(peers, p)
		}
		s.mu.Unlock()
		for _, p := range peers {
			p.Close()
		}
	})
	return err
}

func (s *Server) writeTo(data []byte, raddr *net.UDPAddr) error {
	_, err := s.sock.WriteToUDP(data, raddr)
	return err
}

func (s *Server) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, raddr, err := s.sock.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closeSignal:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warnf("read: %v", err)
			continue
		}
		data := buf[:n]
		if s.cfg.Drop != nil && s.cfg.Drop(data, false) {
			continue
		}

		key := raddr.String()
		s.mu.Lock()
		p := s.peers[key]
		if p != nil {
			s.mu.Unlock()
			if err := p.incoming(data); err != nil && !errors.Is(err, lib.ErrStalePacket) {
				s.log.Debugf("%s: %v", key, err)
			}
			continue
		}
		s.replyAddr = raddr
		if err := s.listener.Incoming(key, data); err != nil {
			s.log.Debugf("handshake %s: %v", key, err)
		}
		accepted := s.accepted
		s.accepted = nil
		s.mu.Unlock()

		for _, acc := range accepted {
			s.accept(acc, raddr)
		}
	}
}

func (s *Server) accept(acc *handshake.Accept, raddr *net.UDPAddr) {
	s.mu.Lock()
	if _, ok := s.peers[acc.Addr]; ok && !acc.Restarted {
		// a replayed response; the handshake already re-sent the ack
		s.mu.Unlock()
		return
	}
	var p *Peer
	if acc.Restarted {
		for key, cand := range s.peers {
			if cand.restartMatches(s.listener, acc) {
				p = cand
				delete(s.peers, key)
				break
			}
		}
		if p == nil {
			s.mu.Unlock()
			s.log.Warnf("restarted handshake from %s matches no connection", acc.Addr)
			return
		}
		p.setAddr(raddr)
	} else {
		p = newPeer(lib.RoleServer, raddr, s.cfg, s.handler, s.writeTo)
		p.onClose = s.remove
	}
	s.peers[acc.Addr] = p
	s.mu.Unlock()

	p.run(func() error { return s.listener.Accept(p.conn, acc) })
}

func (s *Server) remove(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cand := range s.peers {
		if cand == p {
			delete(s.peers, key)
			return
		}
	}
}

func (s *Server) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeSignal:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if err := s.listener.Update(); err != nil {
			s.log.Errorf("rotate secret: %v", err)
		}
		peers := make([]*Peer, 0, len(s.peers))
		for _, p := range s.peers {
			peers = append(peers, p)
		}
		s.mu.Unlock()

		for _, p := range peers {
			if err := p.update(); err != nil && !errors.Is(err, lib.ErrClosed) {
				s.log.Debugf("update: %v", err)
			}
		}
	}
}

// serverEvents receives listener callbacks, which run under s.mu.
type serverEvents struct {
	s *Server
}

func (e serverEvents) OnAccept(_ *lib.Listener, acc *handshake.Accept) {
	e.s.accepted = append(e.s.accepted, acc)
}

func (e serverEvents) OnOutgoing(_ *lib.Listener, addr string, data []byte) {
	raddr := e.s.replyAddr
	if raddr == nil || raddr.String() != addr {
		var err error
		if raddr, err = net.ResolveUDPAddr("udp", addr); err != nil {
			return
		}
	}
	if e.s.cfg.Drop != nil && e.s.cfg.Drop(data, true) {
		return
	}
	if err := e.s.writeTo(data, raddr); err != nil {
		e.s.log.Debugf("handshake reply to %s: %v", addr, err)
	}
}
