package main

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib"
	"github.com/Clouded-Sabre/utcp/lib/handshake"
	"github.com/Clouded-Sabre/utcp/test/capture"
)

// idleTimeout closes a client session nobody has used for this long.
const idleTimeout = 2 * config.ConnectTimeout

type gateway struct {
	listen   *net.UDPConn
	target   *net.UDPAddr
	rate     float64
	dropAll  bool // drop handshake packets too
	magic    handshake.Magic
	capture  *capture.Writer
	log      lib.Logger
	rngMu    sync.Mutex
	rng      *rand.Rand
	mu       sync.Mutex
	sessions map[string]*session
}

// session is the upstream socket relaying one client.
type session struct {
	client   *net.UDPAddr
	upstream *net.UDPConn
	lastUsed time.Time
}

func main() {
	var (
		listenAddr string
		targetAddr string
		rate       float64
		dropAll    bool
		pcapPath   string
		configPath string
	)
	rootCmd := &cobra.Command{
		Use:   "droptestgw",
		Short: "UDP relay that drops utcp packets at random",
		Long: `Relays datagrams between utcp clients and a server, dropping a share of
them in both directions. Handshake packets are kept unless --drop-handshake
is set.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if cmd.Flags().Changed("config") {
				var err error
				if cfg, err = config.LoadConfig(configPath); err != nil {
					return err
				}
			}
			if rate < 0 || rate > 1 {
				return fmt.Errorf("drop rate %v is outside 0..1", rate)
			}
			target, err := net.ResolveUDPAddr("udp", targetAddr)
			if err != nil {
				return err
			}
			laddr, err := net.ResolveUDPAddr("udp", listenAddr)
			if err != nil {
				return err
			}
			sock, err := net.ListenUDP("udp", laddr)
			if err != nil {
				return err
			}
			g := &gateway{
				listen:   sock,
				target:   target,
				rate:     rate,
				dropAll:  dropAll,
				magic:    handshake.Magic{Value: cfg.MagicHeader, Bits: cfg.MagicHeaderLen},
				log:      lib.NewPtermLogger("gateway", cfg.LogLevel),
				rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
				sessions: make(map[string]*session),
			}
			if pcapPath != "" {
				if g.capture, err = capture.Create(pcapPath); err != nil {
					return err
				}
				defer g.capture.Close()
			}
			return g.run()
		},
	}
	f := rootCmd.Flags()
	f.StringVarP(&listenAddr, "listen", "l", "127.0.0.1:8901", "address clients connect to")
	f.StringVarP(&targetAddr, "target", "t", "127.0.0.1:7777", "utcp server address")
	f.Float64VarP(&rate, "droprate", "d", 0.1, "packet drop rate (0.0-1.0)")
	f.BoolVar(&dropAll, "drop-handshake", false, "also drop handshake packets")
	f.StringVar(&pcapPath, "pcap", "", "write every relayed datagram to this pcap file")
	f.StringVarP(&configPath, "config", "c", "config.yaml", "config file, for the magic header")

	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func (g *gateway) run() error {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		g.log.Infof("shutting down")
		g.listen.Close()
	}()
	go g.reapLoop()

	g.log.Infof("relaying %s -> %s (drop rate: %.1f%%)", g.listen.LocalAddr(), g.target, g.rate*100)
	buf := make([]byte, 64*1024)
	for {
		n, client, err := g.listen.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				g.closeSessions()
				return nil
			}
			g.log.Warnf("read: %v", err)
			continue
		}
		s, err := g.session(client)
		if err != nil {
			g.log.Errorf("session for %s: %v", client, err)
			continue
		}
		data := buf[:n]
		if g.drop(data, false) {
			continue
		}
		g.record(client, g.target, data)
		if _, err := s.upstream.Write(data); err != nil {
			g.log.Debugf("to server for %s: %v", client, err)
		}
	}
}

// session returns the relay for client, dialing a new upstream socket the
// first time it is seen.
func (g *gateway) session(client *net.UDPAddr) (*session, error) {
	key := client.String()
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[key]; ok {
		s.lastUsed = time.Now()
		return s, nil
	}
	up, err := net.DialUDP("udp", nil, g.target)
	if err != nil {
		return nil, err
	}
	s := &session{client: client, upstream: up, lastUsed: time.Now()}
	g.sessions[key] = s
	g.log.Infof("new client %s via %s", client, up.LocalAddr())
	go g.relayBack(s)
	return s, nil
}

func (g *gateway) relayBack(s *session) {
	buf := make([]byte, 64*1024)
	for {
		n, err := s.upstream.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			g.log.Debugf("from server for %s: %v", s.client, err)
			continue
		}
		data := buf[:n]
		if g.drop(data, true) {
			continue
		}
		g.record(g.target, s.client, data)
		if _, err := g.listen.WriteToUDP(data, s.client); err != nil {
			g.log.Debugf("to client %s: %v", s.client, err)
		}
	}
}

func (g *gateway) drop(data []byte, fromServer bool) bool {
	direction := "client-to-server"
	if fromServer {
		direction = "server-to-client"
	}
	dg, err := lib.Inspect(data, g.magic, fromServer)
	if err == nil && dg.Handshake != nil && !g.dropAll {
		return false
	}
	g.rngMu.Lock()
	dropped := g.rng.Float64() < g.rate
	g.rngMu.Unlock()
	if !dropped {
		return false
	}
	if err != nil {
		g.log.Infof("dropped %s undecodable datagram (%d bytes): %v", direction, len(data), err)
	} else {
		g.log.Infof("dropped %s %s", direction, dg)
	}
	return true
}

func (g *gateway) record(src, dst *net.UDPAddr, data []byte) {
	if g.capture == nil {
		return
	}
	if err := g.capture.Write(src, dst, data, time.Now()); err != nil {
		g.log.Warnf("pcap: %v", err)
	}
}

func (g *gateway) reapLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		g.mu.Lock()
		for key, s := range g.sessions {
			if time.Since(s.lastUsed) > idleTimeout {
				s.upstream.Close()
				delete(g.sessions, key)
				g.log.Infof("client %s idle, session closed", key)
			}
		}
		g.mu.Unlock()
	}
}

func (g *gateway) closeSessions() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, s := range g.sessions {
		s.upstream.Close()
		delete(g.sessions, key)
	}
}
