package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib"
	"github.com/Clouded-Sabre/utcp/lib/bunch"
	"github.com/Clouded-Sabre/utcp/lib/transport"
)

type options struct {
	configPath string
	server     string
	count      int
	size       int
	interval   time.Duration
	wait       time.Duration
	channel    uint16
	unreliable bool
	reconnect  bool
	maxRetries int
}

// sender is a Client or a ReconnectingClient.
type sender interface {
	Send(chIndex uint16, reliable bool, data []byte) (lib.PacketIDRange, error)
	Close() error
}

func main() {
	var o options
	rootCmd := &cobra.Command{
		Use:           "utcp-client",
		Short:         "utcp echo client",
		Long:          `Connects to a utcp echo server, sends numbered messages and reports the round trip of each echo.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(o.configPath)
			if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
				cfg, err = config.DefaultConfig(), nil
			}
			if err != nil {
				return err
			}
			if o.server != "" {
				cfg.ServerAddr = o.server
			}
			return run(cmd.Context(), cfg, o)
		},
	}
	f := rootCmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "config.yaml", "config file")
	f.StringVarP(&o.server, "server", "s", "", "server address (overrides config)")
	f.IntVarP(&o.count, "count", "n", 10, "messages to send")
	f.IntVar(&o.size, "size", 32, "message size in bytes, at least 4")
	f.DurationVar(&o.interval, "interval", 100*time.Millisecond, "delay between messages")
	f.DurationVar(&o.wait, "wait", 3*time.Second, "how long to wait for the last echoes")
	f.Uint16Var(&o.channel, "channel", 1, "channel index")
	f.BoolVar(&o.unreliable, "unreliable", false, "send unreliably")
	f.BoolVar(&o.reconnect, "reconnect", false, "dial again with backoff when the connection is lost")
	f.IntVar(&o.maxRetries, "max-retries", 10, "reconnect attempts per loss, -1 for no limit")

	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

// echoes matches echoed messages to the time they were sent.
type echoes struct {
	mu   sync.Mutex
	sent map[uint32]time.Time
	rtts map[uint32]time.Duration
	done chan struct{}
	want int
}

func (e *echoes) OnConnect(p *transport.Peer, reconnect bool) {
	if reconnect {
		pterm.Warning.Printfln("reconnected to %s", p.RemoteAddr())
	}
}

func (e *echoes) OnDisconnect(p *transport.Peer, reason lib.CloseReason) {
	pterm.Warning.Printfln("disconnected from %s: %s", p.RemoteAddr(), reason)
}

func (e *echoes) OnMessage(_ *transport.Peer, msg *bunch.Bunch) {
	data := msg.Bytes()
	if len(data) < 4 {
		return
	}
	seq := binary.BigEndian.Uint32(data)

	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.sent[seq]
	if !ok {
		return
	}
	if _, dup := e.rtts[seq]; dup {
		return
	}
	rtt := time.Since(at)
	e.rtts[seq] = rtt
	pterm.Info.Printfln("echo %d: %d bytes in %s", seq, len(data), rtt.Round(time.Microsecond))
	if len(e.rtts) == e.want {
		close(e.done)
	}
}

func (e *echoes) markSent(seq uint32) {
	e.mu.Lock()
	e.sent[seq] = time.Now()
	e.mu.Unlock()
}

func run(ctx context.Context, cfg *config.Config, o options) error {
	if o.size < 4 {
		return fmt.Errorf("size %d is below 4", o.size)
	}
	if o.count <= 0 {
		return nil
	}
	tcfg, err := transport.NewConfig(cfg, nil)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e := &echoes{
		sent: make(map[uint32]time.Time),
		rtts: make(map[uint32]time.Duration),
		done: make(chan struct{}),
		want: o.count,
	}
	c, err := dial(ctx, cfg.ServerAddr, e, tcfg, o)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.ServerAddr, err)
	}
	defer c.Close()

	msg := make([]byte, o.size)
	for i := 0; i < o.count; i++ {
		seq := uint32(i)
		binary.BigEndian.PutUint32(msg, seq)
		for j := 4; j < len(msg); j++ {
			msg[j] = byte(i + j)
		}
		e.markSent(seq)
		if _, err := c.Send(o.channel, !o.unreliable, msg); err != nil {
			if !o.reconnect || !errors.Is(err, transport.ErrDisconnected) {
				return fmt.Errorf("send %d: %w", seq, err)
			}
			pterm.Warning.Printfln("message %d skipped while reconnecting", seq)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(o.interval):
		}
	}

	select {
	case <-e.done:
	case <-time.After(o.wait):
	case <-ctx.Done():
	}
	report(e, o.count)
	return nil
}

func dial(ctx context.Context, addr string, e *echoes, tcfg *transport.Config, o options) (sender, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if !o.reconnect {
		c, err := transport.Dial(dialCtx, addr, e, tcfg)
		if err != nil {
			return nil, err
		}
		pterm.Success.Printfln("connected to %s from %s", addr, c.LocalAddr())
		return c, nil
	}
	rc := transport.DefaultReconnectConfig()
	rc.MaxRetries = o.maxRetries
	rc.OnReconnect = func(c *transport.Client) {
		pterm.Success.Printfln("reconnected to %s from %s", addr, c.LocalAddr())
	}
	rc.OnFinalFailure = func(err error) {
		pterm.Error.Printfln("giving up on %s: %v", addr, err)
	}
	r, err := transport.DialReconnecting(dialCtx, addr, e, tcfg, rc)
	if err != nil {
		return nil, err
	}
	pterm.Success.Printfln("connected to %s from %s", addr, r.Current().LocalAddr())
	return r, nil
}

func report(e *echoes, count int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rtts := make([]time.Duration, 0, len(e.rtts))
	for _, d := range e.rtts {
		rtts = append(rtts, d)
	}
	sort.Slice(rtts, func(i, j int) bool { return rtts[i] < rtts[j] })

	data := pterm.TableData{{"sent", "echoed", "min", "median", "max"}}
	row := []string{fmt.Sprint(count), fmt.Sprint(len(rtts)), "-", "-", "-"}
	if len(rtts) > 0 {
		row[2] = rtts[0].String()
		row[3] = rtts[len(rtts)/2].String()
		row[4] = rtts[len(rtts)-1].String()
	}
	data = append(data, row)
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
