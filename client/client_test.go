package main

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib"
	"github.com/Clouded-Sabre/utcp/lib/bunch"
	"github.com/Clouded-Sabre/utcp/lib/transport"
)

type echoServer struct{}

func (echoServer) OnConnect(*transport.Peer, bool)               {}
func (echoServer) OnDisconnect(*transport.Peer, lib.CloseReason) {}
func (echoServer) OnMessage(p *transport.Peer, msg *bunch.Bunch) {
	p.Send(msg.ChIndex, msg.Reliable, msg.Bytes())
}

func newEchoes(want int) *echoes {
	return &echoes{
		sent: make(map[uint32]time.Time),
		rtts: make(map[uint32]time.Duration),
		done: make(chan struct{}),
		want: want,
	}
}

func TestEchoesMatchSequence(t *testing.T) {
	e := newEchoes(2)
	e.markSent(0)
	e.markSent(1)

	msg := func(seq uint32) *bunch.Bunch {
		data := make([]byte, 8)
		binary.BigEndian.PutUint32(data, seq)
		b := &bunch.Bunch{}
		b.SetData(data, len(data)*8)
		return b
	}
	e.OnMessage(nil, msg(0))
	e.OnMessage(nil, msg(0))
	e.OnMessage(nil, msg(7))
	if len(e.rtts) != 1 {
		t.Errorf("For duplicate and unknown echoes, expected 1 match, but got %d", len(e.rtts))
	}
	e.OnMessage(nil, msg(1))
	select {
	case <-e.done:
	default:
		t.Errorf("For all echoes back, expected done to be closed")
	}
}

func TestRun(t *testing.T) {
	s, err := transport.Listen("127.0.0.1:0", echoServer{}, nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	cfg := config.DefaultConfig()
	cfg.ServerAddr = s.Addr().String()
	testCases := []options{
		{count: 3, size: 16, interval: time.Millisecond, wait: 5 * time.Second, channel: 1},
		{count: 3, size: 4, interval: time.Millisecond, wait: 5 * time.Second, channel: 2, unreliable: true},
		{count: 2, size: 2000, interval: time.Millisecond, wait: 5 * time.Second, channel: 1, reconnect: true, maxRetries: 1},
	}
	for _, o := range testCases {
		if err := run(ctx, cfg, o); err != nil {
			t.Errorf("For run %+v, expected no error, but got %v", o, err)
		}
	}
}

func TestRunRejectsShortSize(t *testing.T) {
	if err := run(context.Background(), config.DefaultConfig(), options{count: 1, size: 3}); err == nil {
		t.Errorf("For size 3, expected an error")
	}
}
