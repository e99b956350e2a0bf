package lib

import (
	"github.com/Clouded-Sabre/utcp/lib/bunch"
	"github.com/Clouded-Sabre/utcp/lib/handshake"
)

// Events is what a Conn tells its owner. Callbacks run synchronously on the
// goroutine driving the connection and may call back into it.
//
// Slices passed to OnOutgoing and OnRecvBunch are only valid for the
// duration of the call.
type Events interface {
	OnConnect(c *Conn, reconnect bool)
	OnDisconnect(c *Conn, reason CloseReason)
	OnOutgoing(c *Conn, data []byte)
	OnRecvBunch(c *Conn, bunches []*bunch.Bunch)
	OnDeliveryStatus(c *Conn, packetID int32, ack bool)
}

// ListenerEvents is what a Listener tells its owner. OnAccept is expected
// to hand a connection to Listener.Accept: a new one, or for a restarted
// handshake the existing one Listener.RestartMatches finds.
type ListenerEvents interface {
	OnAccept(l *Listener, acc *handshake.Accept)
	OnOutgoing(l *Listener, addr string, data []byte)
}

// NopEvents implements Events doing nothing. Embed it to override only
// some callbacks.
type NopEvents struct{}

func (NopEvents) OnConnect(*Conn, bool)               {}
func (NopEvents) OnDisconnect(*Conn, CloseReason)     {}
func (NopEvents) OnOutgoing(*Conn, []byte)            {}
func (NopEvents) OnRecvBunch(*Conn, []*bunch.Bunch)   {}
func (NopEvents) OnDeliveryStatus(*Conn, int32, bool) {}
