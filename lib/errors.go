package lib

import (
	"errors"
	"fmt"
)

// CloseReason is why a connection was closed.
type CloseReason uint8

const (
	ControlChannelClose CloseReason = iota
	SocketSendFailure
	ConnectionLost
	Cleanup
	PacketHandlerIncomingError
	PrematureSend
	ConnectionTimeout
	ZeroLastByte
	ZeroSize
	ReadHeaderFail
	ReadHeaderExtraFail
	AckSequenceMismatch
	BunchBadChannelIndex
	BunchOverflow
	ReliableBufferOverflow
	PartialMergeFailure
	ResourceExhausted
)

var closeReasonNames = [...]string{
	ControlChannelClose:        "ControlChannelClose",
	SocketSendFailure:          "SocketSendFailure",
	ConnectionLost:             "ConnectionLost",
	Cleanup:                    "Cleanup",
	PacketHandlerIncomingError: "PacketHandlerIncomingError",
	PrematureSend:              "PrematureSend",
	ConnectionTimeout:          "ConnectionTimeout",
	ZeroLastByte:               "ZeroLastByte",
	ZeroSize:                   "ZeroSize",
	ReadHeaderFail:             "ReadHeaderFail",
	ReadHeaderExtraFail:        "ReadHeaderExtraFail",
	AckSequenceMismatch:        "AckSequenceMismatch",
	BunchBadChannelIndex:       "BunchBadChannelIndex",
	BunchOverflow:              "BunchOverflow",
	ReliableBufferOverflow:     "ReliableBufferOverflow",
	PartialMergeFailure:        "PartialMergeFailure",
	ResourceExhausted:          "ResourceExhausted",
}

func (r CloseReason) String() string {
	if int(r) < len(closeReasonNames) {
		return closeReasonNames[r]
	}
	return fmt.Sprintf("CloseReason(%d)", uint8(r))
}

var (
	ErrClosed          = errors.New("utcp: connection closed")
	ErrNotConnected    = errors.New("utcp: handshake not complete")
	ErrStalePacket     = errors.New("utcp: stale or replayed packet")
	ErrWouldBlock      = errors.New("utcp: reliable buffer full")
	ErrNoBunches       = errors.New("utcp: no bunches to send")
	ErrListenerAddress = errors.New("utcp: address too long")
	ErrNotClient       = errors.New("utcp: only a client connection can connect")
	ErrBunchTooLarge   = errors.New("utcp: bunch exceeds single bunch size")
	ErrInvalidRun      = errors.New("utcp: bunches do not form a partial run")
	errAckMismatch     = errors.New("utcp: ack sequence mismatch")
)

// CloseError is returned by the call that closed the connection.
type CloseError struct {
	Reason CloseReason
	Err    error
}

func (e *CloseError) Error() string {
	if e.Err == nil {
		return "utcp: connection closed: " + e.Reason.String()
	}
	return fmt.Sprintf("utcp: connection closed: %s: %v", e.Reason, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }

// Is matches ErrClosed so callers need not unwrap.
func (e *CloseError) Is(target error) bool { return target == ErrClosed }

// TimeoutError reports that no packet arrived within the connection timeout.
type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return false
}
