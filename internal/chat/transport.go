package chat

import (
	"errors"
	"net/netip"
)

// ErrTransportClosed is returned by Receive after Close.
var ErrTransportClosed = errors.New("chat transport closed")

// Transport moves raw datagrams between group members. One transport serves
// every group a client has joined.
type Transport interface {
	JoinGroup(group netip.Addr) error
	LeaveGroup(group netip.Addr) error
	// Send delivers payload to every current member of group, the sender
	// included when it has joined.
	Send(group netip.Addr, payload []byte) error
	// Receive blocks until a datagram arrives or the transport is closed.
	Receive() ([]byte, error)
	Close() error
}
