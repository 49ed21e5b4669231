package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
)

// maxDatagram bounds one chat message on the wire.
const maxDatagram = 8192

// MulticastTransport sends and receives chat datagrams over UDP multicast.
// Several clients on the same host can bind the same port.
type MulticastTransport struct {
	conn net.PacketConn
	pc   *ipv4.PacketConn
	ifi  *net.Interface
	port int
}

// ListenMulticast binds the chat port on all IPv4 addresses. A nil ifi lets
// the system pick the multicast interface.
func ListenMulticast(port int, ifi *net.Interface) (*MulticastTransport, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen udp4 :%d: %w", port, err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastLoopback(true); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable multicast loopback: %w", err)
	}
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set multicast interface %s: %w", ifi.Name, err)
		}
	}
	return &MulticastTransport{conn: conn, pc: pc, ifi: ifi, port: port}, nil
}

func (t *MulticastTransport) JoinGroup(group netip.Addr) error {
	if err := t.pc.JoinGroup(t.ifi, t.udpAddr(group)); err != nil {
		return fmt.Errorf("join %s: %w", group, err)
	}
	return nil
}

func (t *MulticastTransport) LeaveGroup(group netip.Addr) error {
	if err := t.pc.LeaveGroup(t.ifi, t.udpAddr(group)); err != nil {
		return fmt.Errorf("leave %s: %w", group, err)
	}
	return nil
}

func (t *MulticastTransport) Send(group netip.Addr, payload []byte) error {
	if len(payload) > maxDatagram {
		return fmt.Errorf("datagram of %d bytes exceeds %d", len(payload), maxDatagram)
	}
	if _, err := t.pc.WriteTo(payload, nil, t.udpAddr(group)); err != nil {
		return fmt.Errorf("send to %s: %w", group, err)
	}
	return nil
}

func (t *MulticastTransport) Receive() ([]byte, error) {
	buf := make([]byte, maxDatagram)
	n, _, _, err := t.pc.ReadFrom(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrTransportClosed
		}
		return nil, err
	}
	return buf[:n], nil
}

func (t *MulticastTransport) Close() error {
	return t.conn.Close()
}

func (t *MulticastTransport) udpAddr(group netip.Addr) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IP(group.AsSlice()), Port: t.port}
}
