package chat

import (
	"net/netip"
	"sync"
)

// Loopback is an in-process multicast network. Transports attached to the same
// Loopback see each other's datagrams for the groups they joined.
type Loopback struct {
	mu    sync.Mutex
	peers map[*LoopbackTransport]struct{}
}

// NewLoopback returns an empty network.
func NewLoopback() *Loopback {
	return &Loopback{peers: make(map[*LoopbackTransport]struct{})}
}

// Attach creates a transport on the network.
func (l *Loopback) Attach() *LoopbackTransport {
	t := &LoopbackTransport{
		net:    l,
		groups: make(map[netip.Addr]struct{}),
		inbox:  make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	l.mu.Lock()
	l.peers[t] = struct{}{}
	l.mu.Unlock()
	return t
}

func (l *Loopback) deliver(group netip.Addr, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for peer := range l.peers {
		peer.offer(group, payload)
	}
}

func (l *Loopback) detach(t *LoopbackTransport) {
	l.mu.Lock()
	delete(l.peers, t)
	l.mu.Unlock()
}

// LoopbackTransport is one member of a Loopback network. Like UDP, a datagram
// that does not fit the inbox is dropped.
type LoopbackTransport struct {
	net *Loopback

	mu     sync.Mutex
	groups map[netip.Addr]struct{}
	inbox  chan []byte
	done   chan struct{}
	closed bool
}

func (t *LoopbackTransport) JoinGroup(group netip.Addr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.groups[group] = struct{}{}
	return nil
}

func (t *LoopbackTransport) LeaveGroup(group netip.Addr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.groups, group)
	return nil
}

func (t *LoopbackTransport) Send(group netip.Addr, payload []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	t.net.deliver(group, append([]byte(nil), payload...))
	return nil
}

func (t *LoopbackTransport) Receive() ([]byte, error) {
	select {
	case p := <-t.inbox:
		return p, nil
	case <-t.done:
		return nil, ErrTransportClosed
	}
}

func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.net.detach(t)
	return nil
}

func (t *LoopbackTransport) offer(group netip.Addr, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if _, ok := t.groups[group]; !ok {
		return
	}
	select {
	case t.inbox <- payload:
	default:
	}
}
