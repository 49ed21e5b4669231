// Package addrpool hands out IPv4 multicast group addresses for project chats.
//
// Addresses are minted from a counter added to a base address inside the
// administratively scoped range 239.0.0.0/8. Released addresses go to a FIFO
// free-list which is always served before a new address is minted.
package addrpool

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

// ErrExhausted is returned when every address in the pool is in use.
var ErrExhausted = errors.New("multicast address pool exhausted")

var adminScoped = netip.MustParsePrefix("239.0.0.0/8")

// Pool is a single allocator of multicast addresses. Safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	base     uint32
	capacity uint32
	minted   uint32
	free     []netip.Addr
	inUse    map[netip.Addr]struct{}
}

// New builds a pool of capacity addresses starting right after base. The whole
// range must fall inside 239.0.0.0/8.
func New(base string, capacity int) (*Pool, error) {
	addr, err := netip.ParseAddr(base)
	if err != nil {
		return nil, fmt.Errorf("parse base address: %w", err)
	}
	if !addr.Is4() || !adminScoped.Contains(addr) {
		return nil, fmt.Errorf("base address %s is not in %s", addr, adminScoped)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", capacity)
	}

	start := toUint32(addr)
	last := uint64(start) + uint64(capacity)
	if last > 0xEFFFFFFF {
		return nil, fmt.Errorf("pool of %d addresses from %s leaves %s", capacity, addr, adminScoped)
	}

	return &Pool{
		base:     start,
		capacity: uint32(capacity),
		inUse:    make(map[netip.Addr]struct{}),
	}, nil
}

// Allocate returns an unused address, reusing released ones first.
func (p *Pool) Allocate() (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.free) > 0 {
		addr := p.free[0]
		p.free = p.free[1:]
		if _, taken := p.inUse[addr]; taken {
			continue
		}
		p.inUse[addr] = struct{}{}
		return addr, nil
	}

	for p.minted < p.capacity {
		p.minted++
		addr := fromUint32(p.base + p.minted)
		if _, taken := p.inUse[addr]; taken {
			continue
		}
		p.inUse[addr] = struct{}{}
		return addr, nil
	}
	return netip.Addr{}, ErrExhausted
}

// Release returns addr to the free-list. Releasing an address that is not in
// use is a no-op.
func (p *Pool) Release(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.inUse[addr]; !ok {
		return
	}
	delete(p.inUse, addr)
	p.free = append(p.free, addr)
}

// Reserve marks addr as in use. It is used at startup for addresses restored
// from the store so they are never handed out twice.
func (p *Pool) Reserve(addr netip.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.contains(addr) {
		return fmt.Errorf("address %s is outside the pool", addr)
	}
	if _, ok := p.inUse[addr]; ok {
		return fmt.Errorf("address %s already reserved", addr)
	}
	p.inUse[addr] = struct{}{}
	return nil
}

// InUse returns how many addresses are currently allocated.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

func (p *Pool) contains(addr netip.Addr) bool {
	if !addr.Is4() {
		return false
	}
	v := toUint32(addr)
	return v > p.base && v <= p.base+p.capacity
}

func toUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func fromUint32(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
