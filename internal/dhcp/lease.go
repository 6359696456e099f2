package dhcp

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"wifi-captive/internal/wifitypes"
)

// LeaseTime is the fixed lease duration, 10 minutes regardless of what any
// client requests.
const LeaseTime = 10 * time.Minute

// sweepInterval is how often expired offered leases are reclaimed so a pool
// of never-completing clients doesn't exhaust the range.
const sweepInterval = 30 * time.Second

// LeaseTable is the DHCP server's lease state: one in-memory map, never
// persisted to disk, guarded by a mutex since requests arrive concurrently
// from the UDP read loop.
type LeaseTable struct {
	mu     sync.Mutex
	leases map[string]*wifitypes.Lease // keyed by HW.String()
	start  uint32
	end    uint32
	gw     uint32
}

// NewLeaseTable builds an empty table over [start, end], excluding gateway.
func NewLeaseTable(start, end, gateway net.IP) *LeaseTable {
	return &LeaseTable{
		leases: make(map[string]*wifitypes.Lease),
		start:  ipToUint32(start),
		end:    ipToUint32(end),
		gw:     ipToUint32(gateway),
	}
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	return binary.BigEndian.Uint32(v4)
}

func uint32ToIP(v uint32) net.IP {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return net.IP(b)
}

// Offer returns the IP to put in an OFFER for hw: its existing unexpired
// lease if it has one, otherwise the lowest unused address in the pool. It
// returns nil if the pool is exhausted, in which case the caller drops the
// packet silently rather than NAK-ing.
func (t *LeaseTable) Offer(hw net.HardwareAddr, now time.Time) net.IP {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := hw.String()
	if l, ok := t.leases[key]; ok && !l.Expired(now) {
		return l.IP
	}

	used := make(map[uint32]bool, len(t.leases))
	for _, l := range t.leases {
		if !l.Expired(now) {
			used[ipToUint32(l.IP)] = true
		}
	}

	for v := t.start; v <= t.end; v++ {
		if v == t.gw || used[v] {
			continue
		}
		ip := uint32ToIP(v)
		t.leases[key] = &wifitypes.Lease{
			IP:     ip,
			HW:     append(net.HardwareAddr{}, hw...),
			Expiry: now.Add(LeaseTime),
			State:  wifitypes.LeaseOffered,
		}
		return ip
	}
	return nil
}

// Confirm binds hw's offered lease to ip, returning false if hw has no
// matching offer (the caller should reply NAK).
func (t *LeaseTable) Confirm(hw net.HardwareAddr, ip net.IP, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := hw.String()
	l, ok := t.leases[key]
	if !ok || !l.IP.Equal(ip) {
		return false
	}
	l.State = wifitypes.LeaseBound
	l.Expiry = now.Add(LeaseTime)
	return true
}

// Release drops hw's lease immediately (RELEASE/DECLINE), freeing its
// address for the next Offer.
func (t *LeaseTable) Release(hw net.HardwareAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.leases, hw.String())
}

// Sweep drops expired offered leases so they don't hold pool addresses
// hostage. Bound leases are left for the client's natural renewal cycle.
func (t *LeaseTable) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, l := range t.leases {
		if l.State == wifitypes.LeaseOffered && l.Expired(now) {
			delete(t.leases, k)
			n++
		}
	}
	return n
}

// RunSweeper blocks, sweeping on sweepInterval until stop is closed.
func (t *LeaseTable) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			t.Sweep(now)
		}
	}
}

// Snapshot returns a copy of every non-expired lease, for diagnostics.
func (t *LeaseTable) Snapshot(now time.Time) []wifitypes.Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]wifitypes.Lease, 0, len(t.leases))
	for _, l := range t.leases {
		if !l.Expired(now) {
			out = append(out, *l)
		}
	}
	return out
}
