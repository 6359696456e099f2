package dhcp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testPool() (net.IP, net.IP, net.IP) {
	return net.IPv4(192, 168, 42, 2), net.IPv4(192, 168, 42, 10), net.IPv4(192, 168, 42, 1)
}

func TestOfferLowestUnused(t *testing.T) {
	start, end, gw := testPool()
	table := NewLeaseTable(start, end, gw)
	now := time.Now()

	hw1, _ := net.ParseMAC("02:11:22:33:44:55")
	ip1 := table.Offer(hw1, now)
	require.Equal(t, "192.168.42.2", ip1.String())

	hw2, _ := net.ParseMAC("02:11:22:33:44:66")
	ip2 := table.Offer(hw2, now)
	require.Equal(t, "192.168.42.3", ip2.String())
}

func TestOfferReoffersSameMAC(t *testing.T) {
	start, end, gw := testPool()
	table := NewLeaseTable(start, end, gw)
	now := time.Now()

	hw, _ := net.ParseMAC("02:11:22:33:44:55")
	first := table.Offer(hw, now)
	second := table.Offer(hw, now)
	require.True(t, first.Equal(second))
}

func TestConfirmAndNakOnMismatch(t *testing.T) {
	start, end, gw := testPool()
	table := NewLeaseTable(start, end, gw)
	now := time.Now()

	hw, _ := net.ParseMAC("02:11:22:33:44:55")
	ip := table.Offer(hw, now)
	require.True(t, table.Confirm(hw, ip, now))

	other, _ := net.ParseMAC("02:99:99:99:99:99")
	require.False(t, table.Confirm(other, ip, now))
}

func TestReleaseThenReofferSameIP(t *testing.T) {
	start, end, gw := testPool()
	table := NewLeaseTable(start, end, gw)
	now := time.Now()

	hw, _ := net.ParseMAC("02:11:22:33:44:55")
	ip := table.Offer(hw, now)
	table.Release(hw)

	again := table.Offer(hw, now)
	require.True(t, ip.Equal(again))
}

func TestLeaseUniquenessAcrossClients(t *testing.T) {
	start, end, gw := testPool()
	table := NewLeaseTable(start, end, gw)
	now := time.Now()

	seen := map[string]bool{}
	for i := 0; i < 9; i++ {
		hw := net.HardwareAddr{0x02, 0x11, 0x22, 0x33, 0x44, byte(i)}
		ip := table.Offer(hw, now)
		require.NotNil(t, ip)
		require.False(t, seen[ip.String()], "duplicate IP offered: %s", ip)
		seen[ip.String()] = true
	}
}

func TestPoolExhaustionReturnsNil(t *testing.T) {
	start, end, gw := testPool() // .2 through .10 inclusive = 9 addresses
	table := NewLeaseTable(start, end, gw)
	now := time.Now()

	for i := 0; i < 9; i++ {
		hw := net.HardwareAddr{0x02, 0x11, 0x22, 0x33, 0x44, byte(i)}
		require.NotNil(t, table.Offer(hw, now))
	}
	overflow := net.HardwareAddr{0x02, 0xff, 0xff, 0xff, 0xff, 0xff}
	require.Nil(t, table.Offer(overflow, now))
}

func TestSweepReclaimsExpiredOffers(t *testing.T) {
	start, end, gw := testPool()
	table := NewLeaseTable(start, end, gw)
	now := time.Now()

	hw, _ := net.ParseMAC("02:11:22:33:44:55")
	table.Offer(hw, now)

	later := now.Add(LeaseTime + time.Minute)
	reclaimed := table.Sweep(later)
	require.Equal(t, 1, reclaimed)

	ip := table.Offer(hw, later)
	require.Equal(t, "192.168.42.2", ip.String())
}
