package dhcp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	hw, _ := net.ParseMAC("02:11:22:33:44:55")
	original := &Packet{
		Op:         opBootReply,
		Xid:        0xDEADBEEF,
		YIAddr:     net.IPv4(192, 168, 42, 2),
		CHAddr:     hw,
		MsgType:    Offer,
		ServerID:   net.IPv4(192, 168, 42, 1),
		LeaseTime:  600,
		SubnetMask: net.IPv4(255, 255, 255, 0),
		Router:     net.IPv4(192, 168, 42, 1),
		DNSServer:  net.IPv4(192, 168, 42, 1),
	}

	wire := original.Encode()
	decoded, err := Decode(wire)
	require.NoError(t, err)

	require.Equal(t, original.Xid, decoded.Xid)
	require.True(t, original.YIAddr.Equal(decoded.YIAddr))
	require.Equal(t, original.CHAddr.String(), decoded.CHAddr.String())
	require.Equal(t, original.MsgType, decoded.MsgType)
	require.True(t, original.ServerID.Equal(decoded.ServerID))
	require.Equal(t, original.LeaseTime, decoded.LeaseTime)
	require.True(t, original.SubnetMask.Equal(decoded.SubnetMask))
	require.True(t, original.Router.Equal(decoded.Router))
	require.True(t, original.DNSServer.Equal(decoded.DNSServer))
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	hw, _ := net.ParseMAC("02:11:22:33:44:55")
	pkt := &Packet{Op: 1, CHAddr: hw, MsgType: Discover}
	wire := pkt.Encode()
	wire[236] = 0x00 // corrupt the magic cookie
	_, err := Decode(wire)
	require.Error(t, err)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestDecodeRejectsUnknownMessageType(t *testing.T) {
	hw, _ := net.ParseMAC("02:11:22:33:44:55")
	pkt := &Packet{Op: 1, CHAddr: hw, MsgType: MessageType(99)}
	wire := pkt.Encode()
	_, err := Decode(wire)
	require.Error(t, err)
}

func TestDiscoverEncodeDecode(t *testing.T) {
	hw, _ := net.ParseMAC("02:11:22:33:44:55")
	discover := &Packet{Op: opBootRequest, Xid: 1, CHAddr: hw, MsgType: Discover}
	wire := discover.Encode()
	decoded, err := Decode(wire)
	require.NoError(t, err)
	require.Equal(t, Discover, decoded.MsgType)
	require.Equal(t, hw.String(), decoded.CHAddr.String())
}
