// Package dhcp implements a from-scratch BOOTP/DHCPv4 server (RFC 2131):
// packet codec, lease table, and the OFFER/ACK protocol needed to hand a
// captive-portal client an address on the hotspot link.
package dhcp

import (
	"encoding/binary"
	"fmt"
	"net"

	"wifi-captive/internal/wifitypes"
)

// MessageType is the DHCP option-53 value.
type MessageType byte

const (
	Discover MessageType = 1
	Offer    MessageType = 2
	Request  MessageType = 3
	Decline  MessageType = 4
	Ack      MessageType = 5
	Nak      MessageType = 6
	Release  MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case Discover:
		return "DISCOVER"
	case Offer:
		return "OFFER"
	case Request:
		return "REQUEST"
	case Decline:
		return "DECLINE"
	case Ack:
		return "ACK"
	case Nak:
		return "NAK"
	case Release:
		return "RELEASE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// Option codes used on the wire.
const (
	OptSubnetMask    = 1
	OptRouter        = 3
	OptDNSServer     = 6
	OptHostName      = 12
	OptRequestedIP   = 50
	OptLeaseTime     = 51
	OptMessageType   = 53
	OptServerID      = 54
	OptParamRequest  = 55
	OptClientID      = 61
	OptEnd           = 0xFF
)

var magicCookie = [4]byte{0x63, 0x82, 0x53, 0x63}

const (
	fixedHeaderLen = 236
	opBootRequest  = 1
	opBootReply    = 2
	htypeEthernet  = 1
	hlenEthernet   = 6
)

// Packet is a decoded BOOTP/DHCPv4 message: the fixed header fields we act
// on, plus the options we read or must emit.
type Packet struct {
	Op      byte
	Xid     uint32
	Flags   uint16
	CIAddr  net.IP
	YIAddr  net.IP
	SIAddr  net.IP
	GIAddr  net.IP
	CHAddr  net.HardwareAddr

	MsgType      MessageType
	ServerID     net.IP
	RequestedIP  net.IP
	LeaseTime    uint32
	SubnetMask   net.IP
	Router       net.IP
	DNSServer    net.IP
	HostName     string
	ClientID     []byte
	ParamRequest []byte
}

// Decode parses a raw UDP payload into a Packet. Malformed input (bad
// magic, truncated header, unknown message type) is reported as an
// ErrCodec so the caller can drop it silently at debug level.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < fixedHeaderLen+4 {
		return nil, wifitypes.New(wifitypes.ErrCodec, "dhcp.Decode", fmt.Errorf("packet too short: %d bytes", len(buf)))
	}
	p := &Packet{}
	p.Op = buf[0]
	htype := buf[1]
	hlen := buf[2]
	p.Xid = binary.BigEndian.Uint32(buf[4:8])
	p.Flags = binary.BigEndian.Uint16(buf[10:12])
	p.CIAddr = net.IP(append([]byte{}, buf[12:16]...))
	p.YIAddr = net.IP(append([]byte{}, buf[16:20]...))
	p.SIAddr = net.IP(append([]byte{}, buf[20:24]...))
	p.GIAddr = net.IP(append([]byte{}, buf[24:28]...))

	if htype != htypeEthernet || hlen != hlenEthernet {
		// Still attempt to read a 6-byte CHAddr; unknown hardware types are
		// rare enough in practice that we don't hard-fail on them here.
		hlen = hlenEthernet
	}
	p.CHAddr = net.HardwareAddr(append([]byte{}, buf[28:28+int(hlen)]...))

	if !bytesEqual(buf[236:240], magicCookie[:]) {
		return nil, wifitypes.New(wifitypes.ErrCodec, "dhcp.Decode", fmt.Errorf("bad magic cookie"))
	}

	if err := p.decodeOptions(buf[240:]); err != nil {
		return nil, err
	}
	if p.MsgType == 0 {
		return nil, wifitypes.New(wifitypes.ErrCodec, "dhcp.Decode", fmt.Errorf("missing or unknown message type option"))
	}
	return p, nil
}

func (p *Packet) decodeOptions(buf []byte) error {
	i := 0
	for i < len(buf) {
		code := buf[i]
		if code == OptEnd {
			break
		}
		if code == 0 { // pad
			i++
			continue
		}
		if i+1 >= len(buf) {
			return wifitypes.New(wifitypes.ErrCodec, "dhcp.decodeOptions", fmt.Errorf("truncated option header"))
		}
		length := int(buf[i+1])
		start := i + 2
		end := start + length
		if end > len(buf) {
			return wifitypes.New(wifitypes.ErrCodec, "dhcp.decodeOptions", fmt.Errorf("truncated option %d", code))
		}
		val := buf[start:end]
		switch code {
		case OptMessageType:
			if length == 1 {
				mt := MessageType(val[0])
				if mt < Discover || mt > Release {
					return wifitypes.New(wifitypes.ErrCodec, "dhcp.decodeOptions", fmt.Errorf("unknown message type %d", val[0]))
				}
				p.MsgType = mt
			}
		case OptServerID:
			p.ServerID = net.IP(append([]byte{}, val...))
		case OptRequestedIP:
			p.RequestedIP = net.IP(append([]byte{}, val...))
		case OptLeaseTime:
			if length == 4 {
				p.LeaseTime = binary.BigEndian.Uint32(val)
			}
		case OptSubnetMask:
			p.SubnetMask = net.IP(append([]byte{}, val...))
		case OptRouter:
			p.Router = net.IP(append([]byte{}, val...))
		case OptDNSServer:
			p.DNSServer = net.IP(append([]byte{}, val...))
		case OptHostName:
			p.HostName = string(val)
		case OptClientID:
			p.ClientID = append([]byte{}, val...)
		case OptParamRequest:
			p.ParamRequest = append([]byte{}, val...)
		}
		i = end
	}
	return nil
}

// Encode serializes a Packet (expected to be an OFFER/ACK/NAK reply this
// server builds) into a wire-ready BOOTP payload.
func (p *Packet) Encode() []byte {
	buf := make([]byte, fixedHeaderLen+4)
	buf[0] = p.Op
	buf[1] = htypeEthernet
	buf[2] = hlenEthernet
	buf[3] = 0 // hops
	binary.BigEndian.PutUint32(buf[4:8], p.Xid)
	binary.BigEndian.PutUint16(buf[8:10], 0) // secs
	binary.BigEndian.PutUint16(buf[10:12], p.Flags)
	copyIP(buf[12:16], p.CIAddr)
	copyIP(buf[16:20], p.YIAddr)
	copyIP(buf[20:24], p.SIAddr)
	copyIP(buf[24:28], p.GIAddr)
	copy(buf[28:28+len(p.CHAddr)], p.CHAddr)
	copy(buf[236:240], magicCookie[:])

	opts := buf[240:240]
	opts = appendOption(opts, OptMessageType, []byte{byte(p.MsgType)})
	if p.ServerID != nil {
		opts = appendOption(opts, OptServerID, p.ServerID.To4())
	}
	if p.LeaseTime > 0 {
		lt := make([]byte, 4)
		binary.BigEndian.PutUint32(lt, p.LeaseTime)
		opts = appendOption(opts, OptLeaseTime, lt)
	}
	if p.SubnetMask != nil {
		opts = appendOption(opts, OptSubnetMask, p.SubnetMask.To4())
	}
	if p.Router != nil {
		opts = appendOption(opts, OptRouter, p.Router.To4())
	}
	if p.DNSServer != nil {
		opts = appendOption(opts, OptDNSServer, p.DNSServer.To4())
	}
	opts = append(opts, OptEnd)
	return append(buf[:240], opts...)
}

func appendOption(buf []byte, code byte, val []byte) []byte {
	buf = append(buf, code, byte(len(val)))
	return append(buf, val...)
}

func copyIP(dst []byte, ip net.IP) {
	if ip == nil {
		return
	}
	v4 := ip.To4()
	if v4 == nil {
		return
	}
	copy(dst, v4)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
