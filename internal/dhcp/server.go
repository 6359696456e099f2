package dhcp

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"wifi-captive/internal/wifitypes"
)

// Server is the DHCPv4 server bound to a single wireless interface during
// Portal-Active. It owns the lease table; nothing outside this package
// reads it directly.
type Server struct {
	cfg    wifitypes.PortalConfig
	iface  string
	leases *LeaseTable
	log    zerolog.Logger

	conn *net.UDPConn
	stop chan struct{}
	done chan struct{}
}

// New constructs a Server bound to the given config's gateway/pool/port.
func New(cfg wifitypes.PortalConfig, log zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		iface:  cfg.Interface,
		leases: NewLeaseTable(cfg.DHCPRangeStart, cfg.DHCPRangeEnd, cfg.Gateway),
		log:    log.With().Str("component", "dhcp").Logger(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start binds the UDP socket with SO_BROADCAST/SO_REUSEADDR and
// SO_BINDTODEVICE, then begins serving until ctx is cancelled or Stop is
// called. It returns once the socket is bound, letting the caller know
// the hotspot's DHCP is ready.
func (s *Server) Start(ctx context.Context) error {
	conn, err := listenDHCP(s.cfg.DHCPPort, s.iface)
	if err != nil {
		return wifitypes.New(wifitypes.ErrIO, "dhcp.Start", err)
	}
	s.conn = conn

	go func() {
		defer close(s.done)
		s.serve(ctx)
	}()
	go s.leases.RunSweeper(s.stop)

	s.log.Info().Int("port", s.cfg.DHCPPort).Str("iface", s.iface).Msg("dhcp server listening")
	return nil
}

// listenDHCP opens the UDP socket broadcast capable and address-reusable,
// bound to the wireless device so packets arriving on other links are
// ignored.
func listenDHCP(port int, iface string) (*net.UDPConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SO_BROADCAST: %w", err)
	}
	if iface != "" {
		if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("SO_BINDTODEVICE(%s): %w", iface, err)
		}
	}
	addr := unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind :%d: %w", port, err)
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("dhcp:%d", port))
	conn, err := net.FilePacketConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("FilePacketConn: %w", err)
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unexpected conn type %T", conn)
	}
	return udpConn, nil
}

func (s *Server) serve(ctx context.Context) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			default:
				s.log.Error().Err(err).Msg("dhcp read error")
				return
			}
		}

		pkt, err := Decode(buf[:n])
		if err != nil {
			s.log.Debug().Err(err).Msg("dropping malformed dhcp packet")
			continue
		}
		reply := s.handle(pkt, time.Now())
		if reply == nil {
			continue
		}
		if err := s.send(reply); err != nil {
			s.log.Error().Err(err).Msg("dhcp send error")
		}
	}
}

func (s *Server) handle(req *Packet, now time.Time) *Packet {
	switch req.MsgType {
	case Discover:
		ip := s.leases.Offer(req.CHAddr, now)
		if ip == nil {
			s.log.Warn().Str("hw", req.CHAddr.String()).Msg("dhcp pool exhausted, dropping DISCOVER")
			return nil
		}
		return s.reply(req, Offer, ip)

	case Request:
		// REQUEST with a server-id from a different server is ignored; a
		// missing server-id against an existing binding is a renewal.
		if req.ServerID != nil && !req.ServerID.Equal(s.cfg.Gateway) {
			return nil
		}
		target := req.RequestedIP
		if target == nil {
			target = req.CIAddr
		}
		if s.leases.Confirm(req.CHAddr, target, now) {
			return s.reply(req, Ack, target)
		}
		return s.nak(req)

	case Decline, Release:
		s.leases.Release(req.CHAddr)
		return nil

	default:
		s.log.Debug().Str("type", req.MsgType.String()).Msg("ignoring dhcp message type")
		return nil
	}
}

func (s *Server) reply(req *Packet, msgType MessageType, yiaddr net.IP) *Packet {
	return &Packet{
		Op:         opBootReply,
		Xid:        req.Xid,
		Flags:      req.Flags,
		YIAddr:     yiaddr,
		GIAddr:     req.GIAddr,
		CHAddr:     req.CHAddr,
		MsgType:    msgType,
		ServerID:   s.cfg.Gateway,
		LeaseTime:  uint32(LeaseTime.Seconds()),
		SubnetMask: net.IPv4(255, 255, 255, 0),
		Router:     s.cfg.Gateway,
		DNSServer:  s.cfg.Gateway,
	}
}

func (s *Server) nak(req *Packet) *Packet {
	return &Packet{
		Op:       opBootReply,
		Xid:      req.Xid,
		CHAddr:   req.CHAddr,
		MsgType:  Nak,
		ServerID: s.cfg.Gateway,
	}
}

func (s *Server) send(reply *Packet) error {
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: 68}
	_, err := s.conn.WriteToUDP(reply.Encode(), dst)
	return err
}

// Stop cancels the read loop and closes the socket. No OFFER or ACK is
// emitted once Stop returns; the caller (the Supervisor, via the hotspot
// teardown sequence) awaits this before tearing down the hotspot itself.
func (s *Server) Stop() {
	close(s.stop)
	if s.conn != nil {
		s.conn.Close()
	}
	<-s.done
}
