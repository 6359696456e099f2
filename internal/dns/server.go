package dns

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"wifi-captive/internal/wifitypes"
)

// Server answers every inbound query on the configured port with the
// gateway's A record, enabling captive-portal detection.
type Server struct {
	gateway net.IP
	port    int
	log     zerolog.Logger

	conn *net.UDPConn
	stop chan struct{}
	done chan struct{}
}

// New constructs a DNS responder for the given gateway/port.
func New(gateway net.IP, port int, log zerolog.Logger) *Server {
	return &Server{
		gateway: gateway,
		port:    port,
		log:     log.With().Str("component", "dns").Logger(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start binds the UDP socket and begins serving until ctx is cancelled or
// Stop is called.
func (s *Server) Start(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: s.port})
	if err != nil {
		return wifitypes.New(wifitypes.ErrIO, "dns.Start", err)
	}
	s.conn = conn

	go func() {
		defer close(s.done)
		s.serve(ctx)
	}()
	s.log.Info().Int("port", s.port).Msg("dns responder listening")
	return nil
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
		n, addr, err := s.conn.ReadFromUDP(buf)
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
				s.log.Error().Err(err).Msg("dns read error")
				return
			}
		}

		query, err := Decode(buf[:n])
		if err != nil {
			s.log.Debug().Err(err).Msg("dropping malformed dns packet")
			continue
		}
		reply := BuildReply(query, s.gateway)
		if _, err := s.conn.WriteToUDP(reply.Encode(), addr); err != nil {
			s.log.Error().Err(err).Msg("dns send error")
		}
	}
}

// Stop cancels the read loop and closes the socket. No reply is emitted
// once Stop returns.
func (s *Server) Stop() {
	close(s.stop)
	if s.conn != nil {
		s.conn.Close()
	}
	<-s.done
}
