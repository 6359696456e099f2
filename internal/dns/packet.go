// Package dns implements a from-scratch DNS responder (RFC 1035) that
// answers every A query with the portal's gateway address, which is what
// makes OS captive-portal detection trigger.
package dns

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"wifi-captive/internal/wifitypes"
)

const (
	QTypeA    = 1
	QTypeAAAA = 28
	ClassIN   = 1

	headerLen  = 12
	maxUDPSize = 512
)

// RCode is a DNS response code.
type RCode byte

const (
	RCodeSuccess        RCode = 0
	RCodeNotImplemented RCode = 4
)

// Header is the 12-byte DNS message header.
type Header struct {
	ID      uint16
	QR      bool
	Opcode  byte
	AA      bool
	TC      bool
	RD      bool
	RA      bool
	RCode   RCode
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

// Question is a single question-section entry.
type Question struct {
	Name  string
	QType uint16
	QClas uint16
}

// Answer is a single A-record answer we emit; this server never needs to
// express any other RR type.
type Answer struct {
	Name string
	TTL  uint32
	IP   net.IP
}

// Message is a decoded query or the reply this package composes for it.
type Message struct {
	Header    Header
	Questions []Question
	Answers   []Answer
}

// Decode parses the header and question section of a raw UDP payload.
// Malformed input is reported as ErrCodec.
func Decode(buf []byte) (*Message, error) {
	if len(buf) < headerLen {
		return nil, wifitypes.New(wifitypes.ErrCodec, "dns.Decode", fmt.Errorf("packet too short: %d bytes", len(buf)))
	}
	m := &Message{}
	flags := binary.BigEndian.Uint16(buf[2:4])
	m.Header = Header{
		ID:      binary.BigEndian.Uint16(buf[0:2]),
		QR:      flags&0x8000 != 0,
		Opcode:  byte((flags >> 11) & 0xF),
		AA:      flags&0x0400 != 0,
		TC:      flags&0x0200 != 0,
		RD:      flags&0x0100 != 0,
		RA:      flags&0x0080 != 0,
		RCode:   RCode(flags & 0xF),
		QDCount: binary.BigEndian.Uint16(buf[4:6]),
		ANCount: binary.BigEndian.Uint16(buf[6:8]),
		NSCount: binary.BigEndian.Uint16(buf[8:10]),
		ARCount: binary.BigEndian.Uint16(buf[10:12]),
	}

	off := headerLen
	for i := 0; i < int(m.Header.QDCount); i++ {
		name, next, err := decodeName(buf, off)
		if err != nil {
			return nil, err
		}
		if next+4 > len(buf) {
			return nil, wifitypes.New(wifitypes.ErrCodec, "dns.Decode", fmt.Errorf("truncated question"))
		}
		q := Question{
			Name:  name,
			QType: binary.BigEndian.Uint16(buf[next : next+2]),
			QClas: binary.BigEndian.Uint16(buf[next+2 : next+4]),
		}
		m.Questions = append(m.Questions, q)
		off = next + 4
	}
	return m, nil
}

// decodeName reads a (possibly compressed) domain name starting at off,
// returning the dotted name and the offset immediately following it.
func decodeName(buf []byte, off int) (string, int, error) {
	var labels []string
	visited := map[int]bool{}
	cur := off
	jumped := false
	end := off

	for {
		if cur >= len(buf) {
			return "", 0, wifitypes.New(wifitypes.ErrCodec, "dns.decodeName", fmt.Errorf("name runs past end of packet"))
		}
		length := int(buf[cur])
		if length == 0 {
			cur++
			if !jumped {
				end = cur
			}
			break
		}
		if length&0xC0 == 0xC0 {
			if cur+1 >= len(buf) {
				return "", 0, wifitypes.New(wifitypes.ErrCodec, "dns.decodeName", fmt.Errorf("truncated compression pointer"))
			}
			ptr := (int(length&0x3F) << 8) | int(buf[cur+1])
			if visited[ptr] {
				return "", 0, wifitypes.New(wifitypes.ErrCodec, "dns.decodeName", fmt.Errorf("compression loop"))
			}
			visited[ptr] = true
			if !jumped {
				end = cur + 2
				jumped = true
			}
			cur = ptr
			continue
		}
		start := cur + 1
		stop := start + length
		if stop > len(buf) {
			return "", 0, wifitypes.New(wifitypes.ErrCodec, "dns.decodeName", fmt.Errorf("label runs past end of packet"))
		}
		labels = append(labels, string(buf[start:stop]))
		cur = stop
	}
	return strings.Join(labels, "."), end, nil
}

// encodeName writes name without compression. Both the question section and
// every answer's name are written this way; the encoder never emits
// compression pointers.
func encodeName(name string) []byte {
	var out []byte
	if name == "" {
		return []byte{0}
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			continue
		}
		out = append(out, byte(len(label)))
		out = append(out, []byte(label)...)
	}
	out = append(out, 0)
	return out
}

// BuildReply composes the response to query: copy the question section
// verbatim, QR=1/RA=0/AA=1/RCODE=0, one A answer pointing at gw with TTL 60s
// per class-IN question whatever its QTYPE; questions of other classes get
// no answer, and unsupported opcodes get RCODE 4.
func BuildReply(query *Message, gw net.IP) *Message {
	reply := &Message{
		Header: Header{
			ID:      query.Header.ID,
			QR:      true,
			Opcode:  query.Header.Opcode,
			AA:      true,
			RA:      false,
			RD:      query.Header.RD,
			QDCount: query.Header.QDCount,
		},
		Questions: query.Questions,
	}

	if query.Header.Opcode != 0 {
		reply.Header.RCode = RCodeNotImplemented
		return reply
	}

	for _, q := range query.Questions {
		if q.QClas != ClassIN {
			continue
		}
		reply.Answers = append(reply.Answers, Answer{Name: q.Name, TTL: 60, IP: gw})
	}
	reply.Header.ANCount = uint16(len(reply.Answers))
	return reply
}

// Encode serializes reply to wire format, truncating the answer section
// (and setting TC=1) if the full message would exceed maxUDPSize.
func (m *Message) Encode() []byte {
	buf := m.encodeFull()
	if len(buf) <= maxUDPSize {
		return buf
	}

	truncated := &Message{Header: m.Header, Questions: m.Questions}
	truncated.Header.TC = true
	truncated.Header.ANCount = 0
	for _, a := range m.Answers {
		candidate := append([]Answer{}, truncated.Answers...)
		candidate = append(candidate, a)
		attempt := &Message{Header: truncated.Header, Questions: m.Questions, Answers: candidate}
		attempt.Header.ANCount = uint16(len(candidate))
		if len(attempt.encodeFull()) > maxUDPSize {
			break
		}
		truncated.Answers = candidate
		truncated.Header.ANCount = uint16(len(candidate))
	}
	return truncated.encodeFull()
}

func (m *Message) encodeFull() []byte {
	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint16(buf[0:2], m.Header.ID)

	var flags uint16
	if m.Header.QR {
		flags |= 0x8000
	}
	flags |= uint16(m.Header.Opcode&0xF) << 11
	if m.Header.AA {
		flags |= 0x0400
	}
	if m.Header.TC {
		flags |= 0x0200
	}
	if m.Header.RD {
		flags |= 0x0100
	}
	if m.Header.RA {
		flags |= 0x0080
	}
	flags |= uint16(m.Header.RCode) & 0xF
	binary.BigEndian.PutUint16(buf[2:4], flags)

	binary.BigEndian.PutUint16(buf[4:6], uint16(len(m.Questions)))
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(m.Answers)))
	binary.BigEndian.PutUint16(buf[8:10], 0)
	binary.BigEndian.PutUint16(buf[10:12], 0)

	for _, q := range m.Questions {
		buf = append(buf, encodeName(q.Name)...)
		t := make([]byte, 4)
		binary.BigEndian.PutUint16(t[0:2], q.QType)
		binary.BigEndian.PutUint16(t[2:4], q.QClas)
		buf = append(buf, t...)
	}

	for _, a := range m.Answers {
		buf = append(buf, encodeName(a.Name)...)
		rr := make([]byte, 10)
		binary.BigEndian.PutUint16(rr[0:2], QTypeA)
		binary.BigEndian.PutUint16(rr[2:4], ClassIN)
		binary.BigEndian.PutUint32(rr[4:8], a.TTL)
		binary.BigEndian.PutUint16(rr[8:10], 4)
		buf = append(buf, rr...)
		buf = append(buf, a.IP.To4()...)
	}
	return buf
}
