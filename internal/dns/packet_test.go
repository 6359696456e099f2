package dns

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	msg := &Message{
		Header: Header{ID: 0x1234, RD: true, QDCount: 1},
		Questions: []Question{
			{Name: "captive.apple.com", QType: QTypeA, QClas: ClassIN},
		},
	}
	wire := msg.Encode()
	decoded, err := Decode(wire)
	require.NoError(t, err)
	require.Equal(t, msg.Header.ID, decoded.Header.ID)
	require.Len(t, decoded.Questions, 1)
	require.Equal(t, "captive.apple.com", decoded.Questions[0].Name)
	require.Equal(t, uint16(QTypeA), decoded.Questions[0].QType)
}

func TestBuildReplyAnswersAQuery(t *testing.T) {
	gw := net.IPv4(192, 168, 42, 1)
	query := &Message{
		Header:    Header{ID: 7, QDCount: 1},
		Questions: []Question{{Name: "example.com", QType: QTypeA, QClas: ClassIN}},
	}
	reply := BuildReply(query, gw)

	require.True(t, reply.Header.QR)
	require.True(t, reply.Header.AA)
	require.False(t, reply.Header.RA)
	require.Equal(t, RCodeSuccess, reply.Header.RCode)
	require.Len(t, reply.Answers, 1)
	require.Equal(t, "example.com", reply.Answers[0].Name)
	require.True(t, reply.Answers[0].IP.Equal(gw))
	require.EqualValues(t, 60, reply.Answers[0].TTL)
}

func TestBuildReplyAAAAGetsGatewayAnswer(t *testing.T) {
	// Either zero answers or the gateway A record is an acceptable reply to
	// an AAAA query; this implementation answers with the same A record so
	// captive detection still triggers on dual-stack-probing clients.
	gw := net.IPv4(192, 168, 42, 1)
	query := &Message{
		Header:    Header{ID: 8, QDCount: 1},
		Questions: []Question{{Name: "example.com", QType: QTypeAAAA, QClas: ClassIN}},
	}
	reply := BuildReply(query, gw)
	require.Equal(t, RCodeSuccess, reply.Header.RCode)
	require.Len(t, reply.Answers, 1)
}

func TestBuildReplyUnsupportedOpcode(t *testing.T) {
	query := &Message{Header: Header{ID: 9, Opcode: 2}}
	reply := BuildReply(query, net.IPv4(192, 168, 42, 1))
	require.Equal(t, RCodeNotImplemented, reply.Header.RCode)
}

func TestEncodeTruncatesLargeAnswerSet(t *testing.T) {
	gw := net.IPv4(192, 168, 42, 1)
	msg := &Message{Header: Header{ID: 1}}
	for i := 0; i < 100; i++ {
		msg.Answers = append(msg.Answers, Answer{Name: "padding-name-to-grow-the-message.example.com", TTL: 60, IP: gw})
	}
	msg.Header.ANCount = uint16(len(msg.Answers))
	wire := msg.Encode()
	require.LessOrEqual(t, len(wire), maxUDPSize)

	decoded, err := Decode(wire)
	require.NoError(t, err)
	require.True(t, decoded.Header.TC)
}

func TestCompressedNameDecoding(t *testing.T) {
	// Hand-build: question "a.com", then a second question whose name is a
	// pointer back to offset 12 (the start of the first question name).
	buf := []byte{
		0, 1, // ID
		0, 0, // flags
		0, 2, // QDCOUNT
		0, 0, // ANCOUNT
		0, 0, // NSCOUNT
		0, 0, // ARCOUNT
		1, 'a', 3, 'c', 'o', 'm', 0, // a.com
		0, 1, 0, 1, // QTYPE A, QCLASS IN
		0xC0, 12, // pointer to offset 12
		0, 1, 0, 1, // QTYPE A, QCLASS IN
	}
	decoded, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, decoded.Questions, 2)
	require.Equal(t, "a.com", decoded.Questions[0].Name)
	require.Equal(t, "a.com", decoded.Questions[1].Name)
}
