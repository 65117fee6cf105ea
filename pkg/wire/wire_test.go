package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dvx-labs/reliastack/pkg/stack/types"
)

func TestPLPacketRoundTrip(t *testing.T) {
	ack := EncodeAck(42)
	p, err := DecodePLPacket(ack)
	require.NoError(t, err)
	require.Equal(t, TagAck, p.Tag)
	require.EqualValues(t, 42, p.Seq)

	msg := EncodeMsg(7, []byte("hello"))
	p, err = DecodePLPacket(msg)
	require.NoError(t, err)
	require.Equal(t, TagMsg, p.Tag)
	require.EqualValues(t, 7, p.Seq)
	require.Equal(t, []byte("hello"), p.Payload)
}

func TestPLPacketShortAndUnknownTag(t *testing.T) {
	_, err := DecodePLPacket([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortBuffer)

	buf := EncodeAck(1)
	buf[0] = 9
	_, err = DecodePLPacket(buf)
	require.ErrorIs(t, err, ErrUnknownTag)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	e := Envelope{
		Id:      types.BroadcastId{Author: 3, Seq: 99},
		Payload: []byte("payload"),
	}
	buf := EncodeEnvelope(e)
	got, err := DecodeEnvelope(buf)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestLAMessageRoundTripEmptyValues(t *testing.T) {
	m := LAMessage{Type: LAAck, Round: 2, Number: 1}
	buf := EncodeLAMessage(m)
	require.Len(t, buf, LAHeaderSize)
	got, err := DecodeLAMessage(buf)
	require.NoError(t, err)
	require.Equal(t, LAAck, got.Type)
	require.EqualValues(t, 2, got.Round)
	require.EqualValues(t, 1, got.Number)
	require.Empty(t, got.Values)
}

func TestLAMessageRoundTripWithValues(t *testing.T) {
	m := LAMessage{Type: LAProposal, Round: 5, Number: 3, Values: []uint32{1, 2, 3, 4}}
	buf := EncodeLAMessage(m)
	got, err := DecodeLAMessage(buf)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestLAMessageBadValuesLength(t *testing.T) {
	buf := EncodeLAMessage(LAMessage{Type: LANack, Round: 1, Number: 1, Values: []uint32{1}})
	_, err := DecodeLAMessage(buf[:len(buf)-1])
	require.ErrorIs(t, err, ErrBadValuesLength)
}
