// Package wire implements the binary codec from spec §4.7: a datagram is
// exactly a PL tag byte, a PL seq, then (for Msg) a payload which at the
// broadcast layer is an envelope header followed by a payload which, for
// Lattice Agreement, is an LA header followed by packed values. All
// integers are little-endian, fixed-width, with no padding.
//
// The encoding follows the fixed-header/read-exact-n-bytes idiom used by
// the retrieved RakNet-style protocol codec (bounds-checked reads that
// return an error instead of panicking on a short buffer), adapted from a
// bit-stream reader to the simpler byte-slice cursor this wire format
// needs.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/dvx-labs/reliastack/pkg/stack/types"
)

// ErrShortBuffer is returned (and at the PL layer, converted to a silent
// drop) when a datagram is smaller than its fixed header.
var ErrShortBuffer = fmt.Errorf("wire: buffer too short")

// ErrUnknownTag is returned for a PL tag byte that is neither Ack nor Msg.
var ErrUnknownTag = fmt.Errorf("wire: unknown tag")

// ErrBadValuesLength is returned when an LA values tail is not a multiple
// of the 4-byte value width.
var ErrBadValuesLength = fmt.Errorf("wire: values length not a multiple of 4")

// PLTag distinguishes the two PLPacket variants on the wire.
type PLTag byte

const (
	TagAck PLTag = 0
	TagMsg PLTag = 1
)

const (
	plTagSize = 1
	plSeqSize = 4

	envAuthorSize = 2
	envSeqSize    = 4

	laTagSize    = 1
	laRoundSize  = 4
	laNumberSize = 4
	laValueSize  = 4

	// PLHeaderSize is the fixed prefix of every datagram.
	PLHeaderSize = plTagSize + plSeqSize
	// EnvelopeHeaderSize is the fixed prefix of a broadcast envelope payload.
	EnvelopeHeaderSize = envAuthorSize + envSeqSize
	// LAHeaderSize is the fixed prefix of an LA message payload.
	LAHeaderSize = laTagSize + laRoundSize + laNumberSize
)

// PLPacket is the tagged union described in §3: either an Ack(seq) or a
// Msg(seq, payload).
type PLPacket struct {
	Tag     PLTag
	Seq     types.PerfectLinkSeq
	Payload []byte
}

// EncodeAck serializes an Ack(seq) packet.
func EncodeAck(seq types.PerfectLinkSeq) []byte {
	buf := make([]byte, PLHeaderSize)
	buf[0] = byte(TagAck)
	binary.LittleEndian.PutUint32(buf[plTagSize:], uint32(seq))
	return buf
}

// EncodeMsg serializes a Msg(seq, payload) packet.
func EncodeMsg(seq types.PerfectLinkSeq, payload []byte) []byte {
	buf := make([]byte, PLHeaderSize+len(payload))
	buf[0] = byte(TagMsg)
	binary.LittleEndian.PutUint32(buf[plTagSize:], uint32(seq))
	copy(buf[PLHeaderSize:], payload)
	return buf
}

// DecodePLPacket parses a raw datagram into a PLPacket. Packets shorter
// than PLHeaderSize or carrying an unknown tag byte are reported as
// errors; callers at the PL boundary drop these silently per §4.2.
func DecodePLPacket(buf []byte) (PLPacket, error) {
	if len(buf) < PLHeaderSize {
		return PLPacket{}, ErrShortBuffer
	}
	tag := PLTag(buf[0])
	seq := types.PerfectLinkSeq(binary.LittleEndian.Uint32(buf[plTagSize:PLHeaderSize]))
	switch tag {
	case TagAck:
		return PLPacket{Tag: TagAck, Seq: seq}, nil
	case TagMsg:
		payload := make([]byte, len(buf)-PLHeaderSize)
		copy(payload, buf[PLHeaderSize:])
		return PLPacket{Tag: TagMsg, Seq: seq, Payload: payload}, nil
	default:
		return PLPacket{}, ErrUnknownTag
	}
}

// Envelope is the wire form of types.BroadcastId plus its payload.
type Envelope struct {
	Id      types.BroadcastId
	Payload []byte
}

// EncodeEnvelope serializes a broadcast envelope: author id, author seq,
// then payload.
func EncodeEnvelope(e Envelope) []byte {
	buf := make([]byte, EnvelopeHeaderSize+len(e.Payload))
	binary.LittleEndian.PutUint16(buf[0:envAuthorSize], uint16(e.Id.Author))
	binary.LittleEndian.PutUint32(buf[envAuthorSize:EnvelopeHeaderSize], uint32(e.Id.Seq))
	copy(buf[EnvelopeHeaderSize:], e.Payload)
	return buf
}

// DecodeEnvelope parses a broadcast envelope payload.
func DecodeEnvelope(buf []byte) (Envelope, error) {
	if len(buf) < EnvelopeHeaderSize {
		return Envelope{}, ErrShortBuffer
	}
	author := types.ProcessId(binary.LittleEndian.Uint16(buf[0:envAuthorSize]))
	seq := types.AuthorSeq(binary.LittleEndian.Uint32(buf[envAuthorSize:EnvelopeHeaderSize]))
	payload := make([]byte, len(buf)-EnvelopeHeaderSize)
	copy(payload, buf[EnvelopeHeaderSize:])
	return Envelope{Id: types.BroadcastId{Author: author, Seq: seq}, Payload: payload}, nil
}

// LAType distinguishes the three LAMessage variants.
type LAType byte

const (
	LAProposal LAType = 0
	LAAck      LAType = 1
	LANack     LAType = 2
)

// LAMessage is the wire form of a Lattice Agreement protocol message.
type LAMessage struct {
	Type   LAType
	Round  uint32
	Number uint32
	Values []uint32
}

// EncodeLAMessage serializes an LA message: type, round, number, then the
// values packed as fixed-width little-endian integers filling the
// remaining bytes. An empty Values means the remainder is zero bytes.
func EncodeLAMessage(m LAMessage) []byte {
	buf := make([]byte, LAHeaderSize+len(m.Values)*laValueSize)
	buf[0] = byte(m.Type)
	binary.LittleEndian.PutUint32(buf[laTagSize:laTagSize+laRoundSize], m.Round)
	binary.LittleEndian.PutUint32(buf[laTagSize+laRoundSize:LAHeaderSize], m.Number)
	off := LAHeaderSize
	for _, v := range m.Values {
		binary.LittleEndian.PutUint32(buf[off:off+laValueSize], v)
		off += laValueSize
	}
	return buf
}

// DecodeLAMessage parses an LA message payload. Parsers must tolerate any
// suffix length that is a multiple of the value width; any other length
// is a malformed datagram.
func DecodeLAMessage(buf []byte) (LAMessage, error) {
	if len(buf) < LAHeaderSize {
		return LAMessage{}, ErrShortBuffer
	}
	typ := LAType(buf[0])
	round := binary.LittleEndian.Uint32(buf[laTagSize : laTagSize+laRoundSize])
	number := binary.LittleEndian.Uint32(buf[laTagSize+laRoundSize : LAHeaderSize])
	rest := buf[LAHeaderSize:]
	if len(rest)%laValueSize != 0 {
		return LAMessage{}, ErrBadValuesLength
	}
	values := make([]uint32, len(rest)/laValueSize)
	for i := range values {
		values[i] = binary.LittleEndian.Uint32(rest[i*laValueSize : (i+1)*laValueSize])
	}
	return LAMessage{Type: typ, Round: round, Number: number, Values: values}, nil
}
