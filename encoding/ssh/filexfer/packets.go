package sshfx

import (
	"encoding/binary"
	"fmt"
	"io"
)

// RawPacket implements the general packet format from draft-ietf-secsh-filexfer-02
//
// Defined in https://filezilla-project.org/specs/draft-ietf-secsh-filexfer-02.txt#section-3
//
// For SSH_FXP_INIT and SSH_FXP_VERSION, which carry no request id,
// RequestID is always zero and Data starts at the version field.
type RawPacket struct {
	Type      PacketType
	RequestID uint32

	Data Buffer
}

func hasRequestID(typ PacketType) bool {
	return typ != PacketTypeInit && typ != PacketTypeVersion
}

// Reset clears the pointers and reference-semantic variables of RawPacket,
// releasing underlying resources, and making them and the RawPacket suitable to be reused,
// so long as no other references have been kept.
func (p *RawPacket) Reset() {
	p.Data = Buffer{}
}

// MarshalPacket returns p as a two-part binary encoding of p.
//
// The internal p.RequestID is overridden by the reqid argument.
func (p *RawPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	buf := NewBuffer(b)
	if buf.Cap() < 9 {
		buf = NewMarshalBuffer(0)
	}

	if !hasRequestID(p.Type) {
		buf.Reset()
		buf.PutLength(0)
		buf.AppendUint8(uint8(p.Type))
		return buf.Packet(p.Data.Bytes())
	}

	buf.StartPacket(p.Type, reqid)

	return buf.Packet(p.Data.Bytes())
}

// MarshalBinary returns p as the binary encoding of p.
func (p *RawPacket) MarshalBinary() ([]byte, error) {
	return ComposePacket(p.MarshalPacket(p.RequestID, nil))
}

// UnmarshalFrom decodes a RawPacket from the given Buffer into p.
// Packet types unknown to this package are rejected with ErrMalformedPacket,
// though p.Type and p.RequestID are still filled in.
//
// The Data field will alias the passed in Buffer,
// so the buffer passed in should not be reused before RawPacket.Reset().
func (p *RawPacket) UnmarshalFrom(buf *Buffer) error {
	*p = RawPacket{
		Type: PacketType(buf.ConsumeUint8()),
	}

	if buf.Err != nil {
		return buf.Err
	}

	if hasRequestID(p.Type) {
		p.RequestID = buf.ConsumeUint32()
	}

	if buf.Err != nil {
		return buf.Err
	}

	// The request id is still reported for unknown types, so the caller can fail just that request.
	if _, err := newPacketFromType(p.Type); err != nil {
		return err
	}

	p.Data = *buf

	return nil
}

// UnmarshalBinary decodes a full raw packet out of the given data.
// It is assumed that the uint32(length) has already been consumed to receive the data.
//
// NOTE: To avoid extra allocations, UnmarshalBinary aliases the given byte slice.
func (p *RawPacket) UnmarshalBinary(data []byte) error {
	return p.UnmarshalFrom(NewBuffer(data))
}

// PacketBody decodes the typed packet held in Data, according to Type.
func (p *RawPacket) PacketBody() (Packet, error) {
	body, err := newPacketFromType(p.Type)
	if err != nil {
		return nil, err
	}

	data := p.Data
	if err := body.UnmarshalPacketBody(&data); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedPacket, p.Type, err)
	}

	return body, nil
}

// FrameLength returns the declared body length of the frame starting at b.
// It returns false if b does not yet hold the four length bytes.
func FrameLength(b []byte) (uint32, bool) {
	if len(b) < 4 {
		return 0, false
	}

	return binary.BigEndian.Uint32(b), true
}

// checkLength validates a declared frame body length against maxPacketLength.
func checkLength(length uint32, maxPacketLength uint32) error {
	if length > maxPacketLength {
		return fmt.Errorf("%w: %d > %d", ErrOversizedPacket, length, maxPacketLength)
	}

	if length < 1 {
		return ErrShortPacket
	}

	return nil
}

// DecodeFrame decodes exactly one complete length-prefixed frame.
// The declared length is checked against maxPacketLength before anything else is looked at,
// and must exactly match the number of bytes following it.
//
// NOTE: To avoid extra allocations, the returned RawPacket aliases frame.
func DecodeFrame(frame []byte, maxPacketLength uint32) (*RawPacket, error) {
	length, ok := FrameLength(frame)
	if !ok {
		return nil, ErrShortPacket
	}

	if err := checkLength(length, maxPacketLength); err != nil {
		return nil, err
	}

	if uint64(length) != uint64(len(frame)-4) {
		return nil, fmt.Errorf("%w: declared length %d, have %d bytes", ErrMalformedPacket, length, len(frame)-4)
	}

	p := new(RawPacket)
	if err := p.UnmarshalBinary(frame[4:]); err != nil {
		return nil, err
	}

	return p, nil
}

// Decode is the inverse of Encode: it decodes one complete frame into its request id and typed packet.
func Decode(frame []byte, maxPacketLength uint32) (reqid uint32, p Packet, err error) {
	raw, err := DecodeFrame(frame, maxPacketLength)
	if err != nil {
		return 0, nil, err
	}

	body, err := raw.PacketBody()
	if err != nil {
		return 0, nil, err
	}

	return raw.RequestID, body, nil
}

// ReadFrom reads a full raw packet out of the given reader.
//
// The buffer b is used to hold the frame if it is large enough, otherwise a buffer of exactly
// the declared length is allocated. A frame longer than maxPacketLength is skipped over without
// being buffered, and ErrOversizedPacket is returned, leaving r positioned at the next frame.
func (p *RawPacket) ReadFrom(r io.Reader, b []byte, maxPacketLength uint32) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}

	length, _ := FrameLength(hdr[:])
	if err := checkLength(length, maxPacketLength); err != nil {
		if _, derr := io.CopyN(io.Discard, r, int64(length)); derr != nil {
			return derr
		}
		return err
	}

	if uint32(cap(b)) < length {
		b = make([]byte, length)
	}
	b = b[:length]

	if _, err := io.ReadFull(r, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}

	return p.UnmarshalBinary(b)
}
