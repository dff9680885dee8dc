// Package sshfx implements the wire encoding for SFTP version 3 packets.
//
// Specified in https://filezilla-project.org/specs/draft-ietf-secsh-filexfer-02.txt
package sshfx

import (
	"errors"
	"fmt"
)

// ProtocolVersion is the only SFTP protocol version this package encodes.
const ProtocolVersion = 3

// Default bounds used by the client when no option overrides them.
const (
	// DefaultMaxPacketLength is the largest frame body accepted from the wire.
	DefaultMaxPacketLength = 256 * 1024

	// DefaultMaxDataLength is the default chunk size of a single READ or WRITE.
	DefaultMaxDataLength = 32 * 1024
)

// Various encoding errors.
var (
	// ErrMalformedPacket is returned when a frame does not hold a well formed packet.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrOversizedPacket is returned when a frame declares a length beyond the configured maximum.
	ErrOversizedPacket = errors.New("packet too long")

	// ErrShortPacket is returned when a field runs past the end of the frame.
	ErrShortPacket = fmt.Errorf("%w: packet too short", ErrMalformedPacket)
)

// Packet defines the behavior of a full generic SFTP packet.
//
// InitPacket and VersionPacket are not generic SFTP packets,
// as they have no request id, but they implement this interface as well.
type Packet interface {
	// Type returns the SSH_FXP_xy value associated with the specific packet.
	Type() PacketType

	// MarshalPacket returns the binary encoding of the packet as a header and a payload.
	// The payload is passed through without copying, so bulk data is never duplicated.
	MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error)

	// UnmarshalPacketBody decodes the packet body from the given Buffer.
	// It is assumed that the type and request id have already been consumed.
	UnmarshalPacketBody(buf *Buffer) error
}

// ComposePacket converts returns from MarshalPacket into an equivalent call to MarshalBinary.
func ComposePacket(header, payload []byte, err error) ([]byte, error) {
	return append(header, payload...), err
}

// Encode returns the full length-prefixed frame of p sent with the given request id.
func Encode(reqid uint32, p Packet) ([]byte, error) {
	return ComposePacket(p.MarshalPacket(reqid, nil))
}

// newPacketFromType returns a zero packet of the given type.
// Every packet kind known to this package appears here exactly once.
func newPacketFromType(typ PacketType) (Packet, error) {
	switch typ {
	case PacketTypeInit:
		return new(InitPacket), nil
	case PacketTypeVersion:
		return new(VersionPacket), nil
	case PacketTypeOpen:
		return new(OpenPacket), nil
	case PacketTypeClose:
		return new(ClosePacket), nil
	case PacketTypeRead:
		return new(ReadPacket), nil
	case PacketTypeWrite:
		return new(WritePacket), nil
	case PacketTypeLStat:
		return new(LStatPacket), nil
	case PacketTypeFStat:
		return new(FStatPacket), nil
	case PacketTypeSetStat:
		return new(SetStatPacket), nil
	case PacketTypeFSetStat:
		return new(FSetStatPacket), nil
	case PacketTypeOpenDir:
		return new(OpenDirPacket), nil
	case PacketTypeReadDir:
		return new(ReadDirPacket), nil
	case PacketTypeRemove:
		return new(RemovePacket), nil
	case PacketTypeMkdir:
		return new(MkdirPacket), nil
	case PacketTypeRmdir:
		return new(RmdirPacket), nil
	case PacketTypeRealPath:
		return new(RealPathPacket), nil
	case PacketTypeStat:
		return new(StatPacket), nil
	case PacketTypeRename:
		return new(RenamePacket), nil
	case PacketTypeReadLink:
		return new(ReadLinkPacket), nil
	case PacketTypeSymlink:
		return new(SymlinkPacket), nil
	case PacketTypeStatus:
		return new(StatusPacket), nil
	case PacketTypeHandle:
		return new(HandlePacket), nil
	case PacketTypeData:
		return new(DataPacket), nil
	case PacketTypeName:
		return new(NamePacket), nil
	case PacketTypeAttrs:
		return new(AttrsPacket), nil
	default:
		return nil, fmt.Errorf("%w: unexpected packet type: %v", ErrMalformedPacket, typ)
	}
}
