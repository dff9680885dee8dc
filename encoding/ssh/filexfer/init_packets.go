package sshfx

// InitPacket defines the SSH_FXP_INIT packet.
//
// It carries no request id: the uint32 following the type is the protocol version.
type InitPacket struct {
	Version    uint32
	Extensions []*ExtensionPair
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *InitPacket) Type() PacketType {
	return PacketTypeInit
}

// MarshalBinary returns p as the binary encoding of p.
func (p *InitPacket) MarshalBinary() ([]byte, error) {
	return ComposePacket(p.MarshalPacket(0, nil))
}

// MarshalPacket returns p as a two-part binary encoding of p.
// The reqid argument is ignored, as INIT has no request id.
func (p *InitPacket) MarshalPacket(_ uint32, b []byte) (header, payload []byte, err error) {
	return marshalVersioned(PacketTypeInit, p.Version, p.Extensions, b)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint8(type) has already been consumed.
func (p *InitPacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	p.Version, p.Extensions, err = unmarshalVersioned(buf)
	return err
}

// VersionPacket defines the SSH_FXP_VERSION packet.
//
// It carries no request id: the uint32 following the type is the protocol version.
type VersionPacket struct {
	Version    uint32
	Extensions []*ExtensionPair
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *VersionPacket) Type() PacketType {
	return PacketTypeVersion
}

// MarshalBinary returns p as the binary encoding of p.
func (p *VersionPacket) MarshalBinary() ([]byte, error) {
	return ComposePacket(p.MarshalPacket(0, nil))
}

// MarshalPacket returns p as a two-part binary encoding of p.
// The reqid argument is ignored, as VERSION has no request id.
func (p *VersionPacket) MarshalPacket(_ uint32, b []byte) (header, payload []byte, err error) {
	return marshalVersioned(PacketTypeVersion, p.Version, p.Extensions, b)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint8(type) has already been consumed.
func (p *VersionPacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	p.Version, p.Extensions, err = unmarshalVersioned(buf)
	return err
}

func marshalVersioned(typ PacketType, version uint32, exts []*ExtensionPair, b []byte) (header, payload []byte, err error) {
	// uint8(type) + uint32(version)
	size := 1 + 4
	for _, ext := range exts {
		size += ext.MarshalSize()
	}

	buf := NewBuffer(b)
	buf.Reset()
	buf.PutLength(size)
	buf.AppendUint8(uint8(typ))
	buf.AppendUint32(version)

	for _, ext := range exts {
		ext.MarshalInto(buf)
	}

	return buf.b, nil, nil
}

func unmarshalVersioned(buf *Buffer) (version uint32, exts []*ExtensionPair, err error) {
	version = buf.ConsumeUint32()

	for buf.Len() > 0 && buf.Err == nil {
		var ext ExtensionPair
		if err := ext.UnmarshalFrom(buf); err != nil {
			return 0, nil, err
		}

		exts = append(exts, &ext)
	}

	return version, exts, buf.Err
}
