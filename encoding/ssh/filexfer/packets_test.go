package sshfx

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestClosePacket(t *testing.T) {
	const (
		id     = 42
		handle = "somehandle"
	)

	data, err := Encode(id, &ClosePacket{Handle: handle})
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	want := []byte{
		0x00, 0x00, 0x00, 19,
		4,
		0x00, 0x00, 0x00, id,
		0x00, 0x00, 0x00, 10, 's', 'o', 'm', 'e', 'h', 'a', 'n', 'd', 'l', 'e',
	}

	if !bytes.Equal(data, want) {
		t.Fatalf("Encode() = %X, but wanted %X", data, want)
	}

	var p ClosePacket

	// UnmarshalPacketBody assumes the uint32(length) + uint8(type) + uint32(request-id) have already been consumed.
	if err := p.UnmarshalPacketBody(NewBuffer(data[9:])); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if p.Handle != handle {
		t.Fatalf("UnmarshalPacketBody(): Handle was %q, but expected %q", p.Handle, handle)
	}
}

func TestReadPacket(t *testing.T) {
	const (
		id     = 42
		handle = "somehandle"
		offset = 0x123456789ABCDEF0
		length = 0xFEDCBA98
	)

	data, err := Encode(id, &ReadPacket{
		Handle: handle,
		Offset: offset,
		Length: length,
	})
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	want := []byte{
		0x00, 0x00, 0x00, 31,
		5,
		0x00, 0x00, 0x00, id,
		0x00, 0x00, 0x00, 10, 's', 'o', 'm', 'e', 'h', 'a', 'n', 'd', 'l', 'e',
		0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC, 0xDE, 0xF0,
		0xFE, 0xDC, 0xBA, 0x98,
	}

	if !bytes.Equal(data, want) {
		t.Fatalf("Encode() = %X, but wanted %X", data, want)
	}
}

func TestInitPacket(t *testing.T) {
	data, err := Encode(99, &InitPacket{Version: 3})
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	want := []byte{
		0x00, 0x00, 0x00, 5,
		1,
		0x00, 0x00, 0x00, 3,
	}

	if !bytes.Equal(data, want) {
		t.Fatalf("Encode() = %X, but wanted %X", data, want)
	}

	raw, err := DecodeFrame(data, DefaultMaxPacketLength)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	if raw.RequestID != 0 {
		t.Errorf("DecodeFrame(): RequestID was %d, but INIT carries none", raw.RequestID)
	}
}

func TestWritePacketPayloadPassThru(t *testing.T) {
	payload := []byte("foobar")

	header, got, err := (&WritePacket{Handle: "h", Offset: 7, Data: payload}).MarshalPacket(1, nil)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	if &got[0] != &payload[0] {
		t.Error("MarshalPacket(): payload was copied")
	}

	if length, _ := FrameLength(header); int(length) != len(header)-4+len(payload) {
		t.Errorf("MarshalPacket(): length was %d, but expected %d", length, len(header)-4+len(payload))
	}
}

func TestRoundTrip(t *testing.T) {
	attrs := Attributes{
		Flags:       AttrSize | AttrUIDGID | AttrPermissions | AttrACModTime | AttrExtended,
		Size:        1 << 40,
		UID:         1000,
		GID:         100,
		Permissions: ModeRegular | 0o644,
		ATime:       1600000000,
		MTime:       1600000001,
		ExtendedAttributes: []ExtendedAttribute{
			{Type: "foo@example.com", Data: "bar"},
		},
	}

	tests := []struct {
		name  string
		reqid uint32
		p     Packet
	}{
		{"init", 0, &InitPacket{Version: 3, Extensions: []*ExtensionPair{{Name: "posix-rename@openssh.com", Data: "1"}}}},
		{"version", 0, &VersionPacket{Version: 3}},
		{"open", 1, &OpenPacket{Filename: "/tmp/foo", PFlags: FlagRead | FlagWrite | FlagCreate, Attrs: attrs}},
		{"close", 2, &ClosePacket{Handle: "h1"}},
		{"read", 3, &ReadPacket{Handle: "h1", Offset: 1 << 33, Length: 32 * 1024}},
		{"write", 4, &WritePacket{Handle: "h1", Offset: 65536, Data: []byte("hello world")}},
		{"lstat", 5, &LStatPacket{Path: "/a"}},
		{"fstat", 6, &FStatPacket{Handle: "h2"}},
		{"opendir", 7, &OpenDirPacket{Path: "/tmp"}},
		{"readdir", 8, &ReadDirPacket{Handle: "d1"}},
		{"remove", 9, &RemovePacket{Path: "/tmp/foo"}},
		{"mkdir", 10, &MkdirPacket{Path: "/tmp/bar", Attrs: Attributes{Flags: AttrPermissions, Permissions: 0o755}}},
		{"rmdir", 11, &RmdirPacket{Path: "/tmp/bar"}},
		{"realpath", 12, &RealPathPacket{Path: "."}},
		{"stat", 13, &StatPacket{Path: "/b"}},
		{"rename", 14, &RenamePacket{OldPath: "/x", NewPath: "/y"}},
		{"setstat", 20, &SetStatPacket{Path: "/x", Attrs: attrs}},
		{"fsetstat", 21, &FSetStatPacket{Handle: "h3", Attrs: Attributes{Flags: AttrSize, Size: 42}}},
		{"readlink", 22, &ReadLinkPacket{Path: "/link"}},
		{"symlink", 23, &SymlinkPacket{LinkPath: "/link", TargetPath: "/target"}},
		{"status", 0xFFFFFFFF, &StatusPacket{StatusCode: StatusNoSuchFile, ErrorMessage: "no such file", LanguageTag: "en"}},
		{"handle", 16, &HandlePacket{Handle: "\x00\x01binary"}},
		{"data", 17, &DataPacket{Data: []byte{0, 1, 2, 3, 4}}},
		{"name", 18, &NamePacket{Entries: []*NameEntry{
			{Filename: "foo", Longname: "-rw-r--r-- foo", Attrs: attrs},
			{Filename: "bar", Longname: "drwxr-xr-x bar", Attrs: Attributes{Flags: AttrPermissions, Permissions: ModeDir | 0o755}},
		}}},
		{"attrs", 19, &AttrsPacket{Attrs: attrs}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.reqid, tt.p)
			if err != nil {
				t.Fatal("unexpected error:", err)
			}

			reqid, got, err := Decode(data, DefaultMaxPacketLength)
			if err != nil {
				t.Fatal("unexpected error:", err)
			}

			if reqid != tt.reqid {
				t.Errorf("Decode(): request id was %d, but expected %d", reqid, tt.reqid)
			}

			if got.Type() != tt.p.Type() {
				t.Errorf("Decode(): type was %v, but expected %v", got.Type(), tt.p.Type())
			}

			if !reflect.DeepEqual(got, tt.p) {
				t.Errorf("Decode() = %#v, but expected %#v", got, tt.p)
			}
		})
	}
}

func TestSymlinkPacketTargetFirst(t *testing.T) {
	p := &SymlinkPacket{
		LinkPath:   "/link",
		TargetPath: "/target",
	}

	data, err := Encode(7, p)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	want := []byte{
		0x00, 0x00, 0x00, 25,
		18,
		0x00, 0x00, 0x00, 7,
		0x00, 0x00, 0x00, 7, '/', 't', 'a', 'r', 'g', 'e', 't',
		0x00, 0x00, 0x00, 5, '/', 'l', 'i', 'n', 'k',
	}

	if !bytes.Equal(data, want) {
		t.Errorf("Encode() = %X, but wanted %X", data, want)
	}
}

func TestDecodeFrameOversized(t *testing.T) {
	const max = 1024

	// Only the header is present: the declared length alone must be enough to reject the frame.
	frame := []byte{0x00, 0x00, 0x04, 0x01}

	_, err := DecodeFrame(frame, max)
	if !errors.Is(err, ErrOversizedPacket) {
		t.Fatalf("DecodeFrame() = %v, but expected ErrOversizedPacket", err)
	}

	frame = []byte{0xFF, 0xFF, 0xFF, 0xFF, 101}
	if _, err := DecodeFrame(frame, DefaultMaxPacketLength); !errors.Is(err, ErrOversizedPacket) {
		t.Fatalf("DecodeFrame() = %v, but expected ErrOversizedPacket", err)
	}
}

func TestDecodeFrameMalformed(t *testing.T) {
	tests := []struct {
		desc  string
		frame []byte
	}{
		{
			desc:  "short header",
			frame: []byte{0x00, 0x00},
		},
		{
			desc:  "zero length",
			frame: []byte{0x00, 0x00, 0x00, 0x00},
		},
		{
			desc:  "declared length longer than data",
			frame: []byte{0x00, 0x00, 0x00, 0x09, 101, 0x00, 0x00, 0x00, 0x01},
		},
		{
			desc:  "declared length shorter than data",
			frame: []byte{0x00, 0x00, 0x00, 0x01, 101, 0x00, 0x00, 0x00, 0x01},
		},
		{
			desc:  "unknown type",
			frame: []byte{0x00, 0x00, 0x00, 0x05, 99, 0x00, 0x00, 0x00, 0x01},
		},
		{
			desc:  "missing request id",
			frame: []byte{0x00, 0x00, 0x00, 0x03, 101, 0x00, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			_, err := DecodeFrame(tt.frame, DefaultMaxPacketLength)
			if !errors.Is(err, ErrMalformedPacket) {
				t.Fatalf("DecodeFrame() = %v, but expected ErrMalformedPacket", err)
			}
		})
	}
}

func TestDecodeFrameUnknownTypeKeepsRequestID(t *testing.T) {
	frame := []byte{0x00, 0x00, 0x00, 0x05, 99, 0x00, 0x00, 0x00, 0x2A}

	var p RawPacket
	err := p.UnmarshalBinary(frame[4:])
	if !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("UnmarshalBinary() = %v, but expected ErrMalformedPacket", err)
	}

	if p.RequestID != 42 {
		t.Errorf("UnmarshalBinary(): RequestID was %d, but expected 42", p.RequestID)
	}
}

func TestPacketBodyNestedLength(t *testing.T) {
	tests := []struct {
		desc  string
		frame []byte
	}{
		{
			desc: "handle string longer than frame",
			frame: []byte{
				0x00, 0x00, 0x00, 12,
				102,
				0x00, 0x00, 0x00, 0x01,
				0x00, 0x00, 0x01, 0x00, 'a', 'b', 'c',
			},
		},
		{
			desc: "name count larger than frame can hold",
			frame: []byte{
				0x00, 0x00, 0x00, 9,
				104,
				0x00, 0x00, 0x00, 0x01,
				0x7F, 0xFF, 0xFF, 0xFF,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			raw, err := DecodeFrame(tt.frame, DefaultMaxPacketLength)
			if err != nil {
				t.Fatal("unexpected error:", err)
			}

			if _, err := raw.PacketBody(); !errors.Is(err, ErrMalformedPacket) {
				t.Fatalf("PacketBody() = %v, but expected ErrMalformedPacket", err)
			}
		})
	}
}

func TestReadFromSkipsOversized(t *testing.T) {
	var stream bytes.Buffer

	stream.Write([]byte{0x00, 0x00, 0x00, 0x20})
	stream.Write(make([]byte, 0x20))

	next, err := Encode(7, &HandlePacket{Handle: "ok"})
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	stream.Write(next)

	var p RawPacket
	if err := p.ReadFrom(&stream, nil, 16); !errors.Is(err, ErrOversizedPacket) {
		t.Fatalf("ReadFrom() = %v, but expected ErrOversizedPacket", err)
	}

	if err := p.ReadFrom(&stream, nil, 16); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if p.Type != PacketTypeHandle || p.RequestID != 7 {
		t.Errorf("ReadFrom() = %v/%d, but expected %v/7", p.Type, p.RequestID, PacketTypeHandle)
	}
}

func TestStatusPacketIs(t *testing.T) {
	var err error = &StatusPacket{StatusCode: StatusPermissionDenied, ErrorMessage: "nope"}

	if !errors.Is(err, StatusPermissionDenied) {
		t.Error("errors.Is(StatusPacket, StatusPermissionDenied) = false")
	}

	if errors.Is(err, StatusEOF) {
		t.Error("errors.Is(StatusPacket, StatusEOF) = true")
	}

	if got, want := err.Error(), `sftp: SSH_FX_PERMISSION_DENIED: "nope"`; got != want {
		t.Errorf("Error() = %q, but expected %q", got, want)
	}
}

func FuzzDecode(f *testing.F) {
	for _, p := range []Packet{
		&StatusPacket{StatusCode: StatusEOF},
		&NamePacket{Entries: []*NameEntry{{Filename: "a"}}},
		&DataPacket{Data: []byte("data")},
		&VersionPacket{Version: 3},
	} {
		data, err := Encode(1, p)
		if err != nil {
			f.Fatal(err)
		}
		f.Add(data)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		reqid, p, err := Decode(data, 4096)
		if err != nil {
			if !errors.Is(err, ErrMalformedPacket) && !errors.Is(err, ErrOversizedPacket) {
				t.Fatalf("Decode() returned unclassified error: %v", err)
			}
			return
		}

		if _, err := Encode(reqid, p); err != nil {
			t.Fatalf("Encode() of decoded packet failed: %v", err)
		}
	})
}
