package sftptest

import (
	"context"
	"net"
	"testing"

	sshfx "github.com/fxwire/sftp/encoding/ssh/filexfer"
)

func TestRespond(t *testing.T) {
	s := NewServer()
	s.Mkdir("/dir")
	s.WriteFile("/dir/file", []byte("hello"))

	resp := s.Respond(1, &sshfx.OpenPacket{Filename: "/dir/file", PFlags: sshfx.FlagRead})
	handle, ok := resp.(*sshfx.HandlePacket)
	if !ok {
		t.Fatalf("Respond(OPEN) = %#v, want a HandlePacket", resp)
	}

	resp = s.Respond(2, &sshfx.ReadPacket{Handle: handle.Handle, Offset: 1, Length: 100})
	data, ok := resp.(*sshfx.DataPacket)
	if !ok || string(data.Data) != "ello" {
		t.Fatalf("Respond(READ) = %#v, want DATA \"ello\"", resp)
	}

	resp = s.Respond(3, &sshfx.ReadPacket{Handle: handle.Handle, Offset: 5, Length: 100})
	if status, ok := resp.(*sshfx.StatusPacket); !ok || status.StatusCode != sshfx.StatusEOF {
		t.Fatalf("Respond(READ) past the end = %#v, want SSH_FX_EOF", resp)
	}

	if n := s.OpenHandles(); n != 1 {
		t.Fatalf("OpenHandles() = %d, want 1", n)
	}

	resp = s.Respond(4, &sshfx.ClosePacket{Handle: handle.Handle})
	if status, ok := resp.(*sshfx.StatusPacket); !ok || status.StatusCode != sshfx.StatusOK {
		t.Fatalf("Respond(CLOSE) = %#v, want SSH_FX_OK", resp)
	}

	resp = s.Respond(5, &sshfx.ClosePacket{Handle: handle.Handle})
	if status, ok := resp.(*sshfx.StatusPacket); !ok || status.StatusCode != sshfx.StatusFailure {
		t.Fatalf("Respond(CLOSE) twice = %#v, want SSH_FX_FAILURE", resp)
	}
}

func TestRespondPaths(t *testing.T) {
	s := NewServer()

	var tests = []struct {
		req    sshfx.Packet
		want   sshfx.Status
		handle bool // want an SSH_FXP_HANDLE instead of a status
	}{
		{req: &sshfx.MkdirPacket{Path: "/a"}, want: sshfx.StatusOK},
		{req: &sshfx.MkdirPacket{Path: "/a"}, want: sshfx.StatusFailure},
		{req: &sshfx.MkdirPacket{Path: "/x/y"}, want: sshfx.StatusNoSuchFile},
		{req: &sshfx.OpenPacket{Filename: "/a/f", PFlags: sshfx.FlagWrite | sshfx.FlagCreate}, handle: true},
		{req: &sshfx.RmdirPacket{Path: "/a"}, want: sshfx.StatusFailure},
		{req: &sshfx.RenamePacket{OldPath: "/a", NewPath: "/b"}, want: sshfx.StatusOK},
		{req: &sshfx.RemovePacket{Path: "/b"}, want: sshfx.StatusFailure},
		{req: &sshfx.RemovePacket{Path: "/b/f"}, want: sshfx.StatusOK},
		{req: &sshfx.RmdirPacket{Path: "/b"}, want: sshfx.StatusOK},
		{req: &sshfx.RemovePacket{Path: "/b/f"}, want: sshfx.StatusNoSuchFile},
		{req: &sshfx.StatPacket{Path: "/b"}, want: sshfx.StatusNoSuchFile},
	}

	for i, tt := range tests {
		resp := s.Respond(uint32(i), tt.req)

		if tt.handle {
			if _, ok := resp.(*sshfx.HandlePacket); !ok {
				t.Errorf("Respond(%s) = %#v, want SSH_FXP_HANDLE", tt.req.Type(), resp)
			}
			continue
		}

		status, ok := resp.(*sshfx.StatusPacket)
		if !ok || status.StatusCode != tt.want {
			t.Errorf("Respond(%s) = %#v, want %v", tt.req.Type(), resp, tt.want)
		}
	}
}

func TestRespondReadDirBatches(t *testing.T) {
	s := NewServer(WithReadDirBatch(2))
	for _, name := range []string{"/c", "/a", "/b"} {
		s.WriteFile(name, nil)
	}

	handle := s.Respond(1, &sshfx.OpenDirPacket{Path: "/"}).(*sshfx.HandlePacket).Handle

	var names []string
	for {
		resp := s.Respond(2, &sshfx.ReadDirPacket{Handle: handle})
		if status, ok := resp.(*sshfx.StatusPacket); ok {
			if status.StatusCode != sshfx.StatusEOF {
				t.Fatalf("Respond(READDIR) = %v, want SSH_FX_EOF", status.StatusCode)
			}
			break
		}

		batch := resp.(*sshfx.NamePacket)
		if len(batch.Entries) > 2 {
			t.Fatalf("batch of %d entries, want at most 2", len(batch.Entries))
		}
		for _, e := range batch.Entries {
			names = append(names, e.Filename)
		}
	}

	if want := "a,b,c"; join(names) != want {
		t.Fatalf("entries = %s, want %s", join(names), want)
	}
}

func join(names []string) string {
	var out string
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}

func TestServeReorderReads(t *testing.T) {
	s := NewServer(ReorderReads(1, 0))
	s.WriteFile("/f", []byte("0123456789"))

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- s.Serve(context.Background(), server)
	}()

	encode := func(reqid uint32, p sshfx.Packet) []byte {
		frame, err := sshfx.Encode(reqid, p)
		if err != nil {
			t.Fatal("unexpected error:", err)
		}
		return frame
	}

	buf := make([]byte, 1024)
	readResponse := func() (uint32, sshfx.Packet) {
		var raw sshfx.RawPacket
		if err := raw.ReadFrom(client, buf, sshfx.DefaultMaxPacketLength); err != nil {
			t.Fatal("unexpected error:", err)
		}
		body, err := raw.PacketBody()
		if err != nil {
			t.Fatal("unexpected error:", err)
		}
		return raw.RequestID, body
	}

	if _, err := client.Write(encode(1, &sshfx.OpenPacket{Filename: "/f", PFlags: sshfx.FlagRead})); err != nil {
		t.Fatal("unexpected error:", err)
	}
	_, resp := readResponse()
	handle := resp.(*sshfx.HandlePacket).Handle

	reads := append(
		encode(2, &sshfx.ReadPacket{Handle: handle, Offset: 0, Length: 5}),
		encode(3, &sshfx.ReadPacket{Handle: handle, Offset: 5, Length: 5})...,
	)

	// Write from a goroutine: the first READ response is held back until the second arrives.
	go client.Write(reads)

	id, resp := readResponse()
	if id != 3 || string(resp.(*sshfx.DataPacket).Data) != "56789" {
		t.Fatalf("first response = %d %#v, want 3 \"56789\"", id, resp)
	}

	id, resp = readResponse()
	if id != 2 || string(resp.(*sshfx.DataPacket).Data) != "01234" {
		t.Fatalf("second response = %d %#v, want 2 \"01234\"", id, resp)
	}

	if n := s.Count(sshfx.PacketTypeRead); n != 2 {
		t.Fatalf("Count(READ) = %d, want 2", n)
	}

	client.Close()
	if err := <-done; err != nil {
		t.Fatalf("Serve() = %v", err)
	}
}
