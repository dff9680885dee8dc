package sftp

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sshfx "github.com/fxwire/sftp/encoding/ssh/filexfer"
	"github.com/fxwire/sftp/sftptest"
)

func TestToPortableFlags(t *testing.T) {
	var tests = []struct {
		flag int
		want uint32
	}{
		{OpenFlagReadOnly, sshfx.FlagRead},
		{OpenFlagWriteOnly, sshfx.FlagWrite},
		{OpenFlagReadWrite, sshfx.FlagRead | sshfx.FlagWrite},
		{OpenFlagWriteOnly | OpenFlagCreate | OpenFlagTruncate, sshfx.FlagWrite | sshfx.FlagCreate | sshfx.FlagTruncate},
		{OpenFlagWriteOnly | OpenFlagCreate | OpenFlagExclusive, sshfx.FlagWrite | sshfx.FlagCreate | sshfx.FlagExclusive},
		{OpenFlagWriteOnly | OpenFlagAppend, sshfx.FlagWrite | sshfx.FlagAppend},
	}

	for _, tt := range tests {
		if got := toPortableFlags(tt.flag); got != tt.want {
			t.Errorf("toPortableFlags(%#x) = %#x, want: %#x", tt.flag, got, tt.want)
		}
	}
}

func TestFileWriteRead(t *testing.T) {
	data := randomData(t, 50000)

	srv := sftptest.NewServer()
	s := newTestSession(t, srv)
	ctx := context.Background()

	f, err := s.Create(ctx, "/file")
	require.NoError(t, err)
	assert.Equal(t, "/file", f.Name())

	// Larger than one chunk, so it goes out as two pipelined writes.
	n, err := f.Write(data[:40000])
	require.NoError(t, err)
	assert.Equal(t, 40000, n)

	n, err = f.Write(data[40000:])
	require.NoError(t, err)
	assert.Equal(t, 10000, n)

	fi, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), fi.Size())
	assert.Equal(t, "file", fi.Name())

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	assert.Zero(t, srv.OpenHandles())

	f, err = s.Open(ctx, "/file")
	require.NoError(t, err)
	defer f.Close()

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "read bytes differ")

	n, err = f.Read(make([]byte, 10))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestFileWriteToReadFrom(t *testing.T) {
	data := randomData(t, 100*1024)

	srv := sftptest.NewServer()
	s := newTestSession(t, srv)
	ctx := context.Background()

	f, err := s.Create(ctx, "/file")
	require.NoError(t, err)

	n, err := f.ReadFrom(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	require.NoError(t, f.Close())

	f, err = s.Open(ctx, "/file")
	require.NoError(t, err)
	defer f.Close()

	// Move the cursor, so WriteTo starts part way in.
	head := make([]byte, 100)
	_, err = io.ReadFull(f, head)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err = f.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)-100), n)
	assert.True(t, bytes.Equal(data[100:], buf.Bytes()), "written bytes differ")
}

func TestFileSetStat(t *testing.T) {
	srv := sftptest.NewServer()
	srv.WriteFile("/file", []byte("hello world"))

	s := newTestSession(t, srv)

	f, err := s.OpenFile(context.Background(), "/file", OpenFlagReadWrite, 0)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Truncate(5))
	require.NoError(t, f.Chmod(0o640))
	require.NoError(t, f.Chown(1, 2))

	mtime := time.Unix(1600000000, 0)
	require.NoError(t, f.Chtimes(mtime, mtime))

	fi, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(5), fi.Size())
	assert.Equal(t, fs.FileMode(0o640), fi.Mode().Perm())
	assert.True(t, mtime.Equal(fi.ModTime()))

	attrs := fi.Sys().(*sshfx.Attributes)
	assert.Equal(t, uint32(1), attrs.UID)
	assert.Equal(t, uint32(2), attrs.GID)

	// Truncate leaves the cursor alone.
	buf, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	assert.Equal(t, 4, srv.Count(sshfx.PacketTypeFSetStat))
	assert.Zero(t, srv.Count(sshfx.PacketTypeSetStat))
}

func TestFileClosed(t *testing.T) {
	srv := sftptest.NewServer()
	srv.WriteFile("/file", []byte("hello"))

	s := newTestSession(t, srv)

	f, err := s.Open(context.Background(), "/file")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = f.Read(make([]byte, 5))
	assert.ErrorIs(t, err, ErrUnknownHandle)

	_, err = f.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrUnknownHandle)

	_, err = f.Stat()
	assert.ErrorIs(t, err, ErrUnknownHandle)

	err = f.Truncate(0)
	assert.ErrorIs(t, err, ErrUnknownHandle)

	_, err = f.WriteTo(io.Discard)
	assert.ErrorIs(t, err, ErrUnknownHandle)

	// Nothing but the one OPEN and CLOSE went out.
	assert.Equal(t, 1, srv.Count(sshfx.PacketTypeClose))
	assert.Zero(t, srv.Count(sshfx.PacketTypeRead))
	assert.Zero(t, srv.Count(sshfx.PacketTypeWrite))
}

func TestOpenFileErrors(t *testing.T) {
	srv := sftptest.NewServer()
	srv.WriteFile("/exists", nil)

	s := newTestSession(t, srv)
	ctx := context.Background()

	_, err := s.Open(ctx, "/missing")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = s.Create(ctx, "/no/parent")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = s.OpenFile(ctx, "/exists", OpenFlagWriteOnly|OpenFlagCreate|OpenFlagExclusive, 0o600)
	assert.Error(t, err)

	var pathErr *fs.PathError
	require.ErrorAs(t, err, &pathErr)
	assert.Equal(t, "open", pathErr.Op)
}
