package sftp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"time"

	sshfx "github.com/fxwire/sftp/encoding/ssh/filexfer"
)

// These aliases to the os package values are provided as a convenience to avoid needing two imports to use OpenFile.
const (
	// Exactly one of OpenReadOnly, OpenWriteOnly, OpenReadWrite must be specified.
	OpenFlagReadOnly  = os.O_RDONLY
	OpenFlagWriteOnly = os.O_WRONLY
	OpenFlagReadWrite = os.O_RDWR
	// The remaining values may be or'ed in to control behavior.
	OpenFlagAppend    = os.O_APPEND
	OpenFlagCreate    = os.O_CREATE
	OpenFlagTruncate  = os.O_TRUNC
	OpenFlagExclusive = os.O_EXCL
)

// toPortableFlags converts the flags passed to OpenFile into SFTP flags.
// Unsupported flags are ignored.
func toPortableFlags(f int) uint32 {
	var out uint32
	switch f & (OpenFlagReadOnly | OpenFlagWriteOnly | OpenFlagReadWrite) {
	case OpenFlagReadOnly:
		out |= sshfx.FlagRead
	case OpenFlagWriteOnly:
		out |= sshfx.FlagWrite
	case OpenFlagReadWrite:
		out |= sshfx.FlagRead | sshfx.FlagWrite
	}
	if f&OpenFlagAppend == OpenFlagAppend {
		out |= sshfx.FlagAppend
	}
	if f&OpenFlagCreate == OpenFlagCreate {
		out |= sshfx.FlagCreate
	}
	if f&OpenFlagTruncate == OpenFlagTruncate {
		out |= sshfx.FlagTruncate
	}
	if f&OpenFlagExclusive == OpenFlagExclusive {
		out |= sshfx.FlagExclusive
	}
	return out
}

// File represents an open remote file.
//
// Read, Write, WriteTo, and ReadFrom move a shared cursor, and are serialized.
// Once the file is closed, every method fails with an error matching ErrUnknownHandle.
type File struct {
	s    *Session
	h    *RemoteHandle
	name string
}

// Open opens the named file for reading.
func (s *Session) Open(ctx context.Context, name string) (*File, error) {
	return s.OpenFile(ctx, name, OpenFlagReadOnly, 0)
}

// Create creates or truncates the named file.
// If the file does not exist, it is created with mode 0o666 (before umask).
func (s *Session) Create(ctx context.Context, name string) (*File, error) {
	return s.OpenFile(ctx, name, OpenFlagReadWrite|OpenFlagCreate|OpenFlagTruncate, 0o666)
}

// OpenFile is the generalized open call;
// most users can use the simplified Open or Create methods instead.
// It opens the named file with the specified flag (OpenFlagReadOnly, etc.).
// If the file does not exist, and the OpenFlagCreate flag is passed, it is created with mode perm (before umask).
//
// Note well: since all Write operations are done through an offset-specifying operation,
// the OpenFlagAppend flag is only passed on to the server.
func (s *Session) OpenFile(ctx context.Context, name string, flag int, perm fs.FileMode) (*File, error) {
	if err := s.ready(); err != nil {
		return nil, wrapPathError("open", name, err)
	}

	h, err := s.open(ctx, &sshfx.OpenPacket{
		Filename: name,
		PFlags:   toPortableFlags(flag),
		Attrs: sshfx.Attributes{
			Flags:       sshfx.AttrPermissions,
			Permissions: sshfx.FileMode(perm.Perm()),
		},
	}, HandleFile, name)
	if err != nil {
		return nil, wrapPathError("open", name, err)
	}

	return &File{
		s:    s,
		h:    h,
		name: name,
	}, nil
}

func (f *File) wrapErr(op string, err error) error {
	return wrapPathError(op, f.name, err)
}

// Name returns the name of the file as presented to Open or Create.
func (f *File) Name() string {
	return f.name
}

// Close closes the File, rendering it unusable for I/O.
// Closing an already closed file does nothing.
func (f *File) Close() error {
	if f == nil {
		return os.ErrInvalid
	}

	return f.wrapErr("close", f.s.closeHandle(f.h))
}

// Stat returns the FileInfo structure describing file.
func (f *File) Stat() (fs.FileInfo, error) {
	if err := f.s.ready(); err != nil {
		return nil, f.wrapErr("fstat", err)
	}

	attrs, err := f.s.fstat(context.Background(), f.h)
	if err != nil {
		return nil, f.wrapErr("fstat", err)
	}

	return &sshfx.NameEntry{
		Filename: path.Base(f.name),
		Attrs:    *attrs,
	}, nil
}

func (f *File) setstat(attrs sshfx.Attributes) error {
	if err := f.s.ready(); err != nil {
		return f.wrapErr("fsetstat", err)
	}

	opaque, err := f.s.handles.lookup(f.h)
	if err != nil {
		return f.wrapErr("fsetstat", err)
	}

	return f.wrapErr("fsetstat",
		f.s.sendPacket(context.Background(), &sshfx.FSetStatPacket{
			Handle: opaque,
			Attrs:  attrs,
		}),
	)
}

// Truncate changes the size of the file.
// It does not change the cursor.
func (f *File) Truncate(size int64) error {
	return f.setstat(sshfx.Attributes{
		Flags: sshfx.AttrSize,
		Size:  uint64(size),
	})
}

// Chmod changes the mode of the file to mode.
func (f *File) Chmod(mode fs.FileMode) error {
	return f.setstat(sshfx.Attributes{
		Flags:       sshfx.AttrPermissions,
		Permissions: sshfx.FromGoFileMode(mode),
	})
}

// Chown changes the numeric uid and gid of the file.
func (f *File) Chown(uid, gid int) error {
	return f.setstat(sshfx.Attributes{
		Flags: sshfx.AttrUIDGID,
		UID:   uint32(uid),
		GID:   uint32(gid),
	})
}

// Chtimes changes the access and modification times of the file, truncated to the second.
func (f *File) Chtimes(atime, mtime time.Time) error {
	return f.setstat(sshfx.Attributes{
		Flags: sshfx.AttrACModTime,
		ATime: uint32(atime.Unix()),
		MTime: uint32(mtime.Unix()),
	})
}

// Read reads up to len(b) bytes from the File at the current cursor.
// It returns the number of bytes read and an error, if any.
// At end of file, Read returns 0, io.EOF.
func (f *File) Read(b []byte) (int, error) {
	if err := f.s.ready(); err != nil {
		return 0, f.wrapErr("read", err)
	}

	f.h.mu.Lock()
	defer f.h.mu.Unlock()

	n, err := f.readAt(context.Background(), b, f.h.offset)
	f.h.offset += int64(n)

	return n, err
}

// readAt sends a single SSH_FXP_READ of at most one chunk, and copies the data into b.
func (f *File) readAt(ctx context.Context, b []byte, off int64) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}

	opaque, err := f.s.handles.lookup(f.h)
	if err != nil {
		return 0, f.wrapErr("read", err)
	}

	res, err := f.s.conn.send(ctx, &sshfx.ReadPacket{
		Handle: opaque,
		Offset: uint64(off),
		Length: uint32(min(len(b), f.s.chunkSize())),
	})
	if err != nil {
		return 0, f.wrapErr("read", err)
	}
	defer f.s.conn.release(res)

	data, eof, err := readResult(res)
	if err != nil {
		return 0, f.wrapErr("read", err)
	}
	if eof {
		return 0, io.EOF
	}

	// Copy before the response buffer goes back to its pool.
	return copy(b, data), nil
}

// Write writes len(b) bytes to the File at the current cursor.
// Writes larger than one chunk are pipelined.
func (f *File) Write(b []byte) (int, error) {
	if err := f.s.ready(); err != nil {
		return 0, f.wrapErr("write", err)
	}

	f.h.mu.Lock()
	defer f.h.mu.Unlock()

	n, err := f.s.upload(context.Background(), f.h, bytes.NewReader(b), uint64(f.h.offset), int64(len(b)), newTransferConfig("", f.name, nil))
	f.h.offset += n

	if err != nil {
		return int(n), f.wrapErr("write", err)
	}

	if int(n) != len(b) {
		return int(n), f.wrapErr("write", io.ErrShortWrite)
	}

	return int(n), nil
}

// WriteTo writes the remainder of the file, from the current cursor, to w.
// It is a pipelined download, and implements io.WriterTo.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	if err := f.s.ready(); err != nil {
		return 0, f.wrapErr("writeto", err)
	}

	f.h.mu.Lock()
	defer f.h.mu.Unlock()

	ctx := context.Background()

	size := int64(-1)
	if attrs, err := f.s.fstat(ctx, f.h); err == nil {
		if sz, ok := attrs.GetSize(); ok {
			size = int64(sz)
		}
	} else if errors.Is(err, ErrUnknownHandle) {
		return 0, f.wrapErr("writeto", err)
	}

	n, err := f.s.download(ctx, f.h, w, uint64(f.h.offset), size, newTransferConfig(f.name, "", nil))
	f.h.offset += n

	if err != nil {
		return n, f.wrapErr("writeto", err)
	}

	return n, nil
}

// ReadFrom writes all of r into the file, from the current cursor.
// It is a pipelined upload, and implements io.ReaderFrom.
func (f *File) ReadFrom(r io.Reader) (int64, error) {
	if err := f.s.ready(); err != nil {
		return 0, f.wrapErr("readfrom", err)
	}

	f.h.mu.Lock()
	defer f.h.mu.Unlock()

	n, err := f.s.upload(context.Background(), f.h, r, uint64(f.h.offset), sourceSize(r), newTransferConfig("", f.name, nil))
	f.h.offset += n

	if err != nil {
		return n, f.wrapErr("readfrom", err)
	}

	return n, nil
}
