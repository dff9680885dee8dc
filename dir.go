package sftp

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"

	sshfx "github.com/fxwire/sftp/encoding/ssh/filexfer"
)

// Dir represents an open remote directory.
//
// The "." and ".." entries are never returned.
// Once the directory is closed, Readdir fails with an error matching ErrUnknownHandle.
type Dir struct {
	s    *Session
	h    *RemoteHandle
	name string

	// Entries already received from the server, but not yet returned.
	// Guarded by h.mu.
	entries []*sshfx.NameEntry
}

// OpenDir opens the named directory for reading.
func (s *Session) OpenDir(ctx context.Context, name string) (*Dir, error) {
	if err := s.ready(); err != nil {
		return nil, wrapPathError("opendir", name, err)
	}

	h, err := s.open(ctx, &sshfx.OpenDirPacket{Path: name}, HandleDir, name)
	if err != nil {
		return nil, wrapPathError("opendir", name, err)
	}

	return &Dir{
		s:    s,
		h:    h,
		name: name,
	}, nil
}

func (d *Dir) wrapErr(op string, err error) error {
	return wrapPathError(op, d.name, err)
}

// Name returns the name of the directory as presented to OpenDir.
func (d *Dir) Name() string {
	return d.name
}

// Close closes the Dir. Closing an already closed directory does nothing.
func (d *Dir) Close() error {
	if d == nil {
		return os.ErrInvalid
	}

	return d.wrapErr("close", d.s.closeHandle(d.h))
}

// Readdir reads the directory, and returns up to n entries in the order the server sent them.
// Later calls return later entries.
//
// If n > 0, Readdir returns at most n entries, and io.EOF once the directory is exhausted.
// If n <= 0, Readdir returns all the remaining entries, and a nil error at the end of the directory.
// Either way, if an error occurs the entries read before it are returned along with it.
func (d *Dir) Readdir(ctx context.Context, n int) ([]fs.FileInfo, error) {
	if d == nil {
		return nil, os.ErrInvalid
	}

	if err := d.s.ready(); err != nil {
		return nil, d.wrapErr("readdir", err)
	}

	d.h.mu.Lock()
	defer d.h.mu.Unlock()

	if _, err := d.s.handles.lookup(d.h); err != nil {
		return nil, d.wrapErr("readdir", err)
	}

	var ret []fs.FileInfo

	for n <= 0 || len(ret) < n {
		if len(d.entries) == 0 {
			if d.h.eof {
				break
			}

			if err := d.fill(ctx); err != nil {
				if errors.Is(err, io.EOF) {
					d.h.eof = true
					break
				}

				return ret, d.wrapErr("readdir", err)
			}

			continue
		}

		k := len(d.entries)
		if n > 0 {
			k = min(k, n-len(ret))
		}

		for _, entry := range d.entries[:k] {
			ret = append(ret, entry)
		}
		d.entries = d.entries[k:]
	}

	if n > 0 && len(ret) == 0 {
		return nil, io.EOF
	}

	return ret, nil
}

// fill sends one SSH_FXP_READDIR, and buffers the entries of the response.
// Callers must hold d.h.mu.
func (d *Dir) fill(ctx context.Context) error {
	opaque, err := d.s.handles.lookup(d.h)
	if err != nil {
		return err
	}

	pkt, err := getPacket[sshfx.NamePacket](ctx, d.s, &sshfx.ReadDirPacket{
		Handle: opaque,
	})
	if err != nil {
		return err
	}

	for _, entry := range pkt.Entries {
		if entry.Filename == "." || entry.Filename == ".." {
			continue
		}

		d.entries = append(d.entries, entry)
	}

	return nil
}
