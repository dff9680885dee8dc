package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"

	sshfx "github.com/fxwire/sftp/encoding/ssh/filexfer"
)

type respPacket[PKT any] interface {
	*PKT
	sshfx.Packet
}

// getPacket sends req, and decodes the response as a PKT.
// An SSH_FXP_STATUS response is returned as an error.
//
// The response must not alias the frame it was decoded from,
// so getPacket is not used for SSH_FXP_DATA.
func getPacket[PKT any, P respPacket[PKT]](ctx context.Context, s *Session, req sshfx.Packet) (*PKT, error) {
	res, err := s.conn.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer s.conn.release(res)

	var resp P

	switch res.pkt.Type {
	case resp.Type():
		resp = new(PKT)
		if err := resp.UnmarshalPacketBody(&res.pkt.Data); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformedPacket, res.pkt.Type, err)
		}

		return resp, nil

	case sshfx.PacketTypeStatus:
		return nil, unmarshalStatus(res.pkt, false)

	default:
		return nil, fmt.Errorf("%w: unexpected packet type: %s", ErrMalformedPacket, res.pkt.Type)
	}
}

func unmarshalStatus(raw *sshfx.RawPacket, okExpected bool) error {
	var status sshfx.StatusPacket
	if err := status.UnmarshalPacketBody(&raw.Data); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedPacket, raw.Type, err)
	}

	return statusToError(&status, okExpected)
}

// statusResult interprets, and releases, a response that should be an SSH_FXP_STATUS.
func (s *Session) statusResult(res result) error {
	if res.err != nil {
		return res.err
	}
	defer s.conn.release(res)

	switch res.pkt.Type {
	case sshfx.PacketTypeStatus:
		return unmarshalStatus(res.pkt, true)

	default:
		return fmt.Errorf("%w: unexpected packet type: %s", ErrMalformedPacket, res.pkt.Type)
	}
}

func (s *Session) sendPacket(ctx context.Context, req sshfx.Packet) error {
	res, err := s.conn.send(ctx, req)
	if err != nil {
		return err
	}

	return s.statusResult(res)
}

// open sends an SSH_FXP_OPEN or SSH_FXP_OPENDIR, and registers the handle the server returns.
func (s *Session) open(ctx context.Context, req sshfx.Packet, kind HandleKind, name string) (*RemoteHandle, error) {
	pkt, err := getPacket[sshfx.HandlePacket](ctx, s, req)
	if err != nil {
		return nil, err
	}

	return s.handles.register(pkt.Handle, kind, name), nil
}

// closeHandle releases h, and sends an SSH_FXP_CLOSE for it.
// Closing a handle that has already been released does nothing.
//
// The close is sent even if the operation that used h was canceled,
// so it does not take the caller's context.
func (s *Session) closeHandle(h *RemoteHandle) error {
	opaque, ok := s.handles.release(h)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	return s.sendPacket(ctx, &sshfx.ClosePacket{
		Handle: opaque,
	})
}

// closeInto closes h, and folds any error into *errp.
func (s *Session) closeInto(errp *error, h *RemoteHandle) {
	if err := s.closeHandle(h); err != nil {
		*errp = multierror.Append(*errp, wrapPathError("close", h.path, err)).ErrorOrNil()
	}
}

func (s *Session) fstat(ctx context.Context, h *RemoteHandle) (*sshfx.Attributes, error) {
	opaque, err := s.handles.lookup(h)
	if err != nil {
		return nil, err
	}

	pkt, err := getPacket[sshfx.AttrsPacket](ctx, s, &sshfx.FStatPacket{
		Handle: opaque,
	})
	if err != nil {
		return nil, err
	}

	return &pkt.Attrs, nil
}

// Mkdir creates the specified directory.
// An error will be returned if a file or directory with the specified path already exists,
// or if the directory's parent folder does not exist (the method cannot create complete paths).
func (s *Session) Mkdir(ctx context.Context, name string, perm fs.FileMode) error {
	if err := s.ready(); err != nil {
		return wrapPathError("mkdir", name, err)
	}

	return wrapPathError("mkdir", name,
		s.sendPacket(ctx, &sshfx.MkdirPacket{
			Path: name,
			Attrs: sshfx.Attributes{
				Flags:       sshfx.AttrPermissions,
				Permissions: sshfx.FileMode(perm.Perm()),
			},
		}),
	)
}

// Remove removes the named file. Directories are removed with Rmdir.
func (s *Session) Remove(ctx context.Context, name string) error {
	if err := s.ready(); err != nil {
		return wrapPathError("remove", name, err)
	}

	return wrapPathError("remove", name,
		s.sendPacket(ctx, &sshfx.RemovePacket{
			Path: name,
		}),
	)
}

// Rmdir removes the specified directory. An error will be returned if no directory with the specified path exists,
// or if the specified directory is not empty.
func (s *Session) Rmdir(ctx context.Context, name string) error {
	if err := s.ready(); err != nil {
		return wrapPathError("rmdir", name, err)
	}

	return wrapPathError("rmdir", name,
		s.sendPacket(ctx, &sshfx.RmdirPacket{
			Path: name,
		}),
	)
}

// Rename renames a file.
func (s *Session) Rename(ctx context.Context, oldpath, newpath string) error {
	if err := s.ready(); err != nil {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: err}
	}

	err := s.sendPacket(ctx, &sshfx.RenamePacket{
		OldPath: oldpath,
		NewPath: newpath,
	})
	if err != nil {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: err}
	}

	return nil
}

// MkdirAll creates a directory named name, along with any necessary parents.
// If name is already a directory, MkdirAll does nothing and returns nil.
func (s *Session) MkdirAll(ctx context.Context, name string, perm fs.FileMode) error {
	// Fast path: if we can tell whether name is a directory or file, stop with success or error.
	dir, err := s.Stat(ctx, name)
	if err == nil {
		if dir.IsDir() {
			return nil
		}

		return wrapPathError("mkdir", name, syscall.ENOTDIR)
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	// Slow path: make sure the parent exists, and then call Mkdir for name.
	if parent := path.Dir(name); parent != name {
		if err := s.MkdirAll(ctx, parent, perm); err != nil {
			return err
		}
	}

	if err := s.Mkdir(ctx, name, perm); err != nil {
		// Handle arguments like "foo/." by double-checking that the directory doesn't exist.
		dir, err1 := s.Lstat(ctx, name)
		if err1 == nil && dir.IsDir() {
			return nil
		}
		return err
	}

	return nil
}

func (s *Session) setstat(ctx context.Context, name string, attrs sshfx.Attributes) error {
	if err := s.ready(); err != nil {
		return wrapPathError("setstat", name, err)
	}

	return wrapPathError("setstat", name,
		s.sendPacket(ctx, &sshfx.SetStatPacket{
			Path:  name,
			Attrs: attrs,
		}),
	)
}

// Truncate changes the size of the named file.
// If the file is a symbolic link, it changes the size of the link's target.
func (s *Session) Truncate(ctx context.Context, name string, size int64) error {
	return s.setstat(ctx, name, sshfx.Attributes{
		Flags: sshfx.AttrSize,
		Size:  uint64(size),
	})
}

// Chmod changes the mode of the named file to mode.
// If the file is a symbolic link, it changes the mode of the link's target.
//
// The mode is converted to portable POSIX permission bits,
// and it is up to the server to interpret them.
func (s *Session) Chmod(ctx context.Context, name string, mode fs.FileMode) error {
	return s.setstat(ctx, name, sshfx.Attributes{
		Flags:       sshfx.AttrPermissions,
		Permissions: sshfx.FromGoFileMode(mode),
	})
}

// Chown changes the numeric uid and gid of the named file.
// Unlike os.Chown, -1 is sent as is, and it is up to the server what that means.
func (s *Session) Chown(ctx context.Context, name string, uid, gid int) error {
	return s.setstat(ctx, name, sshfx.Attributes{
		Flags: sshfx.AttrUIDGID,
		UID:   uint32(uid),
		GID:   uint32(gid),
	})
}

// Chtimes changes the access and modification times of the named file.
// The protocol only carries whole seconds, so both times are truncated to the second.
func (s *Session) Chtimes(ctx context.Context, name string, atime, mtime time.Time) error {
	return s.setstat(ctx, name, sshfx.Attributes{
		Flags: sshfx.AttrACModTime,
		ATime: uint32(atime.Unix()),
		MTime: uint32(mtime.Unix()),
	})
}

// ReadLink returns the destination of the named symbolic link.
// Whether a relative destination comes back relative or absolute is up to the server.
func (s *Session) ReadLink(ctx context.Context, name string) (string, error) {
	if err := s.ready(); err != nil {
		return "", wrapPathError("readlink", name, err)
	}

	pkt, err := getPacket[sshfx.NamePacket](ctx, s, &sshfx.ReadLinkPacket{
		Path: name,
	})
	if err != nil {
		return "", wrapPathError("readlink", name, err)
	}

	if len(pkt.Entries) != 1 {
		return "", wrapPathError("readlink", name, fmt.Errorf("%w: expected 1 name, got %d", ErrMalformedPacket, len(pkt.Entries)))
	}

	return pkt.Entries[0].Filename, nil
}

// Symlink creates newname as a symbolic link to oldname.
func (s *Session) Symlink(ctx context.Context, oldname, newname string) error {
	if err := s.ready(); err != nil {
		return &os.LinkError{Op: "symlink", Old: oldname, New: newname, Err: err}
	}

	err := s.sendPacket(ctx, &sshfx.SymlinkPacket{
		LinkPath:   newname,
		TargetPath: oldname,
	})
	if err != nil {
		return &os.LinkError{Op: "symlink", Old: oldname, New: newname, Err: err}
	}

	return nil
}

// RealPath can be used to have the server canonicalize any given path name to an absolute path.
//
// This is useful for converting path names containing ".." components,
// or relative pathnames without a leading slash into absolute paths.
func (s *Session) RealPath(ctx context.Context, name string) (string, error) {
	if err := s.ready(); err != nil {
		return "", wrapPathError("realpath", name, err)
	}

	pkt, err := getPacket[sshfx.NamePacket](ctx, s, &sshfx.RealPathPacket{
		Path: name,
	})
	if err != nil {
		return "", wrapPathError("realpath", name, err)
	}

	if len(pkt.Entries) != 1 {
		return "", wrapPathError("realpath", name, fmt.Errorf("%w: expected 1 name, got %d", ErrMalformedPacket, len(pkt.Entries)))
	}

	return pkt.Entries[0].Filename, nil
}

// Stat returns a FileInfo describing the named file.
// If the file is a symbolic link, the returned FileInfo describes the link's target.
func (s *Session) Stat(ctx context.Context, name string) (fs.FileInfo, error) {
	if err := s.ready(); err != nil {
		return nil, wrapPathError("stat", name, err)
	}

	pkt, err := getPacket[sshfx.AttrsPacket](ctx, s, &sshfx.StatPacket{
		Path: name,
	})
	if err != nil {
		return nil, wrapPathError("stat", name, err)
	}

	return &sshfx.NameEntry{
		Filename: path.Base(name),
		Attrs:    pkt.Attrs,
	}, nil
}

// Lstat returns a FileInfo describing the named file.
// If the file is a symbolic link, the returned FileInfo describes the symbolic link.
func (s *Session) Lstat(ctx context.Context, name string) (fs.FileInfo, error) {
	if err := s.ready(); err != nil {
		return nil, wrapPathError("lstat", name, err)
	}

	pkt, err := getPacket[sshfx.AttrsPacket](ctx, s, &sshfx.LStatPacket{
		Path: name,
	})
	if err != nil {
		return nil, wrapPathError("lstat", name, err)
	}

	return &sshfx.NameEntry{
		Filename: path.Base(name),
		Attrs:    pkt.Attrs,
	}, nil
}

// List reads the named directory, and returns its entries in the order the server sent them.
// The "." and ".." entries are left out.
//
// The directory handle is always closed, even if reading it failed.
// If an error occurs, List returns the entries it was able to read before the error, along with the error.
func (s *Session) List(ctx context.Context, name string) (entries []fs.FileInfo, err error) {
	d, err := s.OpenDir(ctx, name)
	if err != nil {
		return nil, err
	}
	defer s.closeInto(&err, d.h)

	return d.Readdir(ctx, 0)
}

// FileType is the kind of a listed file.
type FileType int

// Kinds of file reported by ListFiles.
const (
	FileTypeRegular FileType = iota
	FileTypeDirectory
)

func (t FileType) String() string {
	switch t {
	case FileTypeRegular:
		return "regular"
	case FileTypeDirectory:
		return "directory"
	default:
		return fmt.Sprintf("FileType(%d)", int(t))
	}
}

// FileMetadata describes one file found by ListFiles.
type FileMetadata struct {
	Path       string
	Size       int64
	Type       FileType
	AccessTime time.Time
	ModTime    time.Time
}

// ListFiles lists the regular files in dir.
// Directories, links, and other special files are skipped.
func (s *Session) ListFiles(ctx context.Context, dir string) ([]FileMetadata, error) {
	entries, err := s.List(ctx, dir)
	if err != nil {
		return nil, err
	}

	var files []FileMetadata

	for _, fi := range entries {
		if !fi.Mode().IsRegular() {
			continue
		}

		md := FileMetadata{
			Path:    path.Join(dir, fi.Name()),
			Size:    fi.Size(),
			Type:    FileTypeRegular,
			ModTime: fi.ModTime(),
		}

		if entry, ok := fi.(*sshfx.NameEntry); ok {
			md.AccessTime = entry.AccessTime()
		}

		files = append(files, md)
	}

	return files, nil
}

// Get downloads the remote file into w, and returns the number of bytes written.
//
// The size of the file is learned first, so that exactly enough READ requests are issued,
// with up to the configured number of them in flight at once.
func (s *Session) Get(ctx context.Context, remote string, w io.Writer, opts ...TransferOption) (int64, error) {
	return s.get(ctx, remote, w, newTransferConfig(remote, "", opts))
}

func (s *Session) get(ctx context.Context, remote string, w io.Writer, cfg transferConfig) (n int64, err error) {
	if err := s.ready(); err != nil {
		return 0, wrapPathError("get", remote, err)
	}

	h, err := s.open(ctx, &sshfx.OpenPacket{
		Filename: remote,
		PFlags:   sshfx.FlagRead,
	}, HandleFile, remote)
	if err != nil {
		return 0, wrapPathError("open", remote, err)
	}
	defer s.closeInto(&err, h)

	size := int64(-1)

	attrs, err := s.fstat(ctx, h)
	if err != nil {
		level.Debug(s.logger).Log("msg", "fstat failed, reading until EOF", "path", remote, "err", err)
	} else if sz, ok := attrs.GetSize(); ok {
		size = int64(sz)
	}

	n, err = s.download(ctx, h, w, 0, size, cfg)
	if err != nil {
		return n, wrapPathError("get", remote, err)
	}

	return n, nil
}

// Put uploads r into the remote file, creating or truncating it,
// and returns the number of bytes acknowledged by the server.
func (s *Session) Put(ctx context.Context, r io.Reader, remote string, opts ...TransferOption) (int64, error) {
	return s.put(ctx, r, remote, newTransferConfig("", remote, opts))
}

func (s *Session) put(ctx context.Context, r io.Reader, remote string, cfg transferConfig) (n int64, err error) {
	if err := s.ready(); err != nil {
		return 0, wrapPathError("put", remote, err)
	}

	h, err := s.open(ctx, &sshfx.OpenPacket{
		Filename: remote,
		PFlags:   sshfx.FlagWrite | sshfx.FlagCreate | sshfx.FlagTruncate,
		Attrs: sshfx.Attributes{
			Flags:       sshfx.AttrPermissions,
			Permissions: sshfx.FileMode(0o666),
		},
	}, HandleFile, remote)
	if err != nil {
		return 0, wrapPathError("open", remote, err)
	}
	defer s.closeInto(&err, h)

	n, err = s.upload(ctx, h, r, 0, sourceSize(r), cfg)
	if err != nil {
		return n, wrapPathError("put", remote, err)
	}

	return n, nil
}

// sourceSize returns the number of bytes r will yield, if it can tell, otherwise -1.
func sourceSize(r io.Reader) int64 {
	switch r := r.(type) {
	case interface{ Len() int }:
		return int64(r.Len())

	case interface{ Stat() (fs.FileInfo, error) }:
		fi, err := r.Stat()
		if err == nil && fi.Mode().IsRegular() {
			return fi.Size()
		}
	}

	return -1
}

// TransferResult describes a completed GetFile or PutFile.
type TransferResult struct {
	Src      string
	Dest     string
	Size     int64
	Duration time.Duration
}

// GetFile downloads the remote file to the local path, creating any missing parent directories.
// If the download fails, the partial local file is removed.
func (s *Session) GetFile(ctx context.Context, remote, local string, opts ...TransferOption) (*TransferResult, error) {
	if err := s.ready(); err != nil {
		return nil, wrapPathError("get", remote, err)
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return nil, err
	}

	f, err := os.Create(local)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	n, err := s.get(ctx, remote, f, newTransferConfig(remote, local, opts))
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		os.Remove(local)
		return nil, err
	}

	level.Info(s.logger).Log("msg", "downloaded file", "src", remote, "dest", local, "bytes", n)

	return &TransferResult{
		Src:      remote,
		Dest:     local,
		Size:     n,
		Duration: time.Since(start),
	}, nil
}

// PutFile uploads the local file to the remote path, creating or truncating it.
func (s *Session) PutFile(ctx context.Context, local, remote string, opts ...TransferOption) (*TransferResult, error) {
	if err := s.ready(); err != nil {
		return nil, wrapPathError("put", remote, err)
	}

	f, err := os.Open(local)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	start := time.Now()

	n, err := s.put(ctx, f, remote, newTransferConfig(local, remote, opts))
	if err != nil {
		return nil, err
	}

	level.Info(s.logger).Log("msg", "uploaded file", "src", local, "dest", remote, "bytes", n)

	return &TransferResult{
		Src:      local,
		Dest:     remote,
		Size:     n,
		Duration: time.Since(start),
	}, nil
}
