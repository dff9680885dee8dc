package sftptest

// This is a very simple in-memory filesystem with a flat key-value lookup,
// just enough to serve the requests an SFTP v3 client sends.

import (
	"path"
	"sort"
	"strings"
	"time"

	sshfx "github.com/fxwire/sftp/encoding/ssh/filexfer"
)

type memFile struct {
	name    string
	modtime time.Time
	atime   time.Time
	isdir   bool
	perm    sshfx.FileMode
	uid     uint32
	gid     uint32
	link    string // target, if this is a symlink
	content []byte
}

func newMemFile(name string, isdir bool) *memFile {
	perm := sshfx.FileMode(0o644)
	if isdir {
		perm = 0o755
	}

	now := time.Now()

	return &memFile{
		name:    name,
		modtime: now,
		atime:   now,
		isdir:   isdir,
		perm:    perm,
	}
}

func (f *memFile) attrs() sshfx.Attributes {
	var attrs sshfx.Attributes

	typ := sshfx.ModeRegular
	switch {
	case f.isdir:
		typ = sshfx.ModeDir
	case f.link != "":
		typ = sshfx.ModeSymlink
	}

	attrs.SetSize(uint64(len(f.content)))
	attrs.Flags |= sshfx.AttrUIDGID
	attrs.UID, attrs.GID = f.uid, f.gid
	attrs.SetPermissions(typ | f.perm)
	attrs.SetACModTime(uint32(f.atime.Unix()), uint32(f.modtime.Unix()))

	return attrs
}

func (f *memFile) nameEntry() *sshfx.NameEntry {
	return &sshfx.NameEntry{
		Filename: path.Base(f.name),
		Attrs:    f.attrs(),
	}
}

func (f *memFile) readAt(off uint64, length uint32) []byte {
	if off >= uint64(len(f.content)) {
		return nil
	}

	end := min(off+uint64(length), uint64(len(f.content)))
	return append([]byte(nil), f.content[off:end]...)
}

func (f *memFile) writeAt(off uint64, data []byte) {
	if end := off + uint64(len(data)); end > uint64(len(f.content)) {
		grown := make([]byte, end)
		copy(grown, f.content)
		f.content = grown
	}

	copy(f.content[off:], data)
	f.modtime = time.Now()
}

// setAttrs applies the attributes flagged in attrs.
func (f *memFile) setAttrs(attrs *sshfx.Attributes) sshfx.Status {
	if size, ok := attrs.GetSize(); ok {
		if f.isdir {
			return sshfx.StatusFailure
		}

		if size < uint64(len(f.content)) {
			f.content = f.content[:size]
		} else {
			f.content = append(f.content, make([]byte, size-uint64(len(f.content)))...)
		}
	}

	if attrs.Flags&sshfx.AttrUIDGID != 0 {
		f.uid, f.gid = attrs.UID, attrs.GID
	}

	if perm, ok := attrs.GetPermissions(); ok {
		f.perm = perm.Perm()
	}

	if atime, mtime, ok := attrs.GetACModTime(); ok {
		f.atime = time.Unix(int64(atime), 0)
		f.modtime = time.Unix(int64(mtime), 0)
	}

	return sshfx.StatusOK
}

// maxLinkHops bounds symlink resolution, so that link loops fail.
const maxLinkHops = 8

// memFS is not safe for concurrent use, the Server holds its lock around every call.
type memFS struct {
	files map[string]*memFile
}

func newMemFS() *memFS {
	return &memFS{
		files: map[string]*memFile{
			"/": newMemFile("/", true),
		},
	}
}

func cleanPath(p string) string {
	return path.Clean("/" + p)
}

func (fs *memFS) fetch(p string) (*memFile, sshfx.Status) {
	f, ok := fs.files[cleanPath(p)]
	if !ok {
		return nil, sshfx.StatusNoSuchFile
	}
	return f, sshfx.StatusOK
}

// follow is fetch, but resolves symlinks.
func (fs *memFS) follow(p string) (*memFile, sshfx.Status) {
	p = cleanPath(p)

	for hops := 0; hops <= maxLinkHops; hops++ {
		f, ok := fs.files[p]
		if !ok {
			return nil, sshfx.StatusNoSuchFile
		}
		if f.link == "" {
			return f, sshfx.StatusOK
		}

		if path.IsAbs(f.link) {
			p = cleanPath(f.link)
		} else {
			p = cleanPath(path.Join(path.Dir(p), f.link))
		}
	}

	return nil, sshfx.StatusFailure
}

func (fs *memFS) symlink(target, link string) sshfx.Status {
	link = cleanPath(link)

	if _, ok := fs.files[link]; ok {
		return sshfx.StatusFailure
	}
	if !fs.parentIsDir(link) {
		return sshfx.StatusNoSuchFile
	}

	f := newMemFile(link, false)
	f.perm = 0o777
	f.link = target
	fs.files[link] = f

	return sshfx.StatusOK
}

func (fs *memFS) readlink(p string) (string, sshfx.Status) {
	f, status := fs.fetch(p)
	if status != sshfx.StatusOK {
		return "", status
	}
	if f.link == "" {
		return "", sshfx.StatusFailure
	}
	return f.link, sshfx.StatusOK
}

func (fs *memFS) parentIsDir(p string) bool {
	parent, ok := fs.files[path.Dir(p)]
	return ok && parent.isdir
}

func (fs *memFS) mkdir(p string) sshfx.Status {
	p = cleanPath(p)

	if _, ok := fs.files[p]; ok {
		return sshfx.StatusFailure
	}
	if !fs.parentIsDir(p) {
		return sshfx.StatusNoSuchFile
	}

	fs.files[p] = newMemFile(p, true)
	return sshfx.StatusOK
}

func (fs *memFS) open(p string, pflags uint32) (*memFile, sshfx.Status) {
	p = cleanPath(p)

	f, ok := fs.files[p]
	if ok && f.link != "" {
		target, status := fs.follow(p)
		if status != sshfx.StatusOK {
			return nil, status
		}
		f = target
	}
	switch {
	case ok && f.isdir:
		return nil, sshfx.StatusFailure

	case ok && pflags&sshfx.FlagCreate != 0 && pflags&sshfx.FlagExclusive != 0:
		return nil, sshfx.StatusFailure

	case !ok && pflags&sshfx.FlagCreate == 0:
		return nil, sshfx.StatusNoSuchFile

	case !ok:
		if !fs.parentIsDir(p) {
			return nil, sshfx.StatusNoSuchFile
		}
		f = newMemFile(p, false)
		fs.files[p] = f
	}

	if pflags&sshfx.FlagTruncate != 0 {
		f.content = nil
	}

	return f, sshfx.StatusOK
}

func (fs *memFS) children(dir string) []*memFile {
	dir = cleanPath(dir)

	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}

	var list []*memFile
	for name, f := range fs.files {
		if name == dir || !strings.HasPrefix(name, prefix) {
			continue
		}
		if strings.Contains(name[len(prefix):], "/") {
			continue
		}
		list = append(list, f)
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].name < list[j].name
	})

	return list
}

func (fs *memFS) remove(p string) sshfx.Status {
	f, status := fs.fetch(p)
	if status != sshfx.StatusOK {
		return status
	}
	if f.isdir {
		return sshfx.StatusFailure
	}

	delete(fs.files, f.name)
	return sshfx.StatusOK
}

func (fs *memFS) rmdir(p string) sshfx.Status {
	f, status := fs.fetch(p)
	if status != sshfx.StatusOK {
		return status
	}
	if !f.isdir || f.name == "/" || len(fs.children(f.name)) > 0 {
		return sshfx.StatusFailure
	}

	delete(fs.files, f.name)
	return sshfx.StatusOK
}

func (fs *memFS) rename(oldpath, newpath string) sshfx.Status {
	oldpath, newpath = cleanPath(oldpath), cleanPath(newpath)

	f, ok := fs.files[oldpath]
	if !ok {
		return sshfx.StatusNoSuchFile
	}
	if _, exists := fs.files[newpath]; exists || !fs.parentIsDir(newpath) {
		return sshfx.StatusFailure
	}

	if f.isdir {
		if strings.HasPrefix(newpath, oldpath+"/") {
			return sshfx.StatusFailure
		}

		var moved []*memFile
		for name, child := range fs.files {
			if strings.HasPrefix(name, oldpath+"/") {
				delete(fs.files, name)
				moved = append(moved, child)
			}
		}

		for _, child := range moved {
			child.name = newpath + child.name[len(oldpath):]
			fs.files[child.name] = child
		}
	}

	delete(fs.files, oldpath)
	f.name = newpath
	fs.files[newpath] = f

	return sshfx.StatusOK
}
