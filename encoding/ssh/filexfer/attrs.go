package sshfx

import (
	"io/fs"
	"time"
)

// Attributes related flags.
const (
	AttrSize        = 1 << iota // SSH_FILEXFER_ATTR_SIZE
	AttrUIDGID                  // SSH_FILEXFER_ATTR_UIDGID
	AttrPermissions             // SSH_FILEXFER_ATTR_PERMISSIONS
	AttrACModTime               // SSH_FILEXFER_ACMODTIME

	AttrExtended = 1 << 31 // SSH_FILEXFER_ATTR_EXTENDED
)

// Attributes defines the file attributes type defined in draft-ietf-secsh-filexfer-02
//
// Defined in: https://filezilla-project.org/specs/draft-ietf-secsh-filexfer-02.txt#section-5
type Attributes struct {
	Flags uint32

	// AttrSize
	Size uint64

	// AttrUIDGID
	UID uint32
	GID uint32

	// AttrPermissions
	Permissions FileMode

	// AttrACmodTime
	ATime uint32
	MTime uint32

	// AttrExtended
	ExtendedAttributes []ExtendedAttribute
}

// GetSize returns the Size field and a bool that is true if and only if the value is valid/defined.
func (a *Attributes) GetSize() (size uint64, ok bool) {
	return a.Size, a.Flags&AttrSize != 0
}

// SetSize is a convenience function that sets the Size field,
// and marks the field as valid/defined in Flags.
func (a *Attributes) SetSize(size uint64) {
	a.Flags |= AttrSize
	a.Size = size
}

// GetPermissions returns the Permissions field and a bool that is true if and only if the value is valid/defined.
func (a *Attributes) GetPermissions() (perms FileMode, ok bool) {
	return a.Permissions, a.Flags&AttrPermissions != 0
}

// SetPermissions is a convenience function that sets the Permissions field,
// and marks the field as valid/defined in Flags.
func (a *Attributes) SetPermissions(perms FileMode) {
	a.Flags |= AttrPermissions
	a.Permissions = perms
}

// GetACModTime returns the ATime and MTime fields and a bool that is true if and only if the values are valid/defined.
func (a *Attributes) GetACModTime() (atime, mtime uint32, ok bool) {
	return a.ATime, a.MTime, a.Flags&AttrACModTime != 0
}

// SetACModTime is a convenience function that sets the ATime and MTime fields,
// and marks the fields as valid/defined in Flags.
func (a *Attributes) SetACModTime(atime, mtime uint32) {
	a.Flags |= AttrACModTime
	a.ATime = atime
	a.MTime = mtime
}

// MarshalSize returns the number of bytes the attributes would marshal into.
func (a *Attributes) MarshalSize() int {
	// uint32(flags)
	size := 4

	if a.Flags&AttrSize != 0 {
		// uint64(size)
		size += 8
	}

	if a.Flags&AttrUIDGID != 0 {
		// uint32(uid) + uint32(gid)
		size += 4 + 4
	}

	if a.Flags&AttrPermissions != 0 {
		// uint32(permissions)
		size += 4
	}

	if a.Flags&AttrACModTime != 0 {
		// uint32(atime) + uint32(mtime)
		size += 4 + 4
	}

	if a.Flags&AttrExtended != 0 {
		// uint32(extended_count)
		size += 4

		for _, ext := range a.ExtendedAttributes {
			size += ext.MarshalSize()
		}
	}

	return size
}

// MarshalInto marshals a onto the end of the given Buffer.
func (a *Attributes) MarshalInto(buf *Buffer) {
	buf.AppendUint32(a.Flags)

	if a.Flags&AttrSize != 0 {
		buf.AppendUint64(a.Size)
	}

	if a.Flags&AttrUIDGID != 0 {
		buf.AppendUint32(a.UID)
		buf.AppendUint32(a.GID)
	}

	if a.Flags&AttrPermissions != 0 {
		buf.AppendUint32(uint32(a.Permissions))
	}

	if a.Flags&AttrACModTime != 0 {
		buf.AppendUint32(a.ATime)
		buf.AppendUint32(a.MTime)
	}

	if a.Flags&AttrExtended != 0 {
		buf.AppendUint32(uint32(len(a.ExtendedAttributes)))

		for _, ext := range a.ExtendedAttributes {
			ext.MarshalInto(buf)
		}
	}
}

// UnmarshalFrom unmarshals an Attributes from the given Buffer into a.
//
// NOTE: The values of fields not covered in the a.Flags are explicitly undefined.
func (a *Attributes) UnmarshalFrom(buf *Buffer) (err error) {
	a.Flags = buf.ConsumeUint32()

	if a.Flags&AttrSize != 0 {
		a.Size = buf.ConsumeUint64()
	}

	if a.Flags&AttrUIDGID != 0 {
		a.UID = buf.ConsumeUint32()
		a.GID = buf.ConsumeUint32()
	}

	if a.Flags&AttrPermissions != 0 {
		a.Permissions = FileMode(buf.ConsumeUint32())
	}

	if a.Flags&AttrACModTime != 0 {
		a.ATime = buf.ConsumeUint32()
		a.MTime = buf.ConsumeUint32()
	}

	if a.Flags&AttrExtended != 0 {
		count := buf.ConsumeUint32()

		// Each extended attribute is at least two empty strings.
		if buf.Err == nil && int(count) > buf.Len()/8 {
			buf.Err = ErrShortPacket
		}
		if buf.Err != nil {
			return buf.Err
		}

		a.ExtendedAttributes = make([]ExtendedAttribute, count)
		for i := range a.ExtendedAttributes {
			a.ExtendedAttributes[i].UnmarshalFrom(buf)
		}
	}

	return buf.Err
}

// ExtendedAttribute defines the extended file attribute type defined in draft-ietf-secsh-filexfer-02
//
// Defined in: https://filezilla-project.org/specs/draft-ietf-secsh-filexfer-02.txt#section-5
type ExtendedAttribute struct {
	Type string
	Data string
}

// MarshalSize returns the number of bytes e would marshal into.
func (e *ExtendedAttribute) MarshalSize() int {
	return 4 + len(e.Type) + 4 + len(e.Data)
}

// MarshalInto marshals e onto the end of the given Buffer.
func (e *ExtendedAttribute) MarshalInto(buf *Buffer) {
	buf.AppendString(e.Type)
	buf.AppendString(e.Data)
}

// UnmarshalFrom unmarshals an ExtendedAattribute from the given Buffer into e.
func (e *ExtendedAttribute) UnmarshalFrom(buf *Buffer) (err error) {
	*e = ExtendedAttribute{
		Type: buf.ConsumeString(),
		Data: buf.ConsumeString(),
	}

	return buf.Err
}

// NameEntry implements the SSH_FXP_NAME repeated data type from draft-ietf-secsh-filexfer-02
//
// It also implements fs.FileInfo, so that directory listings can be handed out directly.
type NameEntry struct {
	Filename string
	Longname string
	Attrs    Attributes
}

// MarshalSize returns the number of bytes e would marshal into.
func (e *NameEntry) MarshalSize() int {
	return 4 + len(e.Filename) + 4 + len(e.Longname) + e.Attrs.MarshalSize()
}

// MarshalInto marshals e onto the end of the given Buffer.
func (e *NameEntry) MarshalInto(buf *Buffer) {
	buf.AppendString(e.Filename)
	buf.AppendString(e.Longname)

	e.Attrs.MarshalInto(buf)
}

// UnmarshalFrom unmarshals an NameEntry from the given Buffer into e.
//
// NOTE: The values of fields not covered in the a.Flags are explicitly undefined.
func (e *NameEntry) UnmarshalFrom(buf *Buffer) (err error) {
	*e = NameEntry{
		Filename: buf.ConsumeString(),
		Longname: buf.ConsumeString(),
	}

	return e.Attrs.UnmarshalFrom(buf)
}

// Name returns the filename of the entry.
func (e *NameEntry) Name() string { return e.Filename }

// Size returns the size of the file, or zero if the server did not report one.
func (e *NameEntry) Size() int64 { return int64(e.Attrs.Size) }

// Mode returns the permission and type bits of the entry as an fs.FileMode.
func (e *NameEntry) Mode() fs.FileMode { return e.Attrs.Permissions.ToGoFileMode() }

// ModTime returns the modification time reported by the server.
func (e *NameEntry) ModTime() time.Time { return time.Unix(int64(e.Attrs.MTime), 0) }

// AccessTime returns the last access time reported by the server.
func (e *NameEntry) AccessTime() time.Time { return time.Unix(int64(e.Attrs.ATime), 0) }

// IsDir reports whether the entry describes a directory.
func (e *NameEntry) IsDir() bool { return e.Attrs.Permissions.IsDir() }

// Sys returns the underlying *Attributes.
func (e *NameEntry) Sys() any { return &e.Attrs }

// FileMode represents a file’s mode and permission bits.
// The bits are defined according to POSIX standards,
// and may not apply to the OS being built for.
type FileMode uint32

// Permission flags, defined here to avoid potential inconsistencies in individual OS implementations.
const (
	ModePerm       FileMode = 0o0777 // S_IRWXU | S_IRWXG | S_IRWXO
	ModeUserRead   FileMode = 0o0400 // S_IRUSR
	ModeUserWrite  FileMode = 0o0200 // S_IWUSR
	ModeUserExec   FileMode = 0o0100 // S_IXUSR
	ModeGroupRead  FileMode = 0o0040 // S_IRGRP
	ModeGroupWrite FileMode = 0o0020 // S_IWGRP
	ModeGroupExec  FileMode = 0o0010 // S_IXGRP
	ModeOtherRead  FileMode = 0o0004 // S_IROTH
	ModeOtherWrite FileMode = 0o0002 // S_IWOTH
	ModeOtherExec  FileMode = 0o0001 // S_IXOTH

	ModeSetUID FileMode = 0o4000 // S_ISUID
	ModeSetGID FileMode = 0o2000 // S_ISGID
	ModeSticky FileMode = 0o1000 // S_ISVTX

	ModeType       FileMode = 0xF000 // S_IFMT
	ModeNamedPipe  FileMode = 0x1000 // S_IFIFO
	ModeCharDevice FileMode = 0x2000 // S_IFCHR
	ModeDir        FileMode = 0x4000 // S_IFDIR
	ModeDevice     FileMode = 0x6000 // S_IFBLK
	ModeRegular    FileMode = 0x8000 // S_IFREG
	ModeSymlink    FileMode = 0xA000 // S_IFLNK
	ModeSocket     FileMode = 0xC000 // S_IFSOCK
)

// IsDir reports whether m describes a directory.
func (m FileMode) IsDir() bool {
	return (m & ModeType) == ModeDir
}

// IsRegular reports whether m describes a regular file.
func (m FileMode) IsRegular() bool {
	return (m & ModeType) == ModeRegular
}

// Perm returns the POSIX permission bits in m (m & ModePerm).
func (m FileMode) Perm() FileMode {
	return (m & ModePerm)
}

// Type returns the type bits in m (m & ModeType).
func (m FileMode) Type() FileMode {
	return (m & ModeType)
}

// ToGoFileMode converts m into the matching fs.FileMode.
func (m FileMode) ToGoFileMode() fs.FileMode {
	mode := fs.FileMode(m.Perm())

	switch m.Type() {
	case ModeNamedPipe:
		mode |= fs.ModeNamedPipe
	case ModeCharDevice:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case ModeDir:
		mode |= fs.ModeDir
	case ModeDevice:
		mode |= fs.ModeDevice
	case ModeSymlink:
		mode |= fs.ModeSymlink
	case ModeSocket:
		mode |= fs.ModeSocket
	}

	if m&ModeSetUID != 0 {
		mode |= fs.ModeSetuid
	}
	if m&ModeSetGID != 0 {
		mode |= fs.ModeSetgid
	}
	if m&ModeSticky != 0 {
		mode |= fs.ModeSticky
	}

	return mode
}

// FromGoFileMode converts the fs.FileMode into the matching POSIX mode bits.
func FromGoFileMode(mode fs.FileMode) FileMode {
	m := FileMode(mode.Perm())

	switch mode.Type() {
	case fs.ModeNamedPipe:
		m |= ModeNamedPipe
	case fs.ModeDevice | fs.ModeCharDevice:
		m |= ModeCharDevice
	case fs.ModeDir:
		m |= ModeDir
	case fs.ModeDevice:
		m |= ModeDevice
	case fs.ModeSymlink:
		m |= ModeSymlink
	case fs.ModeSocket:
		m |= ModeSocket
	case 0:
		m |= ModeRegular
	}

	if mode&fs.ModeSetuid != 0 {
		m |= ModeSetUID
	}
	if mode&fs.ModeSetgid != 0 {
		m |= ModeSetGID
	}
	if mode&fs.ModeSticky != 0 {
		m |= ModeSticky
	}

	return m
}
