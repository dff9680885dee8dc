package sshfx

// ExtensionPair defines the extension-pair type defined in draft-ietf-secsh-filexfer-02.
//
// Defined in: https://filezilla-project.org/specs/draft-ietf-secsh-filexfer-02.txt#section-4
type ExtensionPair struct {
	Name string
	Data string
}

// MarshalSize returns the number of bytes e would marshal into.
func (e *ExtensionPair) MarshalSize() int {
	return 4 + len(e.Name) + 4 + len(e.Data)
}

// MarshalInto marshals e onto the end of the given Buffer.
func (e *ExtensionPair) MarshalInto(buf *Buffer) {
	buf.AppendString(e.Name)
	buf.AppendString(e.Data)
}

// UnmarshalFrom unmarshals an ExtensionPair from the given Buffer into e.
func (e *ExtensionPair) UnmarshalFrom(buf *Buffer) (err error) {
	*e = ExtensionPair{
		Name: buf.ConsumeString(),
		Data: buf.ConsumeString(),
	}

	return buf.Err
}
