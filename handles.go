package sftp

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// HandleKind tells whether a RemoteHandle refers to a file or a directory.
type HandleKind uint8

// The kinds of remote handle.
const (
	HandleFile HandleKind = iota + 1
	HandleDir
)

func (k HandleKind) String() string {
	switch k {
	case HandleFile:
		return "file"
	case HandleDir:
		return "directory"
	default:
		return "unknown"
	}
}

// RemoteHandle is the local side of an opaque handle issued by the server.
//
// The opaque bytes themselves are only reachable through the handle table,
// so a released RemoteHandle can never be put back on the wire.
type RemoteHandle struct {
	token uint64
	kind  HandleKind
	path  string

	mu     sync.Mutex
	offset int64 // files: the Read/Write cursor
	eof    bool  // directories: READDIR has reported EOF
}

// Kind returns whether h is a file or a directory handle.
func (h *RemoteHandle) Kind() HandleKind { return h.kind }

// Path returns the path h was opened with.
func (h *RemoteHandle) Path() string { return h.path }

// handleTable owns every handle the server has issued to this session.
type handleTable struct {
	next atomic.Uint64

	mu sync.Mutex
	m  map[uint64]string

	// shutErr is why the table was shut, lookups of unknown handles wrap it.
	shutErr error
}

func newHandleTable() *handleTable {
	return &handleTable{
		m: make(map[uint64]string),
	}
}

func (t *handleTable) register(opaque string, kind HandleKind, path string) *RemoteHandle {
	h := &RemoteHandle{
		token: t.next.Inc(),
		kind:  kind,
		path:  path,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.m[h.token] = opaque

	return h
}

// lookup returns the opaque handle string of h,
// or ErrUnknownHandle if h is not currently registered.
// Once the table has been shut, the error also wraps the reason it was shut.
func (t *handleTable) lookup(h *RemoteHandle) (string, error) {
	if h == nil {
		return "", ErrUnknownHandle
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	opaque, ok := t.m[h.token]
	if !ok {
		if t.shutErr != nil {
			return "", fmt.Errorf("%w: %w", ErrUnknownHandle, t.shutErr)
		}
		return "", ErrUnknownHandle
	}

	return opaque, nil
}

// release unregisters h. Releasing a handle that is not registered is a no-op,
// and reports ok as false.
func (t *handleTable) release(h *RemoteHandle) (opaque string, ok bool) {
	if h == nil {
		return "", false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	opaque, ok = t.m[h.token]
	delete(t.m, h.token)

	return opaque, ok
}

// releaseAll unregisters every handle, and returns their opaque strings.
// If cause is not nil the table is shut: later lookups fail with an error wrapping it.
// Only the first cause is kept.
func (t *handleTable) releaseAll(cause error) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutErr == nil {
		t.shutErr = cause
	}

	opaques := make([]string, 0, len(t.m))
	for token, opaque := range t.m {
		opaques = append(opaques, opaque)
		delete(t.m, token)
	}

	return opaques
}

func (t *handleTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.m)
}
