// Package sftptest provides an in-memory SFTP version 3 server for tests.
//
// The server speaks the same wire encoding as the client, keeps its files in memory,
// and lets a test replace the handling of any packet type,
// hold back responses, or deliver READ responses out of order.
package sftptest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	uuid "github.com/satori/go.uuid"

	sshfx "github.com/fxwire/sftp/encoding/ssh/filexfer"
)

// HandlerFunc answers one request.
// Returning nil sends no response at all.
type HandlerFunc func(reqid uint32, req sshfx.Packet) sshfx.Packet

// Request is a request the server has received.
type Request struct {
	ID     uint32
	Packet sshfx.Packet
}

// RawFrame is sent to the client exactly as given, whatever request it answers.
// It lets a handler put malformed or oversized frames on the wire.
type RawFrame []byte

// Type implements sshfx.Packet.
func (f RawFrame) Type() sshfx.PacketType { return 0 }

// MarshalPacket implements sshfx.Packet, and ignores reqid.
func (f RawFrame) MarshalPacket(_ uint32, _ []byte) (header, payload []byte, err error) {
	return f, nil, nil
}

// UnmarshalPacketBody implements sshfx.Packet. Raw frames are never decoded.
func (f RawFrame) UnmarshalPacketBody(_ *sshfx.Buffer) error {
	return errors.New("sftptest: raw frames cannot be decoded")
}

// Option configures a Server.
type Option func(*Server)

// WithVersion makes the server answer SSH_FXP_INIT with the given protocol version.
func WithVersion(version uint32) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithReadDirBatch limits how many entries each SSH_FXP_NAME response to a READDIR carries.
func WithReadDirBatch(n int) Option {
	return func(s *Server) {
		s.readDirBatch = max(n, 1)
	}
}

// ReorderReads holds back the responses to the first len(order) READ requests,
// and then sends them all at once: first the response to READ number order[0], then order[1], and so on.
// Later READ responses are sent as usual.
func ReorderReads(order ...int) Option {
	return func(s *Server) {
		s.reorder = order
	}
}

// WithLogger logs every request the server handles.
func WithLogger(logger log.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

type openHandle struct {
	file *memFile

	dir     bool
	entries []*memFile // remaining directory entries
}

// Server is an in-memory SFTP server.
type Server struct {
	logger       log.Logger
	version      uint32
	readDirBatch int
	reorder      []int

	mu       sync.Mutex
	fs       *memFS
	handles  map[string]*openHandle
	hooks    map[sshfx.PacketType]HandlerFunc
	requests []Request

	// Owned by the serving goroutine.
	wr   io.Writer
	held [][]byte
}

// NewServer returns a server with an empty root directory.
func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:       log.NewNopLogger(),
		version:      sshfx.ProtocolVersion,
		readDirBatch: 100,

		fs:      newMemFS(),
		handles: make(map[string]*openHandle),
		hooks:   make(map[sshfx.PacketType]HandlerFunc),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handle replaces the handling of every request of the given type with fn.
// fn may call Respond for the default response.
func (s *Server) Handle(typ sshfx.PacketType, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hooks[typ] = fn
}

// WriteFile creates or replaces the named file with data.
func (s *Server) WriteFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, _ := s.fs.open(name, sshfx.FlagCreate|sshfx.FlagTruncate)
	if f == nil {
		panic(fmt.Sprintf("sftptest: cannot create %s", name))
	}
	f.writeAt(0, data)
}

// ReadFile returns the contents of the named file.
func (s *Server) ReadFile(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, status := s.fs.fetch(name)
	if status != sshfx.StatusOK || f.isdir {
		return nil, false
	}

	return append([]byte(nil), f.content...), true
}

// Mkdir creates the named directory.
func (s *Server) Mkdir(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status := s.fs.mkdir(name); status != sshfx.StatusOK {
		panic(fmt.Sprintf("sftptest: cannot mkdir %s: %v", name, status))
	}
}

// Exists reports whether a file or directory of the given name exists.
func (s *Server) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, status := s.fs.fetch(name)
	return status == sshfx.StatusOK
}

// OpenHandles returns how many handles are open.
func (s *Server) OpenHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.handles)
}

// Requests returns every request received so far, in order of arrival.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Request(nil), s.requests...)
}

// Count returns how many requests of the given type have been received.
func (s *Server) Count(typ sshfx.PacketType) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, req := range s.requests {
		if req.Packet.Type() == typ {
			n++
		}
	}
	return n
}

// Serve answers requests read from rw until rw fails, or ctx is done.
// rw is closed before Serve returns.
// The filesystem outlives each call, but only one Serve may run at a time.
func (s *Server) Serve(ctx context.Context, rw io.ReadWriteCloser) error {
	var group run.Group

	// request loop
	group.Add(func() error {
		return s.serve(rw)
	}, func(_ error) {
		rw.Close()
	})

	// context watcher
	{
		ctx, cancel := context.WithCancel(ctx)

		group.Add(func() error {
			<-ctx.Done()
			return nil
		}, func(_ error) {
			cancel()
		})
	}

	err := group.Run()
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

func (s *Server) serve(rw io.ReadWriter) error {
	s.wr = rw
	buf := make([]byte, sshfx.DefaultMaxPacketLength)

	for {
		var raw sshfx.RawPacket
		if err := raw.ReadFrom(rw, buf, sshfx.DefaultMaxPacketLength); err != nil {
			if errors.Is(err, sshfx.ErrMalformedPacket) || errors.Is(err, sshfx.ErrOversizedPacket) {
				level.Warn(s.logger).Log("msg", "dropping bad request", "err", err)
				continue
			}
			return err
		}

		req, err := raw.PacketBody()
		if err != nil {
			level.Warn(s.logger).Log("msg", "dropping bad request", "id", raw.RequestID, "type", raw.Type, "err", err)
			continue
		}

		resp := s.handle(raw.RequestID, req)
		if resp == nil {
			continue
		}

		frame, err := sshfx.Encode(raw.RequestID, resp)
		if err != nil {
			return err
		}

		if err := s.send(req.Type(), frame); err != nil {
			return err
		}
	}
}

func (s *Server) handle(reqid uint32, req sshfx.Packet) sshfx.Packet {
	s.mu.Lock()
	s.requests = append(s.requests, Request{ID: reqid, Packet: req})
	hook := s.hooks[req.Type()]
	s.mu.Unlock()

	level.Debug(s.logger).Log("msg", "request", "id", reqid, "type", req.Type())

	if hook != nil {
		return hook(reqid, req)
	}

	return s.Respond(reqid, req)
}

func (s *Server) send(typ sshfx.PacketType, frame []byte) error {
	if typ == sshfx.PacketTypeRead && len(s.held) < len(s.reorder) {
		s.held = append(s.held, frame)

		if len(s.held) < len(s.reorder) {
			return nil
		}

		for _, i := range s.reorder {
			if _, err := s.write(s.held[i]); err != nil {
				return err
			}
		}
		s.reorder = nil

		return nil
	}

	_, err := s.write(frame)
	return err
}

func (s *Server) write(frame []byte) (int, error) {
	return s.wr.Write(frame)
}

func statusPacket(code sshfx.Status) *sshfx.StatusPacket {
	return &sshfx.StatusPacket{
		StatusCode:   code,
		ErrorMessage: code.String(),
	}
}

// Respond returns the default response to req, acting on the in-memory filesystem.
func (s *Server) Respond(reqid uint32, req sshfx.Packet) sshfx.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req := req.(type) {
	case *sshfx.InitPacket:
		return &sshfx.VersionPacket{
			Version: s.version,
		}

	case *sshfx.OpenPacket:
		f, status := s.fs.open(req.Filename, req.PFlags)
		if status != sshfx.StatusOK {
			return statusPacket(status)
		}
		return s.newHandle(&openHandle{file: f})

	case *sshfx.OpenDirPacket:
		f, status := s.fs.follow(req.Path)
		if status != sshfx.StatusOK {
			return statusPacket(status)
		}
		if !f.isdir {
			return statusPacket(sshfx.StatusFailure)
		}
		return s.newHandle(&openHandle{
			file:    f,
			dir:     true,
			entries: s.fs.children(f.name),
		})

	case *sshfx.ClosePacket:
		if _, ok := s.handles[req.Handle]; !ok {
			return statusPacket(sshfx.StatusFailure)
		}
		delete(s.handles, req.Handle)
		return statusPacket(sshfx.StatusOK)

	case *sshfx.ReadPacket:
		h, ok := s.handles[req.Handle]
		if !ok || h.dir {
			return statusPacket(sshfx.StatusFailure)
		}
		data := h.file.readAt(req.Offset, req.Length)
		if len(data) == 0 {
			return statusPacket(sshfx.StatusEOF)
		}
		return &sshfx.DataPacket{Data: data}

	case *sshfx.WritePacket:
		h, ok := s.handles[req.Handle]
		if !ok || h.dir {
			return statusPacket(sshfx.StatusFailure)
		}
		h.file.writeAt(req.Offset, req.Data)
		return statusPacket(sshfx.StatusOK)

	case *sshfx.FStatPacket:
		h, ok := s.handles[req.Handle]
		if !ok {
			return statusPacket(sshfx.StatusFailure)
		}
		return &sshfx.AttrsPacket{Attrs: h.file.attrs()}

	case *sshfx.StatPacket:
		return attrsPacket(s.fs.follow(req.Path))

	case *sshfx.LStatPacket:
		return attrsPacket(s.fs.fetch(req.Path))

	case *sshfx.SetStatPacket:
		f, status := s.fs.follow(req.Path)
		if status != sshfx.StatusOK {
			return statusPacket(status)
		}
		return statusPacket(f.setAttrs(&req.Attrs))

	case *sshfx.FSetStatPacket:
		h, ok := s.handles[req.Handle]
		if !ok {
			return statusPacket(sshfx.StatusFailure)
		}
		return statusPacket(h.file.setAttrs(&req.Attrs))

	case *sshfx.ReadLinkPacket:
		target, status := s.fs.readlink(req.Path)
		if status != sshfx.StatusOK {
			return statusPacket(status)
		}
		return &sshfx.NamePacket{
			Entries: []*sshfx.NameEntry{{
				Filename: target,
			}},
		}

	case *sshfx.SymlinkPacket:
		return statusPacket(s.fs.symlink(req.TargetPath, req.LinkPath))

	case *sshfx.ReadDirPacket:
		h, ok := s.handles[req.Handle]
		if !ok || !h.dir {
			return statusPacket(sshfx.StatusFailure)
		}
		if len(h.entries) == 0 {
			return statusPacket(sshfx.StatusEOF)
		}

		n := min(s.readDirBatch, len(h.entries))
		resp := new(sshfx.NamePacket)
		for _, f := range h.entries[:n] {
			resp.Entries = append(resp.Entries, f.nameEntry())
		}
		h.entries = h.entries[n:]
		return resp

	case *sshfx.RemovePacket:
		return statusPacket(s.fs.remove(req.Path))

	case *sshfx.MkdirPacket:
		return statusPacket(s.fs.mkdir(req.Path))

	case *sshfx.RmdirPacket:
		return statusPacket(s.fs.rmdir(req.Path))

	case *sshfx.RenamePacket:
		return statusPacket(s.fs.rename(req.OldPath, req.NewPath))

	case *sshfx.RealPathPacket:
		return &sshfx.NamePacket{
			Entries: []*sshfx.NameEntry{{
				Filename: cleanPath(req.Path),
			}},
		}

	default:
		return statusPacket(sshfx.StatusOPUnsupported)
	}
}

func attrsPacket(f *memFile, status sshfx.Status) sshfx.Packet {
	if status != sshfx.StatusOK {
		return statusPacket(status)
	}
	return &sshfx.AttrsPacket{Attrs: f.attrs()}
}

func (s *Server) newHandle(h *openHandle) sshfx.Packet {
	handle := uuid.NewV4().String()
	s.handles[handle] = h

	return &sshfx.HandlePacket{Handle: handle}
}
