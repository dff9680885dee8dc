package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
	"golang.org/x/crypto/ssh"

	sshfx "github.com/fxwire/sftp/encoding/ssh/filexfer"
)

// closeTimeout bounds how long Close waits for the server to acknowledge
// the SSH_FXP_CLOSE of handles that are still open.
const closeTimeout = 5 * time.Second

// State is the lifecycle state of a Session.
type State int32

// Session states. A session only ever moves forward through them,
// and ends back in StateDisconnected.
const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Transport is the reliable, ordered byte stream an SFTP session runs over,
// usually the stdin and stdout of an "sftp" subsystem on an SSH session.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Session is an SFTP version 3 session over a single transport.
// Any number of requests may be in flight at once,
// and a Session may be used concurrently from multiple goroutines.
type Session struct {
	state atomic.Int32

	rd      io.Reader
	wr      io.Writer
	closers []io.Closer

	conn    *clientConn
	handles *handleTable

	logger     log.Logger
	registerer prometheus.Registerer
	metrics    *metrics

	maxPacket   uint32
	maxDataLen  int
	maxInflight int
	timeout     time.Duration

	exts map[string]string

	closeOnce sync.Once
	closeErr  error
}

// NewSession returns a disconnected session that will speak over rd and wr once connected.
// If wr is also an io.Closer, it is closed when the session closes.
func NewSession(rd io.Reader, wr io.Writer, opts ...ClientOption) (*Session, error) {
	s := &Session{
		rd:      rd,
		wr:      wr,
		handles: newHandleTable(),

		logger: log.NewNopLogger(),

		maxPacket:   sshfx.DefaultMaxPacketLength,
		maxDataLen:  sshfx.DefaultMaxDataLength,
		maxInflight: DefaultMaxInflight,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if c, ok := wr.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}

	s.logger = log.With(s.logger, "session", uuid.NewV4().String())
	s.metrics = newMetrics(s.registerer)

	return s, nil
}

// Connect performs the SFTP handshake, and moves the session to StateReady.
// The context is only used for the handshake.
//
// If the server does not answer with protocol version 3,
// the session is torn down and an error matching ErrProtocolVersionMismatch is returned.
// A session can only be connected once.
func (s *Session) Connect(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("sftp: cannot connect a session in state %s", s.State())
	}

	if s.conn != nil {
		s.state.Store(int32(StateDisconnected))
		return fmt.Errorf("sftp: session cannot be connected again")
	}

	s.conn = newClientConn(s.rd, s.wr, s.logger, s.metrics, s.maxPacket, s.maxInflight, s.timeout)
	s.conn.onDisconnect = s.lost

	go s.conn.recvLoop()

	exts, err := s.conn.handshake(ctx)
	if err != nil {
		level.Warn(s.logger).Log("msg", "handshake failed", "err", err)

		s.closeOnce.Do(func() {
			s.closeErr = s.teardown(err)
		})

		return err
	}

	s.exts = exts

	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateReady)) {
		// The transport went away right after the handshake.
		return ErrNotConnected
	}

	level.Debug(s.logger).Log("msg", "session ready", "max_packet", s.maxPacket, "chunk", s.chunkSize(), "window", s.maxInflight, "extensions", len(exts))

	return nil
}

// Connect starts an SFTP session over t, and waits for it to become ready.
func Connect(ctx context.Context, t Transport, opts ...ClientOption) (*Session, error) {
	return NewClientPipe(ctx, t, t, opts...)
}

// NewClientPipe creates a new SFTP session given a Reader and WriteCloser.
// This can be used for connecting an SFTP server over TCP/TLS, or by using the system's ssh client program.
//
// The given context is only used for the negotiation of init and version packets.
func NewClientPipe(ctx context.Context, rd io.Reader, wr io.WriteCloser, opts ...ClientOption) (*Session, error) {
	s, err := NewSession(rd, wr, opts...)
	if err != nil {
		return nil, err
	}

	if err := s.Connect(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// NewClient creates a new SFTP session on the "sftp" subsystem of conn.
// The context is only used during initialization, and handshake.
func NewClient(ctx context.Context, conn *ssh.Client, opts ...ClientOption) (*Session, error) {
	sess, err := conn.NewSession()
	if err != nil {
		return nil, err
	}

	w, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}

	r, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}

	if err := sess.RequestSubsystem("sftp"); err != nil {
		sess.Close()
		return nil, err
	}

	s, err := NewSession(r, w, opts...)
	if err != nil {
		sess.Close()
		return nil, err
	}
	s.closers = append(s.closers, sess)

	if err := s.Connect(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// State returns the current lifecycle state of the session.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Extension returns the data the server announced for the named extension in its version packet.
func (s *Session) Extension(name string) (string, bool) {
	data, ok := s.exts[name]
	return data, ok
}

func (s *Session) ready() error {
	if s.State() != StateReady {
		return ErrNotConnected
	}
	return nil
}

// chunkSize is the data length of each READ and WRITE,
// clamped so that no packet carrying a chunk exceeds the maximum packet length.
func (s *Session) chunkSize() int {
	return min(s.maxDataLen, int(s.maxPacket)-maxPacketLengthOverhead)
}

// lost is called once the correlator has disconnected, for whatever reason.
func (s *Session) lost(err error) {
	if s.state.CompareAndSwap(int32(StateReady), int32(StateDisconnected)) {
		level.Warn(s.logger).Log("msg", "transport lost", "err", err)
		s.handles.releaseAll(canceled(err))
	}
}

// Ping checks that the server is still answering requests.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.RealPath(ctx, ".")
	return err
}

// Close closes the SFTP session.
//
// Every request still waiting for a response fails with ErrCanceled,
// and so does any transfer still running on the session.
// Open handles are then closed on a best-effort basis, and the transport is closed.
// It is safe to call Close more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateClosing)))
		if prev == StateDisconnected && s.conn == nil {
			s.state.Store(int32(StateDisconnected))
			return
		}

		var errs *multierror.Error

		cause := fmt.Errorf("%w: session closed", ErrTransportClosed)

		if prev == StateReady {
			s.conn.cancelPending(cause)

			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			if err := s.closeHandles(ctx, canceled(cause)); err != nil {
				errs = multierror.Append(errs, err)
			}
			cancel()
		}

		if err := s.teardown(cause); err != nil {
			errs = multierror.Append(errs, err)
		}

		s.closeErr = errs.ErrorOrNil()
	})

	return s.closeErr
}

// closeHandles releases every handle, shutting the handle table with cause,
// sends an SSH_FXP_CLOSE for every handle that was registered,
// and waits for all of them to be answered.
func (s *Session) closeHandles(ctx context.Context, cause error) error {
	opaques := s.handles.releaseAll(cause)
	if len(opaques) == 0 {
		return nil
	}

	level.Debug(s.logger).Log("msg", "closing open handles", "count", len(opaques))

	ch := make(chan result, len(opaques))
	var reqids []uint32

	var errs *multierror.Error

	for _, opaque := range opaques {
		reqid, err := s.conn.dispatch(ch, &sshfx.ClosePacket{Handle: opaque})
		if err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		reqids = append(reqids, reqid)
	}

	for range reqids {
		select {
		case res := <-ch:
			if err := s.statusResult(res); err != nil {
				errs = multierror.Append(errs, err)
			}

		case <-ctx.Done():
			s.conn.abandon(reqids...)
			return multierror.Append(errs, ctx.Err()).ErrorOrNil()
		}
	}

	return errs.ErrorOrNil()
}

// teardown closes the transport, cancels every pending request,
// and leaves the session in StateDisconnected.
func (s *Session) teardown(cause error) error {
	var errs *multierror.Error

	for _, c := range s.closers {
		// An SSH channel the server already closed reports io.EOF.
		if err := c.Close(); err != nil && !errors.Is(err, io.EOF) {
			errs = multierror.Append(errs, err)
		}
	}

	if s.conn != nil {
		s.conn.disconnect(cause)

		hits, total := s.conn.bufPool.Hits()
		level.Debug(s.logger).Log("msg", "session closed", "bufpool_hits", hits, "bufpool_lookups", total)
	}

	s.handles.releaseAll(canceled(cause))
	s.state.Store(int32(StateDisconnected))

	return errs.ErrorOrNil()
}
