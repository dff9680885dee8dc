package sftp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sshfx "github.com/fxwire/sftp/encoding/ssh/filexfer"
	"github.com/fxwire/sftp/sftptest"
)

// startServer serves srv over one end of an in-memory pipe, and returns the other end.
// Cancelling the returned function drops the server side of the transport.
func startServer(t testing.TB, srv *sftptest.Server) (net.Conn, context.CancelFunc) {
	t.Helper()

	client, server := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- srv.Serve(ctx, server)
	}()

	t.Cleanup(func() {
		cancel()
		client.Close()

		if err := <-done; err != nil {
			t.Errorf("Serve() = %v", err)
		}
	})

	return client, cancel
}

// newTestSession returns a ready session talking to srv.
func newTestSession(t testing.TB, srv *sftptest.Server, opts ...ClientOption) *Session {
	t.Helper()

	client, _ := startServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := NewClientPipe(ctx, client, client, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

func TestSessionConnect(t *testing.T) {
	srv := sftptest.NewServer()
	client, _ := startServer(t, srv)

	s, err := NewSession(client, client)
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, s.State())

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, 1, srv.Count(sshfx.PacketTypeInit))

	err = s.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateReady, s.State())

	require.NoError(t, s.Close())
	assert.Equal(t, StateDisconnected, s.State())

	// A session is good for one connection only.
	assert.Error(t, s.Connect(context.Background()))
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSessionVersionMismatch(t *testing.T) {
	srv := sftptest.NewServer(sftptest.WithVersion(4))
	client, _ := startServer(t, srv)

	s, err := NewSession(client, client)
	require.NoError(t, err)

	err = s.Connect(context.Background())
	require.ErrorIs(t, err, ErrProtocolVersionMismatch)

	var mismatch *VersionMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, uint32(4), mismatch.Got)
	assert.Equal(t, uint32(3), mismatch.Want)

	assert.Equal(t, StateDisconnected, s.State())

	_, err = s.Stat(context.Background(), "/")
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.NoError(t, s.Close())
}

func TestSessionExtensions(t *testing.T) {
	srv := sftptest.NewServer()
	srv.Handle(sshfx.PacketTypeInit, func(_ uint32, _ sshfx.Packet) sshfx.Packet {
		return &sshfx.VersionPacket{
			Version: sshfx.ProtocolVersion,
			Extensions: []*sshfx.ExtensionPair{
				{Name: "posix-rename@openssh.com", Data: "1"},
			},
		}
	})

	s := newTestSession(t, srv)

	data, ok := s.Extension("posix-rename@openssh.com")
	assert.True(t, ok)
	assert.Equal(t, "1", data)

	_, ok = s.Extension("statvfs@openssh.com")
	assert.False(t, ok)
}

func TestSessionHandshakeContext(t *testing.T) {
	srv := sftptest.NewServer()
	srv.Handle(sshfx.PacketTypeInit, func(_ uint32, _ sshfx.Packet) sshfx.Packet {
		return nil
	})
	client, _ := startServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	s, err := NewSession(client, client)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Connect(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSessionNotConnected(t *testing.T) {
	client, _ := net.Pipe()

	s, err := NewSession(client, client)
	require.NoError(t, err)

	ctx := context.Background()

	_, err = s.Stat(ctx, "/")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = s.List(ctx, "/")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = s.Get(ctx, "/foo", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	// Closing a session that never connected does nothing.
	assert.NoError(t, s.Close())
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSessionCloseIdempotent(t *testing.T) {
	srv := sftptest.NewServer()
	srv.WriteFile("/foo", []byte("hello"))

	s := newTestSession(t, srv)
	ctx := context.Background()

	f, err := s.Open(ctx, "/foo")
	require.NoError(t, err)
	assert.Equal(t, 1, srv.OpenHandles())

	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.Equal(t, StateDisconnected, s.State())

	// Close sent an SSH_FXP_CLOSE for the handle left open.
	assert.Equal(t, 1, srv.Count(sshfx.PacketTypeClose))

	_, err = s.Stat(ctx, "/foo")
	assert.ErrorIs(t, err, ErrNotConnected)

	// The file has already been released.
	assert.NoError(t, f.Close())
}

func TestSessionTransportLost(t *testing.T) {
	srv := sftptest.NewServer()
	client, drop := startServer(t, srv)

	s, err := NewClientPipe(context.Background(), client, client)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Stat(context.Background(), "/")
	require.NoError(t, err)

	drop()

	require.Eventually(t, func() bool {
		return s.State() == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)

	_, err = s.Stat(context.Background(), "/")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSessionPing(t *testing.T) {
	s := newTestSession(t, sftptest.NewServer())
	assert.NoError(t, s.Ping(context.Background()))
}

func TestSessionOptions(t *testing.T) {
	client, _ := net.Pipe()

	_, err := NewSession(client, client, WithMaxInflight(0))
	assert.Error(t, err)

	_, err = NewSession(client, client, WithMaxDataLength(0))
	assert.Error(t, err)

	_, err = NewSession(client, client, WithRequestTimeout(-time.Second))
	assert.Error(t, err)

	_, err = NewSession(client, client, WithLogger(nil))
	assert.Error(t, err)

	s, err := NewSession(client, client, WithMaxDataLength(1<<20), WithMaxInflight(3))
	require.NoError(t, err)
	assert.Equal(t, 1<<20, s.chunkSize())
	assert.Equal(t, uint32(1<<20+maxPacketLengthOverhead), s.maxPacket)
	assert.Equal(t, 3, s.maxInflight)

	// The packet length only ever grows.
	s, err = NewSession(client, client, WithMaxPacketLength(1024))
	require.NoError(t, err)
	assert.Equal(t, uint32(sshfx.DefaultMaxPacketLength), s.maxPacket)
	assert.Equal(t, sshfx.DefaultMaxDataLength, s.chunkSize())
}

func TestSessionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()

	s := newTestSession(t, sftptest.NewServer(), WithRegisterer(reg))

	_, err := s.Stat(context.Background(), "/")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues("SSH_FXP_STAT")))
	assert.Equal(t, 0.0, testutil.ToFloat64(s.metrics.inflight))

	// A second session on the same registry shares the collectors.
	other := newTestSession(t, sftptest.NewServer(), WithRegisterer(reg))

	_, err = other.Stat(context.Background(), "/")
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues("SSH_FXP_STAT")))
}
