package sftp

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	sshfx "github.com/fxwire/sftp/encoding/ssh/filexfer"
	isync "github.com/fxwire/sftp/internal/sync"
)

// readBufferSize is how much the receive loop asks of the transport per read.
const readBufferSize = 32 * 1024

// result is the resolution of one pending request.
// Exactly one of pkt and err is set.
type result struct {
	reqid uint32
	pkt   *sshfx.RawPacket
	frame []byte // backing store of pkt, returned to the pool with it
	err   error
}

// pending is the registrant waiting on a request id.
type pending struct {
	ch    chan<- result
	typ   sshfx.PacketType
	start time.Time
	timer *time.Timer
}

// clientConn correlates requests and responses over a single byte stream.
//
// Any number of goroutines may dispatch requests concurrently.
// Only recvLoop, or a test standing in for it, may call ingest.
type clientConn struct {
	rd io.Reader
	wr io.Writer

	logger  log.Logger
	metrics *metrics

	maxPacket uint32
	timeout   time.Duration

	bufPool *isync.SlicePool
	pktPool *isync.Pool[sshfx.RawPacket]

	// wmu serialises request id allocation, registration, and writes to wr.
	wmu  sync.Mutex
	wbuf []byte

	mu       sync.Mutex
	reqid    uint32
	inflight map[uint32]*pending
	closed   chan struct{}
	err      error

	version chan *sshfx.VersionPacket

	// onDisconnect, if set, is called once after the connection has gone away.
	onDisconnect func(error)

	// Decoder state, owned by the ingesting goroutine.
	hdr   [9]byte // uint32(length) + uint8(type) + uint32(request-id)
	nhdr  int
	frame []byte
	need  int
	skip  uint64
}

func newClientConn(rd io.Reader, wr io.Writer, logger log.Logger, m *metrics, maxPacket uint32, depth int, timeout time.Duration) *clientConn {
	return &clientConn{
		rd:        rd,
		wr:        wr,
		logger:    logger,
		metrics:   m,
		maxPacket: maxPacket,
		timeout:   timeout,
		bufPool:   isync.NewSlicePool(depth, 4+int(maxPacket)),
		pktPool:   isync.NewPool[sshfx.RawPacket](depth),
		inflight:  make(map[uint32]*pending),
		closed:    make(chan struct{}),
		version:   make(chan *sshfx.VersionPacket, 1),
	}
}

// handshake sends SSH_FXP_INIT and waits for the server's SSH_FXP_VERSION.
// recvLoop must already be running.
func (c *clientConn) handshake(ctx context.Context) (map[string]string, error) {
	initPkt := &sshfx.InitPacket{
		Version: sshfx.ProtocolVersion,
	}

	data, err := initPkt.MarshalBinary()
	if err != nil {
		return nil, err
	}

	c.wmu.Lock()
	_, err = c.wr.Write(data)
	c.wmu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("sftp: write init packet: %w: %w", ErrTransportClosed, err)
	}

	var verPkt *sshfx.VersionPacket

	select {
	case verPkt = <-c.version:
	case <-c.closed:
		return nil, c.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if verPkt.Version != sshfx.ProtocolVersion {
		return nil, &VersionMismatchError{
			Got:  verPkt.Version,
			Want: sshfx.ProtocolVersion,
		}
	}

	exts := make(map[string]string)
	for _, ext := range verPkt.Extensions {
		exts[ext.Name] = ext.Data
	}
	return exts, nil
}

func (c *clientConn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return canceled(c.err)
}

// register allocates a request id not currently in flight, and records ch as its registrant.
func (c *clientConn) register(ch chan<- result, typ sshfx.PacketType) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return 0, canceled(c.err)
	default:
	}

	// The counter wraps at 2^32, so skip over ids whose responses are still outstanding.
	c.reqid++
	for {
		if _, busy := c.inflight[c.reqid]; !busy {
			break
		}
		c.reqid++
	}
	reqid := c.reqid

	p := &pending{
		ch:    ch,
		typ:   typ,
		start: time.Now(),
	}

	if c.timeout > 0 {
		p.timer = time.AfterFunc(c.timeout, func() {
			c.expire(reqid, p)
		})
	}

	c.inflight[reqid] = p
	c.metrics.sent(typ)

	return reqid, nil
}

// take removes and returns the registrant of reqid, or nil if there is none.
// Whoever takes a registrant is the only one allowed to resolve it.
func (c *clientConn) take(reqid uint32) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.inflight[reqid]
	if p == nil {
		return nil
	}

	delete(c.inflight, reqid)

	if p.timer != nil {
		p.timer.Stop()
	}
	c.metrics.resolved(p.typ, p.start)

	return p
}

func (c *clientConn) expire(reqid uint32, p *pending) {
	c.mu.Lock()
	if c.inflight[reqid] != p {
		c.mu.Unlock()
		return
	}
	delete(c.inflight, reqid)
	c.mu.Unlock()

	c.metrics.resolved(p.typ, p.start)
	c.metrics.failed("timeout")
	level.Warn(c.logger).Log("msg", "request timed out", "id", reqid, "type", p.typ, "timeout", c.timeout)

	p.ch <- result{
		reqid: reqid,
		err:   fmt.Errorf("%w: %s after %v", ErrTimeout, p.typ, c.timeout),
	}
}

// abandon drops the registrants of the given ids without resolving them.
// Any response that still arrives for them is dropped as unmatched.
func (c *clientConn) abandon(reqids ...uint32) {
	for _, reqid := range reqids {
		if c.take(reqid) != nil {
			c.metrics.failed("abandoned")
		}
	}
}

// dispatch marshals req, registers ch to receive its result, and writes it to the transport.
// The request id and the write are allocated and performed under one lock,
// so packets are never interleaved on the wire.
//
// Exactly one result will be sent on ch for a request that was dispatched without error,
// unless it is abandoned. The caller must make sure ch has room for it,
// or the receive loop will stall.
func (c *clientConn) dispatch(ch chan<- result, req sshfx.Packet) (uint32, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	reqid, err := c.register(ch, req.Type())
	if err != nil {
		return 0, err
	}

	header, payload, err := req.MarshalPacket(reqid, c.wbuf)
	if err != nil {
		c.take(reqid)
		return 0, err
	}
	c.wbuf = header[:0]

	// payload aliases caller memory, so it is written straight through.
	if _, err := c.wr.Write(header); err != nil {
		c.take(reqid)
		c.disconnect(fmt.Errorf("%w: %w", ErrTransportClosed, err))
		return 0, fmt.Errorf("sftp: write packet header: %w", canceled(err))
	}

	if len(payload) != 0 {
		if _, err := c.wr.Write(payload); err != nil {
			c.take(reqid)
			c.disconnect(fmt.Errorf("%w: %w", ErrTransportClosed, err))
			return 0, fmt.Errorf("sftp: write packet payload: %w", canceled(err))
		}
	}

	return reqid, nil
}

// recv waits for the result of a request sent with a channel of its own.
// If ctx is done first, the request is abandoned.
func (c *clientConn) recv(ctx context.Context, reqid uint32, ch chan result) (result, error) {
	select {
	case res := <-ch:
		return res, res.err

	case <-ctx.Done():
		if c.take(reqid) == nil {
			// The result is already on its way; wait so it is not leaked.
			c.release(<-ch)
		}
		return result{}, ctx.Err()
	}
}

// send dispatches req and waits for its response.
// The returned result must be handed back with release.
func (c *clientConn) send(ctx context.Context, req sshfx.Packet) (result, error) {
	ch := make(chan result, 1)

	reqid, err := c.dispatch(ch, req)
	if err != nil {
		return result{}, err
	}

	return c.recv(ctx, reqid, ch)
}

// release returns the buffers of a result to their pools.
func (c *clientConn) release(res result) {
	if res.pkt != nil {
		c.pktPool.Put(res.pkt)
	}
	if res.frame != nil {
		c.bufPool.Put(res.frame)
	}
}

// disconnect marks the connection closed, and resolves every pending request as canceled.
// Only the first call has any effect.
func (c *clientConn) disconnect(err error) {
	c.mu.Lock()

	select {
	case <-c.closed:
		c.mu.Unlock()
		return
	default:
	}

	c.err = err
	close(c.closed)

	inflight := c.inflight
	c.inflight = make(map[uint32]*pending)

	c.mu.Unlock()

	c.cancelAll(inflight, err)

	level.Debug(c.logger).Log("msg", "disconnected", "err", err, "canceled", len(inflight))

	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
}

// cancelPending resolves every request pending right now as canceled,
// but leaves the connection open for new requests.
// Responses that still arrive for the canceled requests are dropped as unmatched.
func (c *clientConn) cancelPending(err error) {
	c.mu.Lock()
	inflight := c.inflight
	c.inflight = make(map[uint32]*pending)
	c.mu.Unlock()

	c.cancelAll(inflight, err)

	level.Debug(c.logger).Log("msg", "canceled pending requests", "err", err, "canceled", len(inflight))
}

func (c *clientConn) cancelAll(inflight map[uint32]*pending, err error) {
	for reqid, p := range inflight {
		if p.timer != nil {
			p.timer.Stop()
		}

		c.metrics.resolved(p.typ, p.start)
		c.metrics.failed("canceled")

		p.ch <- result{
			reqid: reqid,
			err:   canceled(err),
		}
	}
}

// recvLoop feeds the transport into ingest until the transport fails.
func (c *clientConn) recvLoop() {
	b := make([]byte, readBufferSize)

	for {
		n, err := c.rd.Read(b)
		if n > 0 {
			c.ingest(b[:n])
		}

		if err != nil {
			c.disconnect(fmt.Errorf("%w: %w", ErrTransportClosed, err))
			return
		}
	}
}

// ingest consumes the next chunk of bytes from the transport.
// Partial frames are kept until the rest arrives,
// so chunk boundaries need not line up with frame boundaries.
//
// A frame longer than maxPacket is never buffered:
// its request is failed with ErrOversizedPacket, and its body is skipped.
func (c *clientConn) ingest(chunk []byte) {
	for len(chunk) > 0 {
		switch {
		case c.skip > 0:
			n := min(c.skip, uint64(len(chunk)))
			c.skip -= n
			chunk = chunk[n:]

		case c.nhdr < 4:
			n := copy(c.hdr[c.nhdr:4], chunk)
			c.nhdr += n
			chunk = chunk[n:]

			if c.nhdr == 4 {
				c.startFrame()
			}

		case c.frame == nil:
			// Oversized: collect the type and request id, then skip the rest.
			n := copy(c.hdr[c.nhdr:], chunk)
			c.nhdr += n
			chunk = chunk[n:]

			if c.nhdr == len(c.hdr) {
				length, _ := sshfx.FrameLength(c.hdr[:])
				typ := sshfx.PacketType(c.hdr[4])
				reqid, _ := sshfx.FrameLength(c.hdr[5:])

				c.skip = uint64(length) - 5
				c.nhdr = 0

				c.reject(typ, reqid, fmt.Errorf("%w: %d > %d", ErrOversizedPacket, length, c.maxPacket))
			}

		default:
			n := min(c.need-len(c.frame), len(chunk))
			c.frame = append(c.frame, chunk[:n]...)
			chunk = chunk[n:]

			if len(c.frame) == c.need {
				frame := c.frame
				c.frame, c.nhdr = nil, 0

				c.handleFrame(frame)
			}
		}
	}
}

func (c *clientConn) startFrame() {
	length, _ := sshfx.FrameLength(c.hdr[:])

	switch {
	case length > c.maxPacket:
		c.metrics.failed("oversized")
		level.Warn(c.logger).Log("msg", "skipping oversized packet", "length", length, "max", c.maxPacket)
		// c.frame stays nil, the type and request id are collected next.

	case length == 0:
		c.metrics.failed("malformed")
		level.Warn(c.logger).Log("msg", "dropping empty packet")
		c.nhdr = 0

	default:
		c.need = 4 + int(length)
		c.frame = append(c.bufPool.Get(c.need)[:0], c.hdr[:4]...)
	}
}

// reject resolves the registrant of reqid with err, if there is one.
func (c *clientConn) reject(typ sshfx.PacketType, reqid uint32, err error) {
	if typ == sshfx.PacketTypeVersion {
		level.Warn(c.logger).Log("msg", "bad version packet", "err", err)
		return
	}

	p := c.take(reqid)
	if p == nil {
		c.metrics.unmatched.Inc()
		level.Warn(c.logger).Log("msg", "dropping bad response that doesn't match up to a request", "id", reqid, "type", typ, "err", err)
		return
	}

	p.ch <- result{
		reqid: reqid,
		err:   err,
	}
}

func (c *clientConn) handleFrame(frame []byte) {
	raw := c.pktPool.Get()

	if err := raw.UnmarshalBinary(frame[4:]); err != nil {
		c.metrics.failed("malformed")
		c.reject(raw.Type, raw.RequestID, err)
		c.release(result{pkt: raw, frame: frame})
		return
	}

	if raw.Type == sshfx.PacketTypeVersion {
		c.handleVersion(raw)
		c.release(result{pkt: raw, frame: frame})
		return
	}

	if !raw.Type.IsResponse() {
		c.metrics.failed("malformed")
		c.reject(raw.Type, raw.RequestID, fmt.Errorf("%w: server sent request type %s", ErrMalformedPacket, raw.Type))
		c.release(result{pkt: raw, frame: frame})
		return
	}

	p := c.take(raw.RequestID)
	if p == nil {
		c.metrics.unmatched.Inc()
		level.Warn(c.logger).Log("msg", "got response that doesn't match up to a request", "id", raw.RequestID, "type", raw.Type)
		c.release(result{pkt: raw, frame: frame})
		return
	}

	p.ch <- result{
		reqid: raw.RequestID,
		pkt:   raw,
		frame: frame,
	}
}

func (c *clientConn) handleVersion(raw *sshfx.RawPacket) {
	body, err := raw.PacketBody()
	if err != nil {
		level.Warn(c.logger).Log("msg", "bad version packet", "err", err)
		return
	}

	select {
	case c.version <- body.(*sshfx.VersionPacket):
	default:
		level.Warn(c.logger).Log("msg", "dropping unexpected version packet")
	}
}
