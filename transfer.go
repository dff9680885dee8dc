package sftp

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/go-kit/log/level"

	sshfx "github.com/fxwire/sftp/encoding/ssh/filexfer"
)

// Progress reports how far a transfer has come.
type Progress struct {
	Src   string
	Dest  string
	Bytes int64
	Total int64 // -1 if unknown
}

// Percent returns the completed share of the transfer in the range [0, 100],
// or -1 if the total size is not known.
func (p Progress) Percent() float64 {
	if p.Total < 0 {
		return -1
	}
	if p.Total == 0 {
		return 100
	}
	return 100 * float64(p.Bytes) / float64(p.Total)
}

// TransferOption tunes a single Get, Put, GetFile, or PutFile.
type TransferOption func(*transferConfig)

type transferConfig struct {
	src, dest string
	progress  func(Progress)
}

// WithProgress calls fn each time more bytes of the transfer have been completed.
// Calls are made from the goroutine running the transfer, in order.
func WithProgress(fn func(Progress)) TransferOption {
	return func(cfg *transferConfig) {
		cfg.progress = fn
	}
}

func newTransferConfig(src, dest string, opts []TransferOption) transferConfig {
	cfg := transferConfig{
		src:  src,
		dest: dest,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (cfg *transferConfig) report(done, total int64) {
	if cfg.progress == nil {
		return
	}

	cfg.progress(Progress{
		Src:   cfg.src,
		Dest:  cfg.dest,
		Bytes: done,
		Total: total,
	})
}

// chunk is the byte range of one READ or WRITE request.
type chunk struct {
	off uint64
	n   uint32
}

// readReply is a DATA response waiting for its turn to be written to the sink.
type readReply struct {
	data []byte
	res  result
}

// download copies the remote file behind h into w, starting at offset start.
// If size is not negative, it is the size of the remote file,
// and exactly enough reads are issued to cover it.
// Otherwise reads continue until the server reports EOF.
//
// Up to maxInflight reads are kept in flight at once.
// Replies may arrive in any order, but w only ever sees the bytes in offset order.
func (s *Session) download(ctx context.Context, h *RemoteHandle, w io.Writer, start uint64, size int64, cfg transferConfig) (written int64, err error) {
	var (
		chunkSize = uint64(s.chunkSize())
		window    = s.maxInflight

		end = uint64(math.MaxUint64)

		results  = make(chan result, window)
		inflight = make(map[uint32]chunk, window)
		ready    = make(map[uint64]readReply, window)
		gaps     []chunk

		next   = start // next offset to request
		expect = start // next offset to write to w
		eofAt  = uint64(math.MaxUint64)

		total = int64(-1)
	)

	if size >= 0 {
		end = uint64(size)
		total = int64(end - min(start, end))
	}

	begin := time.Now()

	defer func() {
		for _, r := range ready {
			s.conn.release(r.res)
		}

		level.Debug(s.logger).Log("msg", "download finished", "path", h.path, "bytes", written, "duration", time.Since(begin), "err", err)
	}()

	issue := func(c chunk) error {
		opaque, err := s.handles.lookup(h)
		if err != nil {
			return err
		}

		reqid, err := s.conn.dispatch(results, &sshfx.ReadPacket{
			Handle: opaque,
			Offset: c.off,
			Length: c.n,
		})
		if err != nil {
			return err
		}

		inflight[reqid] = c
		return nil
	}

	for {
		// Once an error has been recorded, nothing more is issued.
		for err == nil && len(inflight) < window {
			var c chunk

			switch {
			case len(gaps) > 0:
				c, gaps = gaps[0], gaps[1:]
				if c.off >= eofAt {
					continue
				}

			case eofAt == math.MaxUint64 && next < end:
				n := min(chunkSize, end-next)
				c = chunk{off: next, n: uint32(n)}
				next += n

			default:
				// Nothing left to ask for.
			}

			if c.n == 0 {
				break
			}

			err = issue(c)
		}

		if len(inflight) == 0 {
			break
		}

		var res result

		select {
		case res = <-results:
		case <-ctx.Done():
			reqids := make([]uint32, 0, len(inflight))
			for reqid := range inflight {
				reqids = append(reqids, reqid)
			}
			s.conn.abandon(reqids...)

			return written, ctx.Err()
		}

		c, ok := inflight[res.reqid]
		if !ok {
			s.conn.release(res)
			continue
		}
		delete(inflight, res.reqid)

		if err != nil {
			// Draining: the job has already failed.
			s.conn.release(res)
			continue
		}

		data, eof, rerr := readResult(res)
		switch {
		case rerr != nil:
			s.conn.release(res)
			err = rerr
			continue

		case eof:
			s.conn.release(res)
			eofAt = min(eofAt, c.off)
			continue
		}

		if len(data) > int(c.n) {
			data = data[:c.n]
		}

		if n := uint32(len(data)); n < c.n {
			// Short read: ask for the rest of the range.
			gaps = append(gaps, chunk{off: c.off + uint64(n), n: c.n - n})
		}

		ready[c.off] = readReply{data: data, res: res}

		// Flush the contiguous prefix.
		var flushed int64
		for err == nil && expect < eofAt {
			r, ok := ready[expect]
			if !ok {
				break
			}
			delete(ready, expect)

			n, werr := w.Write(r.data)
			s.conn.release(r.res)

			written += int64(n)
			flushed += int64(n)
			expect += uint64(n)

			if werr != nil {
				err = werr
			}
		}

		if flushed > 0 {
			s.metrics.transfer.WithLabelValues("download").Add(float64(flushed))
			cfg.report(written, total)
		}
	}

	return written, err
}

// readResult interprets the response to a READ.
// An SSH_FX_EOF status, or an empty SSH_FXP_DATA, is reported as eof.
func readResult(res result) (data []byte, eof bool, err error) {
	if res.err != nil {
		return nil, false, res.err
	}

	switch res.pkt.Type {
	case sshfx.PacketTypeData:
		var resp sshfx.DataPacket
		if err := resp.UnmarshalPacketBody(&res.pkt.Data); err != nil {
			return nil, false, fmt.Errorf("%w: %s: %w", ErrMalformedPacket, res.pkt.Type, err)
		}

		if len(resp.Data) == 0 {
			return nil, true, nil
		}

		return resp.Data, false, nil

	case sshfx.PacketTypeStatus:
		err := unmarshalStatus(res.pkt, false)
		if err == io.EOF {
			return nil, true, nil
		}
		return nil, false, err

	default:
		return nil, false, fmt.Errorf("%w: unexpected packet type: %s", ErrMalformedPacket, res.pkt.Type)
	}
}

// upload copies r into the remote file behind h, starting at offset start.
// total is only used for progress reporting, and may be -1.
//
// Up to maxInflight writes are kept in flight at once.
// The job succeeds only once every write has been acknowledged.
// After a failed write nothing more is issued, the writes still in flight are waited for,
// and the error of the lowest failing offset is returned along with the number of bytes
// known to have been written below it.
func (s *Session) upload(ctx context.Context, h *RemoteHandle, r io.Reader, start uint64, total int64, cfg transferConfig) (written int64, err error) {
	var (
		window = s.maxInflight

		results  = make(chan result, window)
		inflight = make(map[uint32]chunk, window)

		// The packet is written out in full before dispatch returns,
		// so a single buffer serves every chunk.
		buf = make([]byte, s.chunkSize())

		off     = start
		srcDone bool
		acked   int64

		failAt  = uint64(math.MaxUint64)
		failErr error
	)

	begin := time.Now()

	defer func() {
		level.Debug(s.logger).Log("msg", "upload finished", "path", h.path, "bytes", written, "duration", time.Since(begin), "err", err)
	}()

	fail := func(at uint64, ferr error) {
		if at <= failAt {
			failAt, failErr = at, ferr
		}
	}

	for {
		for failErr == nil && !srcDone && len(inflight) < window {
			n, rerr := io.ReadFull(r, buf)

			if n > 0 {
				c := chunk{off: off, n: uint32(n)}

				opaque, lerr := s.handles.lookup(h)
				if lerr != nil {
					fail(c.off, lerr)
					break
				}

				reqid, derr := s.conn.dispatch(results, &sshfx.WritePacket{
					Handle: opaque,
					Offset: c.off,
					Data:   buf[:n],
				})
				if derr != nil {
					fail(c.off, derr)
					break
				}

				inflight[reqid] = c
				off += uint64(n)
			}

			switch rerr {
			case nil:
			case io.EOF, io.ErrUnexpectedEOF:
				srcDone = true
			default:
				fail(off, rerr)
			}
		}

		if len(inflight) == 0 {
			break
		}

		var res result

		select {
		case res = <-results:
		case <-ctx.Done():
			reqids := make([]uint32, 0, len(inflight))
			for reqid := range inflight {
				reqids = append(reqids, reqid)
			}
			s.conn.abandon(reqids...)

			return acked, ctx.Err()
		}

		c, ok := inflight[res.reqid]
		if !ok {
			s.conn.release(res)
			continue
		}
		delete(inflight, res.reqid)

		if werr := s.statusResult(res); werr != nil {
			fail(c.off, werr)
			continue
		}

		acked += int64(c.n)
		s.metrics.transfer.WithLabelValues("upload").Add(float64(c.n))

		if failErr == nil {
			cfg.report(acked, total)
		}
	}

	if failErr != nil {
		return int64(failAt - start), failErr
	}

	return acked, nil
}
