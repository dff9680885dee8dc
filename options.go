package sftp

import (
	"fmt"
	"math"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

// maxPacketLengthOverhead is the room left in a packet for everything but the data
// of an SSH_FXP_WRITE or SSH_FXP_DATA packet.
// (This is the difference between the 34000 byte packet size vs 32768 data packet size.)
const maxPacketLengthOverhead = 1232

// DefaultMaxInflight is the default number of requests a single transfer keeps in flight.
const DefaultMaxInflight = 8

// ClientOption specifies an optional that can be set on a session.
type ClientOption func(*Session) error

// WithMaxInflight sets the maximum number of requests a single transfer keeps in flight at one time.
//
// It will generate an error if one attempts to set it to a value less than one.
func WithMaxInflight(count int) ClientOption {
	return func(s *Session) error {
		if count < 1 {
			return fmt.Errorf("sftp: max inflight packets cannot be less than 1, was: %d", count)
		}

		s.maxInflight = count

		return nil
	}
}

// WithMaxDataLength sets the chunk size used in SSH_FXP_READ and SSH_FXP_WRITE requests.
// This will also raise the maximum packet length to at least the data length + 1232 bytes as overhead room.
//
// It will generate an error if one attempts to set the length beyond the 2^32-1 limitation of the sftp protocol.
func WithMaxDataLength(length int) ClientOption {
	withPktLen := WithMaxPacketLength(length + maxPacketLengthOverhead)

	return func(s *Session) error {
		if length < 1 {
			return fmt.Errorf("sftp: max data length cannot be less than 1, was: %d", length)
		}

		// This has to be cast to int64 to safely perform this test on 32-bit archs.
		if int64(length) > math.MaxUint32-maxPacketLengthOverhead {
			return fmt.Errorf("sftp: max data length must fit in a uint32: %d", length)
		}

		if err := withPktLen(s); err != nil {
			return err
		}

		s.maxDataLen = length

		return nil
	}
}

// WithMaxPacketLength sets the maximum length of a packet that the session will accept.
// A response longer than this fails only the request it answers.
//
// The maximum packet length can only be increased,
// if an attempt is made to set this value lower than it currently is,
// it will simply not perform any operation.
func WithMaxPacketLength(length int) ClientOption {
	return func(s *Session) error {
		// This has to be cast to int64 to safely perform this test on 32-bit archs.
		if int64(length) > math.MaxUint32 {
			return fmt.Errorf("sftp: max packet length must fit in a uint32: %d", length)
		}

		if length < 0 {
			// Short circuit to avoid a negative value handling during the cast to uint32.
			return nil
		}

		s.maxPacket = max(s.maxPacket, uint32(length))
		return nil
	}
}

// WithRequestTimeout bounds how long a single request waits for its response.
// A request that times out fails with ErrTimeout, and a late response to it is dropped.
// Zero, the default, means requests wait until the session is closed.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(s *Session) error {
		if d < 0 {
			return fmt.Errorf("sftp: request timeout cannot be negative, was: %v", d)
		}

		s.timeout = d

		return nil
	}
}

// WithLogger sets the logger of the session.
// By default nothing is logged.
func WithLogger(logger log.Logger) ClientOption {
	return func(s *Session) error {
		if logger == nil {
			return fmt.Errorf("sftp: logger cannot be nil")
		}

		s.logger = logger

		return nil
	}
}

// WithRegisterer registers the session metrics with reg.
// Sessions sharing a registerer share their collectors.
func WithRegisterer(reg prometheus.Registerer) ClientOption {
	return func(s *Session) error {
		s.registerer = reg
		return nil
	}
}
