package sshfx

import (
	"errors"
	"testing"
)

func TestBufferStickyError(t *testing.T) {
	buf := NewBuffer([]byte{0x00, 0x00, 0x00, 0x02, 'o', 'k', 0x01})

	if got := buf.ConsumeString(); got != "ok" {
		t.Fatalf("ConsumeString() = %q, but expected %q", got, "ok")
	}

	if got := buf.ConsumeUint32(); got != 0 {
		t.Errorf("ConsumeUint32() = %d, but expected 0 on a short buffer", got)
	}

	if !errors.Is(buf.Err, ErrShortPacket) || !errors.Is(buf.Err, ErrMalformedPacket) {
		t.Fatalf("Err = %v, but expected ErrShortPacket", buf.Err)
	}

	if got := buf.ConsumeUint8(); got != 0 {
		t.Errorf("ConsumeUint8() = %d after an error, but expected 0", got)
	}

	if buf.Len() != 0 {
		t.Errorf("Len() = %d after an error, but expected 0", buf.Len())
	}
}

func TestBufferByteSliceBounds(t *testing.T) {
	buf := NewBuffer([]byte{0x00, 0x00, 0x00, 0x05, 'a', 'b'})

	if got := buf.ConsumeByteSlice(); got != nil {
		t.Errorf("ConsumeByteSlice() = %q, but expected nil", got)
	}

	if !errors.Is(buf.Err, ErrShortPacket) {
		t.Fatalf("Err = %v, but expected ErrShortPacket", buf.Err)
	}
}

func TestBufferByteSliceCopy(t *testing.T) {
	data := []byte{0x00, 0x00, 0x00, 0x03, 'a', 'b', 'c'}
	buf := NewBuffer(data)

	dst := make([]byte, 0, 8)
	got := buf.ConsumeByteSliceCopy(dst)
	if string(got) != "abc" {
		t.Fatalf("ConsumeByteSliceCopy() = %q, but expected %q", got, "abc")
	}

	data[4] = 'z'
	if string(got) != "abc" {
		t.Error("ConsumeByteSliceCopy() aliased the buffer")
	}

	if &got[0] != &dst[:1][0] {
		t.Error("ConsumeByteSliceCopy() did not reuse the given slice")
	}
}
