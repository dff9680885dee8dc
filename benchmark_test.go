package sftp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/fxwire/sftp/sftptest"
)

// Throughput of pipelined transfers against the in-memory server, by window size.
// The server answers serially, so this mostly measures the engine and the codec.

const benchmarkFileSize = 8 << 20

func BenchmarkGet(b *testing.B) {
	data := make([]byte, benchmarkFileSize)

	for _, window := range []int{1, 8, 32} {
		b.Run(fmt.Sprint("window=", window), func(b *testing.B) {
			srv := sftptest.NewServer()
			srv.WriteFile("/zero.img", data)

			s := newTestSession(b, srv, WithMaxInflight(window))
			ctx := context.Background()

			b.SetBytes(benchmarkFileSize)
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				n, err := s.Get(ctx, "/zero.img", io.Discard)
				if err != nil {
					b.Fatal(err)
				}
				if n != benchmarkFileSize {
					b.Fatalf("copy: expected %v bytes, got %d", benchmarkFileSize, n)
				}
			}
		})
	}
}

func BenchmarkPut(b *testing.B) {
	data := make([]byte, benchmarkFileSize)

	for _, window := range []int{1, 8, 32} {
		b.Run(fmt.Sprint("window=", window), func(b *testing.B) {
			s := newTestSession(b, sftptest.NewServer(), WithMaxInflight(window))
			ctx := context.Background()

			b.SetBytes(benchmarkFileSize)
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				n, err := s.Put(ctx, bytes.NewReader(data), "/upload.img")
				if err != nil {
					b.Fatal(err)
				}
				if n != benchmarkFileSize {
					b.Fatalf("write: expected %v bytes, got %d", benchmarkFileSize, n)
				}
			}
		})
	}
}
