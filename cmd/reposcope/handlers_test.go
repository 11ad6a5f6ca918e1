package main

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestIsGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte("scip bytes")); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	if !isGzip(buf.Bytes()) {
		t.Error("isGzip() = false for a gzip-compressed payload")
	}
	if isGzip([]byte("plain wire-format bytes")) {
		t.Error("isGzip() = true for a non-gzip payload")
	}
	if isGzip([]byte{0x1f}) {
		t.Error("isGzip() = true for a single byte, should require both magic bytes")
	}
	if isGzip(nil) {
		t.Error("isGzip() = true for nil input")
	}
}

func TestDecompressGzip_RoundTrips(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte("scip bytes")); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	got, err := decompressGzip(buf.Bytes())
	if err != nil {
		t.Fatalf("decompressGzip() error = %v", err)
	}
	if string(got) != "scip bytes" {
		t.Errorf("decompressGzip() = %q, want %q", got, "scip bytes")
	}
}

func TestDecompressGzip_RejectsNonGzip(t *testing.T) {
	if _, err := decompressGzip([]byte("not gzip")); err == nil {
		t.Error("decompressGzip() should error on non-gzip input")
	}
}
