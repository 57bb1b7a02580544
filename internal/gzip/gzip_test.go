package gzip

import (
	"bytes"
	"compress/gzip"
	"io"
	"math/rand"
	"os"
	"testing"
)

const letterBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func randStringBytes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letterBytes[rand.Intn(len(letterBytes))]
	}
	return string(b)
}

func TestStreamer(t *testing.T) {
	str := randStringBytes(4 * 1024 * 1024)

	f, err := os.CreateTemp("", "")
	if err != nil {
		panic(err)
	}
	if _, err := f.Write([]byte(str)); err != nil {
		panic(err)
	}
	f.Close()

	r, err := os.Open(f.Name())
	if err != nil {
		panic(err)
	}
	defer r.Close()

	streamer := New()
	streamer.Reset(r)

	compressedBuf := bytes.Buffer{}
	if _, err := io.Copy(&compressedBuf, streamer); err != nil {
		t.Fatalf("TestStreamer: got err == %s, want err == nil", err)
	}

	if got, want := streamer.InputSize(), int64(len(str)); got != want {
		t.Fatalf("TestStreamer: InputSize(): got %d, want %d", got, want)
	}

	gzipReader, err := gzip.NewReader(&compressedBuf)
	if err != nil {
		t.Fatalf("TestStreamer(gzip.NewReader(compressedBuf)): got err == %s, want err == nil", err)
	}

	gotBuf := bytes.Buffer{}
	if _, err := io.Copy(&gotBuf, gzipReader); err != nil {
		t.Fatalf("TestStreamer(decompressing stream, len==%d): got err == %s, want err == nil", gotBuf.Len(), err)
	}

	if gotBuf.String() != str {
		t.Fatalf("TestStreamer(input/output comparison): after compression/decompression the data was not the same")
	}
}

func TestStreamer_ResetReuse(t *testing.T) {
	s := New()

	s.Reset(bytes.NewBufferString("first"))
	var buf1 bytes.Buffer
	io.Copy(&buf1, s)
	if s.InputSize() != int64(len("first")) {
		t.Fatalf("InputSize() after first Reset: got %d, want %d", s.InputSize(), len("first"))
	}

	s.Reset(bytes.NewBufferString("second-payload"))
	var buf2 bytes.Buffer
	io.Copy(&buf2, s)
	if s.InputSize() != int64(len("second-payload")) {
		t.Fatalf("InputSize() after second Reset: got %d, want %d", s.InputSize(), len("second-payload"))
	}
}

func TestCompress(t *testing.T) {
	r := Compress(bytes.NewBufferString("hello world"))

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		t.Fatalf("Compress: got err == %s, want err == nil", err)
	}

	gzr, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatalf("Compress: gzip.NewReader: got err == %s, want err == nil", err)
	}
	var out bytes.Buffer
	io.Copy(&out, gzr)
	if out.String() != "hello world" {
		t.Fatalf("Compress: got %q, want %q", out.String(), "hello world")
	}
}
