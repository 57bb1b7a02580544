// Package gzip implements the Compressor (spec.md §4.4, C4): a streaming
// gzip encoder that never buffers the whole input in memory, tracking the
// number of uncompressed bytes consumed so far. Reconstructed from
// kusto/ingest/internal/gzip/gzip_test.go's exercised surface (the teacher's
// concrete gzip.go source was not present in the retrieval pack) and from its
// call sites in kusto/ingest/internal/queued/queued.go (New/Reset/InputSize,
// Compress).
package gzip

import (
	"compress/gzip"
	"io"
)

// Streamer wraps an io.Reader, gzip-encoding it as it is read. Unlike
// buffering the whole payload through gzip.Writer into a bytes.Buffer, it
// encodes incrementally: callers can io.Copy an arbitrarily large source
// without holding it all in memory twice.
type Streamer struct {
	source    io.Reader
	pipeR     *io.PipeReader
	pipeW     *io.PipeWriter
	gzw       *gzip.Writer
	inputSize int64
	started   bool
}

// New builds an unattached Streamer; call Reset before reading from it.
func New() *Streamer {
	return &Streamer{}
}

// Reset attaches source as the next reader to compress, discarding any
// previous compression state. Must be called before the first Read.
func (s *Streamer) Reset(source io.Reader) {
	s.source = source
	s.inputSize = 0
	s.started = false
	s.pipeR, s.pipeW = nil, nil
	s.gzw = nil
}

// InputSize reports how many uncompressed bytes have been read from the
// source so far, matching the teacher's gzip.Streamer.InputSize() used to
// size the ingestion status record after a compressed upload.
func (s *Streamer) InputSize() int64 {
	return s.inputSize
}

func (s *Streamer) start() {
	s.pipeR, s.pipeW = io.Pipe()
	s.gzw = gzip.NewWriter(s.pipeW)
	s.started = true

	go func() {
		countingSrc := &countingReader{r: s.source, counter: &s.inputSize}
		_, err := io.Copy(s.gzw, countingSrc)
		if err != nil {
			s.pipeW.CloseWithError(err)
			return
		}
		if err := s.gzw.Close(); err != nil {
			s.pipeW.CloseWithError(err)
			return
		}
		s.pipeW.Close()
	}()
}

// Read implements io.Reader, returning gzip-encoded bytes of the source set
// by Reset.
func (s *Streamer) Read(p []byte) (int, error) {
	if !s.started {
		s.start()
	}
	return s.pipeR.Read(p)
}

type countingReader struct {
	r       io.Reader
	counter *int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	*c.counter += int64(n)
	return n, err
}

// Compress wraps r in a Streamer, for call sites that don't need InputSize.
func Compress(r io.Reader) io.Reader {
	s := New()
	s.Reset(r)
	return s
}
