// Package source holds the IngestionSource data model (spec.md §3) shared by
// the uploader, streaming engine, and queued engine. It lives in internal/ so
// those packages can depend on it without creating an import cycle back to the
// root ingest package, which re-exports these types under its own names.
package source

import (
	"io"

	"github.com/clusterdb/ingest/internal/properties"
)

// Kind discriminates the IngestionSource tagged variant from spec.md §3.
type Kind int8

const (
	KindLocalFile Kind = iota
	KindLocalStream
	KindBlob
)

// Source is the tagged IngestionSource variant: exactly one of File, Stream,
// or Blob applies, selected by Kind.
type Source struct {
	Kind Kind

	// LocalFile fields.
	Path string

	// LocalStream fields.
	Reader io.Reader
	Name   string

	// Blob fields.
	BlobURL   string
	ExactSize int64

	Format          properties.Format
	CompressionType properties.CompressionType
	SourceID        string
}

// IsLocal reports whether the source must be staged by the Uploader before
// the server can see it.
func (s Source) IsLocal() bool {
	return s.Kind == KindLocalFile || s.Kind == KindLocalStream
}

// ShouldCompress reports whether the Uploader should gzip this source before
// staging it, per spec.md §3: true iff CompressionType is none (or unset) and the format
// is textually compressible (not already-binary like parquet/orc/avro).
func (s Source) ShouldCompress() bool {
	if s.CompressionType != properties.CTNone && s.CompressionType != properties.CTUnknown {
		return false
	}
	return properties.IsTextuallyCompressible(s.Format)
}

// DisplayName returns the best available name for blob-naming/logging: the
// full file path, the explicit stream name, or the blob URL. Blob naming
// takes the base name of this value itself.
func (s Source) DisplayName() string {
	switch s.Kind {
	case KindLocalFile:
		return s.Path
	case KindLocalStream:
		return s.Name
	default:
		return s.BlobURL
	}
}

// NewFile builds a LocalSource.File variant.
func NewFile(path string, format properties.Format, compression properties.CompressionType, sourceID string) Source {
	return Source{Kind: KindLocalFile, Path: path, Format: format, CompressionType: compression, SourceID: sourceID}
}

// NewStream builds a LocalSource.Stream variant.
func NewStream(r io.Reader, name string, format properties.Format, compression properties.CompressionType, sourceID string) Source {
	return Source{Kind: KindLocalStream, Reader: r, Name: name, Format: format, CompressionType: compression, SourceID: sourceID}
}

// NewBlob builds a BlobSource variant.
func NewBlob(blobURL string, format properties.Format, compression properties.CompressionType, sourceID string, exactSize int64) Source {
	return Source{Kind: KindBlob, BlobURL: blobURL, Format: format, CompressionType: compression, SourceID: sourceID, ExactSize: exactSize}
}
