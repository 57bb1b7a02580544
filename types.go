package ingest

import (
	"io"

	"github.com/clusterdb/ingest/internal/model"
	"github.com/clusterdb/ingest/internal/properties"
	"github.com/clusterdb/ingest/internal/resources"
	"github.com/clusterdb/ingest/internal/source"
)

// Format is the wire format of a source (spec.md §3).
type Format = properties.Format

const (
	FormatCSV        = properties.FCSV
	FormatTSV        = properties.FTSV
	FormatJSON       = properties.FJSON
	FormatMultiJSON  = properties.FMultiJSON
	FormatAvro       = properties.FAvro
	FormatApacheAvro = properties.FApacheAvro
	FormatParquet    = properties.FParquet
	FormatORC        = properties.FORC
	FormatPSV        = properties.FPSV
	FormatTXT        = properties.FTXT
	FormatW3CLogFile = properties.FW3CLogFile
)

// CompressionType is a source's compression encoding (spec.md §3).
type CompressionType = properties.CompressionType

const (
	CompressionNone CompressionType = properties.CTNone
	CompressionGZIP CompressionType = properties.CTGZIP
	CompressionZip  CompressionType = properties.CTZip
)

// DiscoverFormat infers a Format from a file name or URL's extension.
func DiscoverFormat(name string) Format { return properties.DiscoverFormat(name) }

// DiscoverCompression infers a CompressionType from a file name's extension.
func DiscoverCompression(name string) CompressionType { return properties.DiscoverCompression(name) }

// IngestionSource is the tagged source variant ingest calls accept: a local
// file, a local stream, or a blob already staged in cloud storage
// (spec.md §3).
type IngestionSource = source.Source

// FileSource builds an IngestionSource backed by a local file path.
func FileSource(path string, format Format, compression CompressionType, sourceID string) IngestionSource {
	return source.NewFile(path, format, compression, sourceID)
}

// StreamSource builds an IngestionSource backed by an in-memory reader.
func StreamSource(r io.Reader, name string, format Format, compression CompressionType, sourceID string) IngestionSource {
	return source.NewStream(r, name, format, compression, sourceID)
}

// BlobSource builds an IngestionSource referencing a blob already staged in
// cloud storage (with any SAS token embedded in blobURL). exactSize is
// optional; pass 0 when unknown.
func BlobSource(blobURL string, format Format, compression CompressionType, sourceID string, exactSize int64) IngestionSource {
	return source.NewBlob(blobURL, format, compression, sourceID, exactSize)
}

// IngestRequestProperties is the configuration bag accepted by every ingest
// call (spec.md §3).
type IngestRequestProperties = properties.RequestProperties

// Kind distinguishes which engine produced an IngestionOperation.
type Kind = model.Kind

const (
	KindStreaming = model.KindStreaming
	KindQueued    = model.KindQueued
)

// IngestionOperation is the handle returned by an ingest call and consumed
// by the status API (spec.md §3).
type IngestionOperation = model.IngestionOperation

// BlobState is a per-blob ingestion status value.
type BlobState = model.BlobState

const (
	StatePending            = model.StatePending
	StateInProgress         = model.StateInProgress
	StateSucceeded          = model.StateSucceeded
	StateFailed             = model.StateFailed
	StatePartiallySucceeded = model.StatePartiallySucceeded
	StateSkippedDueToDedup  = model.StateSkippedDueToDedup
)

// FailureStatus classifies a failed blob's retriability.
type FailureStatus = model.FailureStatus

const (
	FailureNone      = model.FailureNone
	FailureTransient = model.FailureTransient
	FailurePermanent = model.FailurePermanent
	FailureExhausted = model.FailureExhausted
	FailureUnknown   = model.FailureUnknown
)

// Status is the aggregate summary getOperationSummary returns.
type Status = model.Status

// BlobStatus is one per-blob record within a StatusResponse.
type BlobStatus = model.BlobStatus

// StatusResponse is the detailed form getOperationDetails and
// pollUntilCompletion return.
type StatusResponse = model.StatusResponse

// ContainerInfo describes one cloud storage container advertised by
// resource discovery (spec.md §3).
type ContainerInfo = resources.ContainerInfo
