// Package properties holds the wire-serializable data model shared by the streaming
// and queued engines: source formats, compression types, and ingestion properties.
// Ported from kusto/ingest/internal/properties/properties.go, trimmed to the format
// enumeration spec.md §3 actually names and extended with the row-store size factors
// spec.md §4.6 requires.
package properties

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Format is the wire format of a source, from the fixed enumeration in spec.md §3.
type Format int8

const (
	FUnknown Format = iota
	FCSV
	FTSV
	FJSON
	FMultiJSON
	FAvro
	FApacheAvro
	FParquet
	FORC
	FPSV
	FTXT
	FW3CLogFile
)

type formatDescriptor struct {
	wireName      string
	detectableExt string
}

var formatDescriptors = [...]formatDescriptor{
	FUnknown:    {"", ""},
	FCSV:        {"csv", ".csv"},
	FTSV:        {"tsv", ".tsv"},
	FJSON:       {"json", ".json"},
	FMultiJSON:  {"multijson", ".multijson"},
	FAvro:       {"avro", ".avro"},
	FApacheAvro: {"apacheavro", ""},
	FParquet:    {"parquet", ".parquet"},
	FORC:        {"orc", ".orc"},
	FPSV:        {"psv", ".psv"},
	FTXT:        {"txt", ".txt"},
	FW3CLogFile: {"w3clogfile", ".w3clogfile"},
}

// String implements fmt.Stringer, returning the wire name the server expects.
func (f Format) String() string {
	if int(f) >= 0 && int(f) < len(formatDescriptors) {
		return formatDescriptors[f].wireName
	}
	return ""
}

// MarshalJSON implements json.Marshaler.
func (f Format) MarshalJSON() ([]byte, error) {
	if f == FUnknown {
		return nil, fmt.Errorf("properties: Format is unset")
	}
	return []byte(fmt.Sprintf("%q", f.String())), nil
}

// ParseFormat maps a wire name (case-insensitive) back to a Format.
func ParseFormat(s string) Format {
	s = strings.ToLower(s)
	for i, d := range formatDescriptors {
		if d.wireName == s {
			return Format(i)
		}
	}
	return FUnknown
}

// DiscoverFormat inspects a file name/URL and tries to infer the format from its extension,
// matching kusto/ingest/internal/queued/queued.go's CompleteFormatFromFileName discovery.
func DiscoverFormat(name string) Format {
	if u, err := url.Parse(name); err == nil && u.Scheme != "" {
		name = u.Path
	}
	name = strings.TrimSuffix(strings.TrimSuffix(strings.ToLower(name), ".zip"), ".gz")
	ext := filepath.Ext(name)
	if ext == "" {
		return FUnknown
	}
	for i, d := range formatDescriptors {
		if d.detectableExt == ext {
			return Format(i)
		}
	}
	return FUnknown
}

// CompressionType is a source's compression encoding, from spec.md §3.
type CompressionType int8

const (
	CTUnknown CompressionType = iota
	CTNone
	CTGZIP
	CTZip
)

func (c CompressionType) String() string {
	switch c {
	case CTNone:
		return "none"
	case CTGZIP:
		return "gzip"
	case CTZip:
		return "zip"
	default:
		return "unknown"
	}
}

// DiscoverCompression looks at a file extension the way
// kusto/ingest/internal/queued/queued.go's CompressionDiscovery does.
func DiscoverCompression(name string) CompressionType {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".gz":
		return CTGZIP
	case ".zip":
		return CTZip
	default:
		return CTNone
	}
}

// textuallyCompressible formats are the ones LocalSource.ShouldCompress() will gzip;
// already-binary columnar formats are passed through untouched (spec.md §3).
var textuallyCompressible = map[Format]bool{
	FCSV:        true,
	FTSV:        true,
	FJSON:       true,
	FMultiJSON:  true,
	FPSV:        true,
	FTXT:        true,
	FW3CLogFile: true,
}

// IsTextuallyCompressible reports whether a format benefits from gzip, as opposed to
// already-binary formats like parquet/orc/avro.
func IsTextuallyCompressible(f Format) bool {
	return textuallyCompressible[f]
}

// RowStoreFactor is the (uncompressed, compressed) size multiplier table from spec.md §4.6.
// The streaming engine's max-body-size bound is STREAMING_MAX_BODY_SIZE * RowStoreFactor(...).
func RowStoreFactor(f Format, compressed bool) float64 {
	type pair struct{ uncompressed, compressed float64 }
	table := map[Format]pair{
		FCSV:       {0.45, 3.6},
		FTSV:       {1.0, 1.5},
		FPSV:       {1.0, 1.5},
		FJSON:      {0.33, 3.6},
		FMultiJSON: {1.0, 5.15},
		FTXT:       {0.15, 1.8},
		FAvro:      {0.55, 1.0},
		FApacheAvro: {0.55, 1.0},
		FParquet:   {3.35, 1.0},
	}
	p, ok := table[f]
	if !ok {
		return 1.0
	}
	if compressed {
		return p.compressed
	}
	return p.uncompressed
}
