package properties

import (
	"encoding/json"
	"time"
)

// RequestProperties is the wire-serializable configuration bag from spec.md §3
// IngestRequestProperties. It is the "explicit record with the fields enumerated in §3"
// spec.md §9 calls for, replacing the teacher's original string-keyed properties map.
type RequestProperties struct {
	EnableTracking bool `json:"-"`

	IngestionMappingReference string `json:"ingestionMappingReference,omitempty"`
	IngestionMapping          string `json:"ingestionMapping,omitempty"`

	Tags              []string `json:"tags,omitempty"`
	IngestIfNotExists []string `json:"ingestIfNotExists,omitempty"`

	SkipBatching               bool `json:"skipBatching,omitempty"`
	DeleteAfterDownload        bool `json:"deleteAfterDownload,omitempty"`
	IgnoreSizeLimit            bool `json:"ignoreSizeLimit,omitempty"`
	IgnoreFirstRecord          bool `json:"ignoreFirstRecord,omitempty"`
	IgnoreLastRecordIfInvalid  bool `json:"ignoreLastRecordIfInvalid,omitempty"`
	ExtendSchema               bool `json:"extendSchema,omitempty"`
	RecreateSchema             bool `json:"recreateSchema,omitempty"`

	CreationTime time.Time `json:"creationTime,omitempty"`

	ZipPattern       string `json:"zipPattern,omitempty"`
	ValidationPolicy string `json:"validationPolicy,omitempty"`

	Format Format `json:"format,omitempty"`
}

// Validate enforces the mutual exclusivity spec.md §3 documents for mapping options.
func (p *RequestProperties) Validate() error {
	if p.IngestionMappingReference != "" && p.IngestionMapping != "" {
		return errMutuallyExclusiveMapping
	}
	return nil
}

var errMutuallyExclusiveMapping = jsonErr("ingestionMappingReference and ingestionMapping are mutually exclusive")

type jsonErr string

func (e jsonErr) Error() string { return string(e) }

// MarshalJSON implements the wire shape spec.md §6 documents for the DM queued endpoint's
// "properties" object. Defaulted fields (Format) fall back to CSV, matching the teacher's
// CompleteFormatFromFileName default.
func (p RequestProperties) MarshalJSON() ([]byte, error) {
	type wire RequestProperties
	w := wire(p)
	if w.Format == FUnknown {
		w.Format = FCSV
	}
	return json.Marshal(w)
}
