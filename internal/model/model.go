// Package model holds the wire/result data model shared by the streaming and
// queued engines (spec.md §3): the operation handle returned by an ingest
// call, and the status shapes returned by the polling API. It lives in
// internal/ so both engines can depend on it without an import cycle back to
// the root ingest package, which re-exports these types under its own names.
package model

import (
	"encoding/json"
	"time"
)

// Kind distinguishes which engine produced an IngestionOperation.
type Kind int8

const (
	KindUnknown Kind = iota
	KindStreaming
	KindQueued
)

func (k Kind) String() string {
	switch k {
	case KindStreaming:
		return "streaming"
	case KindQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// IngestionOperation is the handle returned by an ingest call and consumed by
// the status API (spec.md §3).
type IngestionOperation struct {
	OperationID string
	Database    string
	Table       string
	Kind        Kind
}

// BlobState is a per-blob ingestion status value.
type BlobState int8

const (
	StatePending BlobState = iota
	StateInProgress
	StateSucceeded
	StateFailed
	StatePartiallySucceeded
	StateSkippedDueToDedup
)

func (s BlobState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInProgress:
		return "InProgress"
	case StateSucceeded:
		return "Succeeded"
	case StateFailed:
		return "Failed"
	case StatePartiallySucceeded:
		return "PartiallySucceeded"
	case StateSkippedDueToDedup:
		return "SkippedDueToDedup"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether s is one of the terminal states
// pollUntilCompletion waits for (spec.md §4.7).
func (s BlobState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StatePartiallySucceeded, StateSkippedDueToDedup:
		return true
	default:
		return false
	}
}

// FailureStatus classifies a failed blob's retriability, surfaced to callers
// who want to decide whether to resubmit.
type FailureStatus int8

const (
	FailureNone FailureStatus = iota
	FailureTransient
	FailurePermanent
	FailureExhausted
	FailureUnknown
)

func (f FailureStatus) String() string {
	switch f {
	case FailureTransient:
		return "Transient"
	case FailurePermanent:
		return "Permanent"
	case FailureExhausted:
		return "Exhausted"
	case FailureUnknown:
		return "Unknown"
	default:
		return "None"
	}
}

// Status is the aggregate summary getOperationSummary returns.
type Status struct {
	Succeeded  int
	Failed     int
	InProgress int
	Canceled   int
}

// BlobStatus is one per-blob record within a StatusResponse.
type BlobStatus struct {
	SourceID      string
	Status        BlobState
	StartedAt     time.Time
	LastUpdatedAt time.Time
	ErrorCode     string
	FailureStatus FailureStatus
	Details       string
}

// StatusResponse is the detailed form getOperationDetails and
// pollUntilCompletion return.
type StatusResponse struct {
	Aggregate Status
	Blobs     []BlobStatus
}

// BlobDescriptor is the per-blob record sent to the DM in an IngestJob
// (spec.md §3, internal).
type BlobDescriptor struct {
	BlobPath string `json:"blobPath"`
	SourceID string `json:"sourceId"`
	RawSize  *int64 `json:"rawSize,omitempty"`
}

// IngestJob is the job descriptor POSTed to the DM queued-ingest endpoint
// (spec.md §3/§6, internal).
type IngestJob struct {
	Timestamp  time.Time        `json:"timestamp"`
	Database   string           `json:"database"`
	Table      string           `json:"table"`
	Blobs      []BlobDescriptor `json:"blobs"`
	Properties interface{}      `json:"properties,omitempty"`
}

// queuedIngestResponse is the DM's response body to a postQueuedIngest call
// (spec.md §6: "Returns { ingestionOperationId: string }").
type queuedIngestResponse struct {
	IngestionOperationID string `json:"ingestionOperationId"`
}

// DecodeQueuedIngestResponse parses the DM's job-submission response.
func DecodeQueuedIngestResponse(body []byte) (string, error) {
	var r queuedIngestResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return "", err
	}
	return r.IngestionOperationID, nil
}
