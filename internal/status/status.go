// Package status reads and writes the ingestion status table the queued
// engine polls for per-blob outcomes. It is grounded on
// azkustoingest/internal/status/status_table_client.go's TableClient (the
// pack's aztables-based successor to the legacy
// kusto/ingest/internal/status/table.go AzureTableClient), generalized from
// single-record Read/Write to the batch Query pollUntilCompletion needs.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/clusterdb/ingest/errs"
	"github.com/clusterdb/ingest/internal/model"
)

// rowKey is fixed for every entity, matching the teacher's
// `dataCopy["RowKey"] = uuid.Nil.String()` convention: the table partitions
// purely on source ID, one entity per ingested blob.
const rowKey = "00000000-0000-0000-0000-000000000000"

const fullMetadata = aztables.MetadataFormatFull

// IngestionStatus is the status-table wire value, named and valued exactly
// as kusto/ingest/internal/status/common.go's IngestionStatus constants.
type IngestionStatus int

const (
	Pending IngestionStatus = iota
	Succeeded
	Failed
	Queued
	Skipped
	PartiallySucceeded
)

// ToBlobState maps the table's wire status onto the client-facing terminal
// state enumeration spec.md §3/§4.7 names.
func (s IngestionStatus) ToBlobState() model.BlobState {
	switch s {
	case Succeeded:
		return model.StateSucceeded
	case Failed:
		return model.StateFailed
	case PartiallySucceeded:
		return model.StatePartiallySucceeded
	case Skipped:
		return model.StateSkippedDueToDedup
	case Queued, Pending:
		return model.StateInProgress
	default:
		return model.StatePending
	}
}

// IngestionFailureStatus is the status-table wire value for a failed
// record's retriability, named and valued as common.go's
// IngestionFailureStatus constants.
type IngestionFailureStatus int

const (
	FailureUnknown IngestionFailureStatus = iota
	FailurePermanent
	FailureTransient
	FailureExhausted
)

func (f IngestionFailureStatus) ToModel() model.FailureStatus {
	switch f {
	case FailurePermanent:
		return model.FailurePermanent
	case FailureTransient:
		return model.FailureTransient
	case FailureExhausted:
		return model.FailureExhausted
	case FailureUnknown:
		return model.FailureUnknown
	default:
		return model.FailureNone
	}
}

// Record is one status-table row, shaped after
// kusto/ingest/internal/status/common.go's IngestionStatusRecord, trimmed to
// the fields spec.md §4.7's BlobStatus surfaces.
type Record struct {
	SourceID      string                 `json:"SourceId"`
	OperationID   string                 `json:"OperationId"`
	Database      string                 `json:"Database"`
	Table         string                 `json:"Table"`
	Status        IngestionStatus        `json:"Status"`
	UpdatedOn     time.Time              `json:"UpdatedOn"`
	ErrorCode     int                    `json:"ErrorCode"`
	FailureStatus IngestionFailureStatus `json:"FailureStatus"`
	Details       string                 `json:"Details,omitempty"`
}

// ToBlobStatus converts a table record into the public model.BlobStatus
// shape getOperationDetails returns.
func (r Record) ToBlobStatus() model.BlobStatus {
	return model.BlobStatus{
		SourceID:      r.SourceID,
		Status:        r.Status.ToBlobState(),
		LastUpdatedAt: r.UpdatedOn,
		ErrorCode:     fmt.Sprintf("%d", r.ErrorCode),
		FailureStatus: r.FailureStatus.ToModel(),
		Details:       r.Details,
	}
}

// Client reads and writes ingestion status entities.
type Client struct {
	table *aztables.Client
}

// Option configures a Client at construction.
type Option func(*aztables.ClientOptions)

// WithTransport swaps the HTTP transport, for tests.
func WithTransport(transport policy.Transporter) Option {
	return func(o *aztables.ClientOptions) { o.ClientOptions.Transport = transport }
}

// New builds a Client against a status table's URL (with SAS token), as
// advertised by ResourceCache's Snapshot.StatusTable.
func New(tableURL string, opts ...Option) (*Client, error) {
	clientOpts := &aztables.ClientOptions{}
	for _, opt := range opts {
		opt(clientOpts)
	}
	tc, err := aztables.NewClientWithNoCredential(tableURL, clientOpts)
	if err != nil {
		return nil, errs.E(errs.OpStatusPoll, errs.KRequestError, err).SetNoRetry()
	}
	return &Client{table: tc}, nil
}

// Write upserts a status record, keyed by the fixed rowKey and the record's
// SourceID as partition key.
func (c *Client) Write(ctx context.Context, rec Record) error {
	entity := map[string]interface{}{
		"PartitionKey":  rec.SourceID,
		"RowKey":        rowKey,
		"OperationId":   rec.OperationID,
		"Database":      rec.Database,
		"Table":         rec.Table,
		"Status":        int(rec.Status),
		"UpdatedOn":     rec.UpdatedOn,
		"ErrorCode":     rec.ErrorCode,
		"FailureStatus": int(rec.FailureStatus),
		"Details":       rec.Details,
	}
	body, err := json.Marshal(entity)
	if err != nil {
		return errs.E(errs.OpStatusPoll, errs.KRequestError, err).SetNoRetry()
	}
	format := fullMetadata
	if _, err := c.table.UpsertEntity(ctx, body, &aztables.UpsertEntityOptions{Format: &format}); err != nil {
		return errs.E(errs.OpStatusPoll, errs.KServiceError, err).SetRetryable()
	}
	return nil
}

// Read fetches the single record for sourceID, or (nil, nil) if the
// ingestion hasn't reported anything yet.
func (c *Client) Read(ctx context.Context, sourceID string) (*Record, error) {
	resp, err := c.table.GetEntity(ctx, sourceID, rowKey, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, errs.E(errs.OpStatusPoll, errs.KServiceError, err).SetRetryable()
	}
	var rec Record
	if err := json.Unmarshal(resp.Value, &rec); err != nil {
		return nil, errs.E(errs.OpStatusPoll, errs.KRequestError, err).SetNoRetry()
	}
	return &rec, nil
}

// Query returns every record reported for operationID, for
// getOperationSummary/Details/pollUntilCompletion.
func (c *Client) Query(ctx context.Context, operationID string) ([]Record, error) {
	filter := fmt.Sprintf("OperationId eq '%s'", operationID)
	pager := c.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})

	var records []Record
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errs.E(errs.OpStatusPoll, errs.KServiceError, err).SetRetryable()
		}
		for _, entity := range page.Entities {
			var rec Record
			if err := json.Unmarshal(entity, &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == 404
	}
	return false
}
