// Package ingest is the public client for the cluster's ingestion surface:
// a streaming flavor that posts a single source directly to the engine, and
// a queued flavor that stages sources in cloud storage and hands a job
// descriptor to the data-management service. Both flavors share the same
// resource-discovery cache and status-polling API (spec.md §4.8).
package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/clusterdb/ingest/errs"
	"github.com/clusterdb/ingest/internal/queuedengine"
	"github.com/clusterdb/ingest/internal/resources"
	"github.com/clusterdb/ingest/internal/streamingengine"
	"github.com/clusterdb/ingest/internal/uploader"
)

// Facade is a database/table-scoped ingestion client. Construct one with
// NewStreaming or NewQueued; it is safe for concurrent use by multiple
// goroutines.
type Facade struct {
	database, table string
	cache           *resources.Cache
	streaming       *streamingengine.Engine
	queued          *queuedengine.Engine
	uploader        *uploader.Uploader
	storagePutter   *uploader.StorageBlobPutter
	ownsUploader    bool
	log             zerolog.Logger
}

// Option configures a Facade at construction time.
type Option func(*Facade)

// WithFacadeLogger sets the logger the facade annotates its own lifecycle
// events with (engine and uploader logging is configured separately, on
// their own constructors).
func WithFacadeLogger(l zerolog.Logger) Option {
	return func(f *Facade) { f.log = l }
}

// NewStreaming builds a Facade backed by the streaming ingestion engine: each
// call to Ingest posts one source directly to engineEndpoint and returns as
// soon as the engine accepts it, with no cloud-storage staging involved.
func NewStreaming(engineEndpoint, database, table string, cache *resources.Cache, opts ...Option) (*Facade, error) {
	eng, err := streamingengine.New(engineEndpoint)
	if err != nil {
		return nil, err
	}
	f := &Facade{database: database, table: table, cache: cache, streaming: eng, log: zerolog.Nop()}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// NewQueued builds a Facade backed by the queued ingestion engine: Ingest
// stages local sources through up (or a default Uploader built from cache if
// up is nil) and submits a job descriptor to dmEndpoint. When up is nil the
// Facade owns the Uploader it builds and closes it on Close.
func NewQueued(dmEndpoint, database, table string, cache *resources.Cache, up *uploader.Uploader, opts ...Option) (*Facade, error) {
	f := &Facade{database: database, table: table, cache: cache, log: zerolog.Nop()}

	ownsUploader := false
	if up == nil {
		storagePutter, err := uploader.NewStorageBlobPutter(uploader.DefaultBlockSize, uploader.DefaultMaxConcurrency)
		if err != nil {
			return nil, err
		}
		lakePutter := uploader.NewLakeBlobPutter()
		ranker := resources.NewDefaultRankedAccountSet()
		up = uploader.New(database, table, cache, ranker, storagePutter, lakePutter)
		f.storagePutter = storagePutter
		ownsUploader = true
	}

	eng, err := queuedengine.New(dmEndpoint, cache, up)
	if err != nil {
		return nil, err
	}
	f.queued = eng
	f.uploader = up
	f.ownsUploader = ownsUploader

	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Ingest submits a single source. Streaming facades send it directly;
// queued facades wrap it as a one-element batch and submit it through the
// same path IngestMany uses (spec.md §4.8).
func (f *Facade) Ingest(ctx context.Context, src IngestionSource, props IngestRequestProperties) (*IngestionOperation, error) {
	if f.streaming != nil {
		token, mappingName, err := f.streamingArgs(ctx, props)
		if err != nil {
			return nil, err
		}
		return f.streaming.Send(ctx, f.database, f.table, src, token, mappingName, "")
	}
	return f.queued.Ingest(ctx, f.database, f.table, []IngestionSource{src}, props)
}

// IngestMany submits a batch of sources in one job descriptor. Only the
// queued flavor supports batching; streaming facades return
// KUnsupportedSourceKind.
func (f *Facade) IngestMany(ctx context.Context, srcs []IngestionSource, props IngestRequestProperties) (*IngestionOperation, error) {
	if f.queued == nil {
		return nil, errs.ES(errs.OpValidate, errs.KUnsupportedSourceKind, "streaming ingest accepts one source per call, not a batch").SetNoRetry()
	}
	return f.queued.Ingest(ctx, f.database, f.table, srcs, props)
}

func (f *Facade) streamingArgs(ctx context.Context, props IngestRequestProperties) (token, mappingName string, err error) {
	snap, err := f.cache.GetConfiguration(ctx)
	if err != nil {
		return "", "", err
	}
	return snap.AuthToken, props.IngestionMappingReference, nil
}

// GetOperationSummary returns the aggregate counts for op. Streaming
// operations have no tracked status and always report an all-zero summary,
// since the engine either accepted the request synchronously or returned an
// error.
func (f *Facade) GetOperationSummary(ctx context.Context, op IngestionOperation) (Status, error) {
	if f.streaming != nil {
		return f.streaming.GetOperationSummary(ctx, op)
	}
	return f.queued.GetOperationSummary(ctx, op)
}

// GetOperationDetails returns the per-blob status records for op.
func (f *Facade) GetOperationDetails(ctx context.Context, op IngestionOperation) (StatusResponse, error) {
	if f.streaming != nil {
		return f.streaming.GetOperationDetails(ctx, op)
	}
	return f.queued.GetOperationDetails(ctx, op)
}

// PollUntilCompletion polls GetOperationDetails until op reaches a terminal
// state or timeout elapses. Streaming operations are already terminal by the
// time Ingest returns, so this returns immediately for them.
func (f *Facade) PollUntilCompletion(ctx context.Context, op IngestionOperation, pollingInterval, timeout time.Duration) (StatusResponse, error) {
	if f.streaming != nil {
		return f.streaming.GetOperationDetails(ctx, op)
	}
	return f.queued.PollUntilCompletion(ctx, op, pollingInterval, timeout)
}

// Close releases the resources the Facade owns. It closes the streaming
// engine's header pool, if any, and closes the Uploader's storage putter
// only when the Facade built the Uploader itself (spec.md §4.8): an Uploader
// passed into NewQueued is assumed shared and is left open for its owner to
// close.
func (f *Facade) Close() error {
	if f.streaming != nil {
		return f.streaming.Close()
	}
	if f.ownsUploader && f.storagePutter != nil {
		return f.storagePutter.Close()
	}
	return nil
}
