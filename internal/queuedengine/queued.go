// Package queuedengine batches sources into a job descriptor posted to the
// data-management (DM) queued-ingest endpoint, and polls the status table
// for outcomes. It generalizes kusto/ingest/internal/queued/queued.go's
// single-source-at-a-time Local/Reader/Blob trio into the batched,
// multi-source shape spec.md §4.7 requires, adding the duplicate-blob-URL
// and uniform-format validation the teacher's single-source path never
// needed.
package queuedengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/clusterdb/ingest/errs"
	"github.com/clusterdb/ingest/internal/model"
	"github.com/clusterdb/ingest/internal/properties"
	"github.com/clusterdb/ingest/internal/resources"
	"github.com/clusterdb/ingest/internal/source"
	"github.com/clusterdb/ingest/internal/status"
)

const (
	// DefaultMaxBlobsPerBatch is MAX_BLOBS_PER_BATCH, the fallback used when
	// ResourceCache's Snapshot doesn't advertise one.
	DefaultMaxBlobsPerBatch = 500

	// DefaultMaxConcurrency bounds how many local sources stage in parallel.
	DefaultMaxConcurrency = 50

	// DefaultPollingInterval and DefaultPollTimeout are
	// pollUntilCompletion's defaults (spec.md §4.7).
	DefaultPollingInterval = 30 * time.Second
	DefaultPollTimeout     = 5 * time.Minute
)

// ConfigProvider is the narrow collaborator the engine needs from
// ResourceCache: the DM endpoint needs maxBlobsPerBatch and the status
// table's location, both carried on the Snapshot.
type ConfigProvider interface {
	GetConfiguration(ctx context.Context) (resources.Snapshot, error)
}

// SourceUploader is the narrow collaborator the engine needs from Uploader,
// matching uploader.Uploader's own Upload method exactly so the production
// type satisfies this interface with no adapter.
type SourceUploader interface {
	Upload(ctx context.Context, src source.Source, ignoreSizeLimit bool) (source.Source, error)
}

// Engine posts batches of sources to the DM queued-ingest endpoint.
type Engine struct {
	cache    ConfigProvider
	uploader SourceUploader

	pipeline runtime.Pipeline
	dmURL    *url.URL

	maxConcurrency int
	log            zerolog.Logger

	newStatusClient func(tableURL string) (statusReader, error)
}

// statusReader is the narrow view of status.Client the engine needs,
// satisfied by the production *status.Client and by test fakes.
type statusReader interface {
	Query(ctx context.Context, operationID string) ([]status.Record, error)
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithLogger attaches a structured logger, replacing the default no-op.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMaxConcurrency overrides DefaultMaxConcurrency.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) { e.maxConcurrency = n }
}

// WithTransport swaps the DM pipeline's HTTP transport, for tests.
func WithTransport(transport policy.Transporter) Option {
	return func(e *Engine) {
		e.pipeline = runtime.NewPipeline("clusterdb-ingest", "v1", runtime.PipelineOptions{}, &policy.ClientOptions{Transport: transport})
	}
}

// New builds an Engine posting job descriptors to dmEndpoint.
func New(dmEndpoint string, cache ConfigProvider, uploader SourceUploader, opts ...Option) (*Engine, error) {
	u, err := url.Parse(dmEndpoint)
	if err != nil {
		return nil, errs.E(errs.OpQueuedIngest, errs.KRequestError, fmt.Errorf("could not parse DM endpoint: %w", err)).SetNoRetry()
	}

	e := &Engine{
		cache:          cache,
		uploader:       uploader,
		pipeline:       runtime.NewPipeline("clusterdb-ingest", "v1", runtime.PipelineOptions{}, &policy.ClientOptions{}),
		dmURL:          u,
		maxConcurrency: DefaultMaxConcurrency,
		log:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.newStatusClient = func(tableURL string) (statusReader, error) { return status.New(tableURL) }
	return e, nil
}

// Ingest validates, stages, and submits srcs as one batch job.
func (e *Engine) Ingest(ctx context.Context, database, table string, srcs []source.Source, props properties.RequestProperties) (*model.IngestionOperation, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.ES(errs.OpQueuedIngest, errs.KCancelled, "queued ingest canceled before submission: %v", err).SetNoRetry()
	}
	if len(srcs) == 0 {
		return nil, errs.ES(errs.OpValidate, errs.KSourceEmpty, "queued ingest requires at least one source").SetNoRetry()
	}

	snap, err := e.cache.GetConfiguration(ctx)
	if err != nil {
		return nil, errs.E(errs.OpQueuedIngest, asKind(err), err)
	}

	maxBatch := snap.MaxBlobsPerBatch
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBlobsPerBatch
	}
	if len(srcs) > maxBatch {
		return nil, errs.ES(errs.OpValidate, errs.KMultiIngestExceededLimit,
			"%d sources exceeds the %d-blob batch limit", len(srcs), maxBatch).SetNoRetry()
	}

	format := srcs[0].Format
	for _, s := range srcs {
		if s.Format != format {
			return nil, errs.ES(errs.OpValidate, errs.KFormatMismatch,
				"all sources in one queued ingest call must share a format; got %s and %s", format, s.Format).SetNoRetry()
		}
	}

	staged, err := e.stage(ctx, srcs)
	if err != nil {
		return nil, err
	}

	if err := checkDuplicates(staged); err != nil {
		return nil, err
	}

	job := model.IngestJob{
		Timestamp:  time.Now().UTC(),
		Database:   database,
		Table:      table,
		Blobs:      make([]model.BlobDescriptor, 0, len(staged)),
		Properties: props,
	}
	for _, s := range staged {
		var rawSize *int64
		if s.ExactSize > 0 {
			size := s.ExactSize
			rawSize = &size
		}
		job.Blobs = append(job.Blobs, model.BlobDescriptor{BlobPath: s.BlobURL, SourceID: s.SourceID, RawSize: rawSize})
	}

	return e.postQueuedIngest(ctx, database, table, job)
}

// stage partitions srcs into already-staged blobs and locals, uploads the
// locals concurrently (bounded by maxConcurrency), and returns the unified
// set of sources as BlobSource variants, preserving caller order.
func (e *Engine) stage(ctx context.Context, srcs []source.Source) ([]source.Source, error) {
	staged := make([]source.Source, len(srcs))
	sem := make(chan struct{}, e.maxConcurrency)
	var wg sync.WaitGroup
	errCh := make(chan error, len(srcs))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i, s := range srcs {
		if s.Kind == source.KindBlob {
			staged[i] = s
			continue
		}
		wg.Add(1)
		go func(i int, s source.Source) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			blob, err := e.uploader.Upload(ctx, s, false)
			if err != nil {
				select {
				case errCh <- err:
					if ee := asErrsError(err); ee == nil || ee.IsPermanent() {
						cancel()
					}
				default:
				}
				return
			}
			staged[i] = blob
		}(i, s)
	}
	wg.Wait()
	close(errCh)

	if err, ok := <-errCh; ok {
		return nil, err
	}
	return staged, nil
}

// checkDuplicates enforces spec.md §4.7's post-staging distinct-blob-URL
// invariant, stripping query strings (SAS tokens vary per request) before
// comparing.
func checkDuplicates(staged []source.Source) error {
	groups := lo.GroupBy(staged, func(s source.Source) string {
		return errs.StripSecrets(s.BlobURL)
	})
	var offendingURLs []string
	var offendingIDs []string
	for u, group := range groups {
		if len(group) > 1 {
			offendingURLs = append(offendingURLs, u)
			offendingIDs = append(offendingIDs, lo.Map(group, func(s source.Source, _ int) string {
				return s.SourceID
			})...)
		}
	}
	if len(offendingURLs) > 0 {
		return errs.ES(errs.OpValidate, errs.KDuplicateBlob,
			"duplicate blob URLs after staging: %s (source IDs: %s)",
			strings.Join(offendingURLs, ", "), strings.Join(offendingIDs, ", ")).SetNoRetry()
	}
	return nil
}

func (e *Engine) postQueuedIngest(ctx context.Context, database, table string, job model.IngestJob) (*model.IngestionOperation, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, errs.E(errs.OpQueuedIngest, errs.KRequestError, err).SetNoRetry()
	}

	u := *e.dmURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + database + "/" + table + "/queuedIngest"

	req, err := runtime.NewRequest(ctx, http.MethodPost, u.String())
	if err != nil {
		return nil, errs.E(errs.OpQueuedIngest, errs.KRequestError, err).SetNoRetry()
	}
	if err := req.SetBody(runtime.NopCloser(bytes.NewReader(body)), "application/json"); err != nil {
		return nil, errs.E(errs.OpQueuedIngest, errs.KRequestError, err).SetNoRetry()
	}

	resp, err := e.pipeline.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errs.ES(errs.OpQueuedIngest, errs.KCancelled, "queued ingest canceled: %v", ctxErr).SetNoRetry()
		}
		return nil, errs.E(errs.OpQueuedIngest, errs.KServiceError, err).SetRetryable()
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.HTTP(errs.OpQueuedIngest, resp.StatusCode, respBody)
	}

	opID, err := model.DecodeQueuedIngestResponse(respBody)
	if err != nil {
		return nil, errs.E(errs.OpQueuedIngest, errs.KRequestError, err).SetNoRetry()
	}
	return &model.IngestionOperation{OperationID: opID, Database: database, Table: table, Kind: model.KindQueued}, nil
}

// GetOperationSummary returns the aggregate blob-state counters for op.
func (e *Engine) GetOperationSummary(ctx context.Context, op model.IngestionOperation) (model.Status, error) {
	records, err := e.queryStatus(ctx, op)
	if err != nil {
		return model.Status{}, err
	}
	return aggregate(records), nil
}

// GetOperationDetails returns every per-blob record reported for op.
func (e *Engine) GetOperationDetails(ctx context.Context, op model.IngestionOperation) (model.StatusResponse, error) {
	records, err := e.queryStatus(ctx, op)
	if err != nil {
		return model.StatusResponse{}, err
	}
	blobs := make([]model.BlobStatus, 0, len(records))
	for _, r := range records {
		blobs = append(blobs, r.ToBlobStatus())
	}
	return model.StatusResponse{Aggregate: aggregate(records), Blobs: blobs}, nil
}

func (e *Engine) queryStatus(ctx context.Context, op model.IngestionOperation) ([]status.Record, error) {
	snap, err := e.cache.GetConfiguration(ctx)
	if err != nil {
		return nil, errs.E(errs.OpStatusPoll, asKind(err), err)
	}
	if snap.StatusTable.URL == "" {
		return nil, errs.ES(errs.OpStatusPoll, errs.KNoStatusTable, "no status table is configured").SetNoRetry()
	}
	client, err := e.newStatusClient(tableURLWithSAS(snap.StatusTable))
	if err != nil {
		return nil, err
	}
	return client.Query(ctx, op.OperationID)
}

// PollUntilCompletion polls the status table every pollingInterval (default
// DefaultPollingInterval) until every blob reaches a terminal state or
// timeout (default DefaultPollTimeout) elapses, per spec.md §4.7.
func (e *Engine) PollUntilCompletion(ctx context.Context, op model.IngestionOperation, pollingInterval, timeout time.Duration) (model.StatusResponse, error) {
	if pollingInterval <= 0 {
		pollingInterval = DefaultPollingInterval
	}
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollingInterval)
	defer ticker.Stop()

	var last model.StatusResponse
	for {
		resp, err := e.GetOperationDetails(ctx, op)
		if err == nil {
			last = resp
			if isComplete(resp) {
				return resp, nil
			}
		} else if !errs.Retry(err) {
			return last, err
		}

		select {
		case <-ctx.Done():
			if ctx.Err() != nil && timeout > 0 {
				return last, errs.ES(errs.OpStatusPoll, errs.KOperationTimeout,
					"polling for operation %s timed out after %s", op.OperationID, timeout).SetNoRetry()
			}
			return last, errs.ES(errs.OpStatusPoll, errs.KCancelled, "polling for operation %s was canceled", op.OperationID).SetNoRetry()
		case <-ticker.C:
		}
	}
}

func isComplete(resp model.StatusResponse) bool {
	if resp.Aggregate.InProgress == 0 {
		return true
	}
	for _, b := range resp.Blobs {
		if !b.Status.IsTerminal() {
			return false
		}
	}
	return len(resp.Blobs) > 0
}

func aggregate(records []status.Record) model.Status {
	var s model.Status
	for _, r := range records {
		switch r.Status.ToBlobState() {
		case model.StateSucceeded, model.StatePartiallySucceeded, model.StateSkippedDueToDedup:
			s.Succeeded++
		case model.StateFailed:
			s.Failed++
		default:
			s.InProgress++
		}
	}
	return s
}

func tableURLWithSAS(t resources.TableInfo) string {
	if t.SASToken == "" || strings.Contains(t.URL, "?") {
		return t.URL
	}
	return t.URL + "?" + t.SASToken
}

func asErrsError(err error) *errs.Error {
	e, _ := err.(*errs.Error)
	return e
}

func asKind(err error) errs.Kind {
	if e := asErrsError(err); e != nil {
		return e.Kind
	}
	return errs.KConfigurationUnavailable
}
