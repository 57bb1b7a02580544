// Package streamingengine sends one source at a time to the engine's
// streaming endpoint. It is the successor to kusto/ingest/internal/conn,
// rebuilt against azcore/runtime's HTTP pipeline instead of go-autorest, and
// extended with the blob-reference vs. raw-body dispatch and row-store
// size-factor bound spec.md §4.6 requires (the teacher's streaming path is
// always raw-body and carries no size check).
package streamingengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clusterdb/ingest/errs"
	"github.com/clusterdb/ingest/internal/gzip"
	"github.com/clusterdb/ingest/internal/model"
	"github.com/clusterdb/ingest/internal/properties"
	"github.com/clusterdb/ingest/internal/source"
)

// DefaultMaxBodySize is STREAMING_MAX_BODY_SIZE, the pre-factor bound spec.md
// §4.6 scales by rowStoreEstimatedFactor(format, compressionType).
const DefaultMaxBodySize int64 = 4 * 1024 * 1024

var validEndpoint = regexp.MustCompile(`https://([a-zA-Z0-9_-]+\.){1,2}.*`)

// BuffPool recycles the *bytes.Buffer a LocalSource body gets read into,
// matching kusto/ingest/internal/conn/conn.go's BuffPool.
var BuffPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// Engine posts sources to one streaming endpoint.
type Engine struct {
	baseURL     *url.URL
	pipeline    runtime.Pipeline
	headersPool chan http.Header
	done        chan struct{}
	log         zerolog.Logger
	maxBodySize int64
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithLogger attaches a structured logger, replacing the default no-op.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMaxBodySize overrides DefaultMaxBodySize.
func WithMaxBodySize(n int64) Option {
	return func(e *Engine) { e.maxBodySize = n }
}

// WithTransport swaps the pipeline's HTTP transport, matching the
// policy.Transporter seam azkustoingest/internal/status/status_table_client.go
// exposes for its aztables client; tests use it to fake the engine's
// responses without touching the network.
func WithTransport(transport policy.Transporter) Option {
	return func(e *Engine) {
		e.pipeline = runtime.NewPipeline("clusterdb-ingest", "v1", runtime.PipelineOptions{}, &policy.ClientOptions{Transport: transport})
	}
}

// New builds an Engine against endpoint, stripping the "ingest-" prefix the
// way conn.newWithoutValidation does (the streaming endpoint and the
// query/management endpoint differ only by that prefix).
func New(endpoint string, opts ...Option) (*Engine, error) {
	if !validEndpoint.MatchString(endpoint) {
		return nil, errs.ES(errs.OpStreamIngest, errs.KRequestError, "streaming endpoint %q is not a valid URL", errs.StripSecrets(endpoint)).SetNoRetry()
	}
	u, err := url.Parse(strings.Replace(endpoint, "ingest-", "", 1))
	if err != nil {
		return nil, errs.E(errs.OpStreamIngest, errs.KRequestError, fmt.Errorf("could not parse streaming endpoint: %w", err)).SetNoRetry()
	}

	e := &Engine{
		baseURL:     &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/v1/rest/ingest/"},
		pipeline:    runtime.NewPipeline("clusterdb-ingest", "v1", runtime.PipelineOptions{}, &policy.ClientOptions{}),
		headersPool: make(chan http.Header, 100),
		done:        make(chan struct{}),
		log:         zerolog.Nop(),
		maxBodySize: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(e)
	}

	base := http.Header{}
	base.Set("Accept", "application/json")
	base.Set("Accept-Encoding", "gzip")
	for i := 0; i < 100; i++ {
		e.headersPool <- copyHeaders(base)
	}
	return e, nil
}

// Close stops the header-pool renewal goroutines.
func (e *Engine) Close() error {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
	return nil
}

func copyHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// nextHeaders pulls a header set from the pool and spins a goroutine to
// refill it, exactly as conn.Conn.StreamIngest does.
func (e *Engine) nextHeaders(base http.Header) http.Header {
	headers := <-e.headersPool
	go func() {
		fresh := copyHeaders(base)
		select {
		case <-e.done:
		case e.headersPool <- fresh:
		}
	}()
	return headers
}

// Send posts src to the streaming endpoint for database/table and returns
// the client-generated operation handle. authToken is a bearer token from
// ResourceCache; clientRequestID defaults to a generated value when empty.
func (e *Engine) Send(ctx context.Context, database, table string, src source.Source, authToken, mappingName, clientRequestID string) (*model.IngestionOperation, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.ES(errs.OpStreamIngest, errs.KCancelled, "streaming ingest canceled before send: %v", err).SetNoRetry()
	}

	body, contentType, contentEncoding, sourceKind, err := e.buildBody(src)
	if err != nil {
		return nil, err
	}

	headers := e.nextHeaders(http.Header{"Accept": {"application/json"}, "Accept-Encoding": {"gzip"}})
	if clientRequestID == "" {
		clientRequestID = "clusterdb.ingest;" + uuid.New().String()
	}
	headers.Set("x-ms-client-request-id", clientRequestID)
	headers.Set("Content-Type", contentType)
	if contentEncoding != "" {
		headers.Set("Content-Encoding", contentEncoding)
	}
	if sourceKind != "" {
		headers.Set("x-ms-source-kind", sourceKind)
	}
	if authToken != "" {
		headers.Set("Authorization", "Bearer "+authToken)
	}

	u := *e.baseURL
	u.Path = path.Join(u.Path, database, table)
	qv := url.Values{}
	qv.Set("streamFormat", src.Format.String())
	if mappingName != "" {
		qv.Set("mappingName", mappingName)
	}
	u.RawQuery = qv.Encode()

	req, err := runtime.NewRequest(ctx, http.MethodPost, u.String())
	if err != nil {
		return nil, errs.E(errs.OpStreamIngest, errs.KRequestError, err).SetNoRetry()
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Raw().Header.Add(k, v)
		}
	}
	if err := req.SetBody(runtime.NopCloser(bytes.NewReader(body)), contentType); err != nil {
		return nil, errs.E(errs.OpStreamIngest, errs.KRequestError, err).SetNoRetry()
	}

	resp, err := e.pipeline.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errs.ES(errs.OpStreamIngest, errs.KCancelled, "streaming ingest canceled: %v", ctxErr).SetNoRetry()
		}
		return nil, errs.E(errs.OpStreamIngest, errs.KServiceError, err).SetRetryable()
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &model.IngestionOperation{
			OperationID: uuid.New().String(),
			Database:    database,
			Table:       table,
			Kind:        model.KindStreaming,
		}, nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	return nil, classifyResponse(resp.StatusCode, respBody)
}

// buildBody encodes src per spec.md §4.6 and enforces the pre-transmission
// size bound. It returns the finished body bytes, its content type, an
// optional Content-Encoding value, and an optional x-ms-source-kind value.
func (e *Engine) buildBody(src source.Source) (body []byte, contentType, contentEncoding, sourceKind string, retErr error) {
	if src.Kind == source.KindBlob {
		doc, err := json.Marshal(struct {
			SourceUri string `json:"SourceUri"`
		}{SourceUri: src.BlobURL})
		if err != nil {
			return nil, "", "", "", errs.E(errs.OpStreamIngest, errs.KRequestError, err).SetNoRetry()
		}
		return doc, "application/json", "", "uri", nil
	}

	var r io.Reader
	switch src.Kind {
	case source.KindLocalFile:
		f, err := openFile(src.Path)
		if err != nil {
			return nil, "", "", "", errs.E(errs.OpStreamIngest, errs.KSourceNotReadable, err).SetNoRetry()
		}
		defer f.Close()
		r = f
	case source.KindLocalStream:
		if src.Reader == nil {
			return nil, "", "", "", errs.ES(errs.OpStreamIngest, errs.KSourceNotReadable, "local stream source has a nil reader").SetNoRetry()
		}
		r = src.Reader
	default:
		return nil, "", "", "", errs.ES(errs.OpStreamIngest, errs.KUnsupportedSourceKind, "unsupported source kind for streaming ingest").SetNoRetry()
	}

	finalCompression := src.CompressionType
	if src.ShouldCompress() {
		r = gzip.Compress(r)
		finalCompression = properties.CTGZIP
	}

	buf := BuffPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer func() {
		buf.Reset()
		BuffPool.Put(buf)
	}()

	if _, err := io.Copy(buf, r); err != nil {
		return nil, "", "", "", errs.E(errs.OpStreamIngest, errs.KSourceNotReadable, err).SetNoRetry()
	}

	maxBody := float64(e.maxBodySize) * properties.RowStoreFactor(src.Format, finalCompression == properties.CTGZIP)
	if float64(buf.Len()) > maxBody {
		return nil, "", "", "", errs.ES(errs.OpStreamIngest, errs.KRequestTooLarge,
			"streaming body of %d bytes exceeds the %.0f byte limit for format %s", buf.Len(), maxBody, src.Format).SetNoRetry()
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())

	encoding := ""
	if finalCompression == properties.CTGZIP {
		encoding = "gzip"
	}
	return out, "application/octet-stream", encoding, "", nil
}

// classifyResponse implements spec.md §4.6's non-404 failure classification,
// which differs from the general errs.HTTP helper: it defaults to a
// *transient* ServiceError instead of assuming 4xx means permanent, because
// the streaming endpoint's envelope is the authority on retriability here.
func classifyResponse(statusCode int, body []byte) *errs.Error {
	if statusCode == 404 {
		return errs.ES(errs.OpStreamIngest, errs.KEndpointNotFound,
			"streaming endpoint returned 404; check the configured engine URL").SetNoRetry()
	}

	var envelope struct {
		Error struct {
			Code        string `json:"code"`
			Message     string `json:"message"`
			Type        string `json:"@type"`
			Description string `json:"@message"`
			FailureCode string `json:"@failureCode"`
			Permanent   *bool  `json:"@permanent"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Message == "" {
		return errs.ES(errs.OpStreamIngest, errs.KRequestError,
			"streaming endpoint returned status %d with an unparseable error body", statusCode).SetNoRetry()
	}

	e := errs.ES(errs.OpStreamIngest, errs.KServiceError, "%s", envelope.Error.Message)
	e.WithCode(envelope.Error.Code, envelope.Error.FailureCode, envelope.Error.Description)
	if envelope.Error.Permanent != nil && *envelope.Error.Permanent {
		e.Kind = errs.KRequestError
		return e.SetNoRetry()
	}
	return e.SetRetryable()
}

// GetOperationSummary always returns an empty aggregate: streaming has no
// server-side tracking, so there is nothing to poll (spec.md §4.6).
func (e *Engine) GetOperationSummary(ctx context.Context, op model.IngestionOperation) (model.Status, error) {
	return model.Status{}, nil
}

// GetOperationDetails always returns an empty record set, for the same
// reason as GetOperationSummary.
func (e *Engine) GetOperationDetails(ctx context.Context, op model.IngestionOperation) (model.StatusResponse, error) {
	return model.StatusResponse{}, nil
}

var openFile = defaultOpenFile
