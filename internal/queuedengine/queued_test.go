package queuedengine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterdb/ingest/errs"
	"github.com/clusterdb/ingest/internal/model"
	"github.com/clusterdb/ingest/internal/properties"
	"github.com/clusterdb/ingest/internal/resources"
	"github.com/clusterdb/ingest/internal/source"
	"github.com/clusterdb/ingest/internal/status"
)

type fakeConfig struct {
	snap resources.Snapshot
	err  error
}

func (f *fakeConfig) GetConfiguration(ctx context.Context) (resources.Snapshot, error) {
	return f.snap, f.err
}

func validSnapshot() resources.Snapshot {
	return resources.Snapshot{
		MaxBlobsPerBatch: 10,
		StatusTable:      resources.TableInfo{URL: "https://acct.table.core.windows.net/statustable"},
		AuthToken:        "tok",
	}
}

type fakeUploader struct {
	calls int
	err   error
}

func (u *fakeUploader) Upload(ctx context.Context, src source.Source, ignoreSizeLimit bool) (source.Source, error) {
	u.calls++
	if u.err != nil {
		return source.Source{}, u.err
	}
	return source.NewBlob("https://acct.blob.core.windows.net/c/"+src.SourceID+"?sv=1", src.Format, properties.CTNone, src.SourceID, 10), nil
}

type fakeTransport struct {
	statusCode int
	body       string
	lastBody   []byte
}

func (f *fakeTransport) Do(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		f.lastBody, _ = io.ReadAll(req.Body)
	}
	return &http.Response{
		StatusCode: f.statusCode,
		Body:       io.NopCloser(strings.NewReader(f.body)),
		Header:     http.Header{},
		Request:    req,
	}, nil
}

func TestEngine_Ingest_Success(t *testing.T) {
	cache := &fakeConfig{snap: validSnapshot()}
	up := &fakeUploader{}
	transport := &fakeTransport{statusCode: 200, body: `{"ingestionOperationId":"op-123"}`}

	e, err := New("https://dm.cluster.kusto.windows.net", cache, up, WithTransport(transport))
	require.NoError(t, err)

	srcs := []source.Source{
		source.NewStream(strings.NewReader("a,b\n1,2\n"), "local.csv", properties.FCSV, properties.CTNone, "src-1"),
		source.NewBlob("https://acct.blob.core.windows.net/c/already.csv?sv=2", properties.FCSV, properties.CTNone, "src-2", 20),
	}

	op, err := e.Ingest(context.Background(), "db", "table", srcs, properties.RequestProperties{Format: properties.FCSV})
	require.NoError(t, err)
	assert.Equal(t, "op-123", op.OperationID)
	assert.Equal(t, model.KindQueued, op.Kind)
	assert.Equal(t, 1, up.calls)

	var job model.IngestJob
	require.NoError(t, json.Unmarshal(transport.lastBody, &job))
	require.Len(t, job.Blobs, 2)
	assert.Equal(t, "src-1", job.Blobs[0].SourceID)
	assert.Equal(t, "src-2", job.Blobs[1].SourceID)
}

func TestEngine_Ingest_FormatMismatch(t *testing.T) {
	cache := &fakeConfig{snap: validSnapshot()}
	up := &fakeUploader{}
	e, err := New("https://dm.cluster.kusto.windows.net", cache, up)
	require.NoError(t, err)

	srcs := []source.Source{
		source.NewBlob("https://a/b1?sv=1", properties.FCSV, properties.CTNone, "src-1", 1),
		source.NewBlob("https://a/b2?sv=1", properties.FJSON, properties.CTNone, "src-2", 1),
	}
	_, err = e.Ingest(context.Background(), "db", "table", srcs, properties.RequestProperties{})
	var ee *errs.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, errs.KFormatMismatch, ee.Kind)
}

func TestEngine_Ingest_ExceedsBatchLimit(t *testing.T) {
	snap := validSnapshot()
	snap.MaxBlobsPerBatch = 1
	cache := &fakeConfig{snap: snap}
	up := &fakeUploader{}
	e, err := New("https://dm.cluster.kusto.windows.net", cache, up)
	require.NoError(t, err)

	srcs := []source.Source{
		source.NewBlob("https://a/b1?sv=1", properties.FCSV, properties.CTNone, "src-1", 1),
		source.NewBlob("https://a/b2?sv=1", properties.FCSV, properties.CTNone, "src-2", 1),
	}
	_, err = e.Ingest(context.Background(), "db", "table", srcs, properties.RequestProperties{})
	var ee *errs.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, errs.KMultiIngestExceededLimit, ee.Kind)
}

func TestEngine_Ingest_DuplicateBlob(t *testing.T) {
	cache := &fakeConfig{snap: validSnapshot()}
	up := &fakeUploader{}
	e, err := New("https://dm.cluster.kusto.windows.net", cache, up)
	require.NoError(t, err)

	srcs := []source.Source{
		source.NewBlob("https://a/same?sv=1", properties.FCSV, properties.CTNone, "src-1", 1),
		source.NewBlob("https://a/same?sv=2", properties.FCSV, properties.CTNone, "src-2", 1),
	}
	_, err = e.Ingest(context.Background(), "db", "table", srcs, properties.RequestProperties{})
	var ee *errs.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, errs.KDuplicateBlob, ee.Kind)
}

func TestEngine_Ingest_NotFound(t *testing.T) {
	cache := &fakeConfig{snap: validSnapshot()}
	up := &fakeUploader{}
	transport := &fakeTransport{statusCode: 404}
	e, err := New("https://dm.cluster.kusto.windows.net", cache, up, WithTransport(transport))
	require.NoError(t, err)

	srcs := []source.Source{source.NewBlob("https://a/b1?sv=1", properties.FCSV, properties.CTNone, "src-1", 1)}
	_, err = e.Ingest(context.Background(), "db", "table", srcs, properties.RequestProperties{})
	var ee *errs.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, errs.KEndpointNotFound, ee.Kind)
	assert.True(t, errs.Retry(err))
}

type fakeStatusReader struct {
	records []status.Record
}

func (f *fakeStatusReader) Query(ctx context.Context, operationID string) ([]status.Record, error) {
	return f.records, nil
}

func TestEngine_GetOperationSummary(t *testing.T) {
	cache := &fakeConfig{snap: validSnapshot()}
	up := &fakeUploader{}
	e, err := New("https://dm.cluster.kusto.windows.net", cache, up)
	require.NoError(t, err)

	reader := &fakeStatusReader{records: []status.Record{
		{SourceID: "s1", Status: status.Succeeded},
		{SourceID: "s2", Status: status.Failed},
		{SourceID: "s3", Status: status.Pending},
	}}
	e.newStatusClient = func(tableURL string) (statusReader, error) { return reader, nil }

	summary, err := e.GetOperationSummary(context.Background(), model.IngestionOperation{OperationID: "op-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.InProgress)
}

func TestEngine_PollUntilCompletion_CompletesWhenTerminal(t *testing.T) {
	cache := &fakeConfig{snap: validSnapshot()}
	up := &fakeUploader{}
	e, err := New("https://dm.cluster.kusto.windows.net", cache, up)
	require.NoError(t, err)

	reader := &fakeStatusReader{records: []status.Record{
		{SourceID: "s1", Status: status.Succeeded},
	}}
	e.newStatusClient = func(tableURL string) (statusReader, error) { return reader, nil }

	resp, err := e.PollUntilCompletion(context.Background(), model.IngestionOperation{OperationID: "op-1"}, 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Aggregate.Succeeded)
}

func TestEngine_PollUntilCompletion_TimesOut(t *testing.T) {
	cache := &fakeConfig{snap: validSnapshot()}
	up := &fakeUploader{}
	e, err := New("https://dm.cluster.kusto.windows.net", cache, up)
	require.NoError(t, err)

	reader := &fakeStatusReader{records: []status.Record{
		{SourceID: "s1", Status: status.Pending},
	}}
	e.newStatusClient = func(tableURL string) (statusReader, error) { return reader, nil }

	_, err = e.PollUntilCompletion(context.Background(), model.IngestionOperation{OperationID: "op-1"}, 5*time.Millisecond, 20*time.Millisecond)
	var ee *errs.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, errs.KOperationTimeout, ee.Kind)
}
