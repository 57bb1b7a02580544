package streamingengine

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/clusterdb/ingest/errs"
	"github.com/clusterdb/ingest/internal/model"
	"github.com/clusterdb/ingest/internal/properties"
	"github.com/clusterdb/ingest/internal/source"
)

// TestMain verifies the header-pool refill goroutine nextHeaders spawns
// (streaming.go) doesn't outlive the engine once every test closes it.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTransport implements azcore/policy.Transporter for tests.
type fakeTransport struct {
	statusCode int
	body       string
	lastReq    *http.Request
	lastBody   []byte
}

func (f *fakeTransport) Do(req *http.Request) (*http.Response, error) {
	f.lastReq = req
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

func TestEngine_Send_BlobSource(t *testing.T) {
	transport := &fakeTransport{statusCode: 200}
	e, err := New("https://ingest-cluster.region.kusto.windows.net", WithTransport(transport))
	require.NoError(t, err)
	defer e.Close()

	src := source.NewBlob("https://acct.blob.core.windows.net/container/blob.csv?sv=1", properties.FCSV, properties.CTNone, "src-1", 100)
	op, err := e.Send(context.Background(), "db", "table", src, "tok", "", "")
	require.NoError(t, err)
	assert.Equal(t, model.KindStreaming, op.Kind)
	assert.NotEmpty(t, op.OperationID)

	assert.Equal(t, "uri", transport.lastReq.Header.Get("x-ms-source-kind"))
	assert.Equal(t, "application/json", transport.lastReq.Header.Get("Content-Type"))
	assert.Contains(t, string(transport.lastBody), "SourceUri")
	assert.Contains(t, transport.lastReq.URL.String(), "/db/table")
}

func TestEngine_Send_LocalSourceCompresses(t *testing.T) {
	transport := &fakeTransport{statusCode: 200}
	e, err := New("https://ingest-cluster.region.kusto.windows.net", WithTransport(transport))
	require.NoError(t, err)
	defer e.Close()

	src := source.NewStream(bytes.NewBufferString("a,b,c\n1,2,3\n"), "data.csv", properties.FCSV, properties.CTNone, "src-1")
	_, err = e.Send(context.Background(), "db", "table", src, "tok", "", "")
	require.NoError(t, err)

	assert.Equal(t, "gzip", transport.lastReq.Header.Get("Content-Encoding"))
	assert.Equal(t, "application/octet-stream", transport.lastReq.Header.Get("Content-Type"))
}

func TestEngine_Send_NotFound(t *testing.T) {
	transport := &fakeTransport{statusCode: 404}
	e, err := New("https://ingest-cluster.region.kusto.windows.net", WithTransport(transport))
	require.NoError(t, err)
	defer e.Close()

	src := source.NewStream(bytes.NewBufferString("data"), "data.csv", properties.FCSV, properties.CTNone, "src-1")
	_, err = e.Send(context.Background(), "db", "table", src, "tok", "", "")
	var ee *errs.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, errs.KEndpointNotFound, ee.Kind)
	assert.False(t, errs.Retry(err))
}

func TestEngine_Send_PermanentServerError(t *testing.T) {
	transport := &fakeTransport{statusCode: 400, body: `{"error":{"code":"BadRequest","message":"bad format","@permanent":true}}`}
	e, err := New("https://ingest-cluster.region.kusto.windows.net", WithTransport(transport))
	require.NoError(t, err)
	defer e.Close()

	src := source.NewStream(bytes.NewBufferString("data"), "data.csv", properties.FCSV, properties.CTNone, "src-1")
	_, err = e.Send(context.Background(), "db", "table", src, "tok", "", "")
	var ee *errs.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, errs.KRequestError, ee.Kind)
	assert.False(t, errs.Retry(err))
}

func TestEngine_Send_TransientServerError(t *testing.T) {
	transport := &fakeTransport{statusCode: 500, body: `{"error":{"code":"ServerBusy","message":"try later"}}`}
	e, err := New("https://ingest-cluster.region.kusto.windows.net", WithTransport(transport))
	require.NoError(t, err)
	defer e.Close()

	src := source.NewStream(bytes.NewBufferString("data"), "data.csv", properties.FCSV, properties.CTNone, "src-1")
	_, err = e.Send(context.Background(), "db", "table", src, "tok", "", "")
	var ee *errs.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, errs.KServiceError, ee.Kind)
	assert.True(t, errs.Retry(err))
}

func TestEngine_Send_RequestTooLarge(t *testing.T) {
	transport := &fakeTransport{statusCode: 200}
	e, err := New("https://ingest-cluster.region.kusto.windows.net", WithTransport(transport), WithMaxBodySize(8))
	require.NoError(t, err)
	defer e.Close()

	src := source.NewStream(bytes.NewBufferString(strings.Repeat("x", 1024)), "data.txt", properties.FTXT, properties.CTNone, "src-1")
	_, err = e.Send(context.Background(), "db", "table", src, "tok", "", "")
	var ee *errs.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, errs.KRequestTooLarge, ee.Kind)
	assert.False(t, errs.Retry(err))
	assert.Nil(t, transport.lastReq) // rejected before the request was ever built
}

func TestEngine_GetOperationStatus_NeverErrors(t *testing.T) {
	e, err := New("https://ingest-cluster.region.kusto.windows.net")
	require.NoError(t, err)
	defer e.Close()

	summary, err := e.GetOperationSummary(context.Background(), model.IngestionOperation{})
	require.NoError(t, err)
	assert.Zero(t, summary)

	details, err := e.GetOperationDetails(context.Background(), model.IngestionOperation{})
	require.NoError(t, err)
	assert.Empty(t, details.Blobs)
}
