package uploader

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// StorageBlobPutter stages sources into Azure Blob Storage block blobs,
// ported from kusto/ingest/internal/queued/queued.go's localToBlob: the same
// azblob.BlockBlobClient + TransferManager pairing, generalized behind
// BlobPutter so the Uploader can drive either storage or lake containers
// through one attempt loop.
type StorageBlobPutter struct {
	transferManager azblob.TransferManager
}

// NewStorageBlobPutter builds a StorageBlobPutter with a sync-pool transfer
// manager sized per spec.md §5's block size/concurrency defaults, matching
// the teacher's azblob.NewSyncPool(BlockSize, Concurrency) call in queued.go's New().
func NewStorageBlobPutter(blockSize, concurrency int) (*StorageBlobPutter, error) {
	tm, err := azblob.NewSyncPool(blockSize, concurrency)
	if err != nil {
		return nil, fmt.Errorf("uploader: could not build a transfer manager: %w", err)
	}
	return &StorageBlobPutter{transferManager: tm}, nil
}

// Close releases the transfer manager's buffer pool.
func (p *StorageBlobPutter) Close() error {
	p.transferManager.Close()
	return nil
}

// PutBlock uploads body as a new block blob under target, via
// UploadStreamToBlockBlob exactly as the teacher's uploadStream func type does.
func (p *StorageBlobPutter) PutBlock(ctx context.Context, target BlobTarget, body io.Reader, opts UploadOptions) (UploadOutcome, error) {
	service, err := azblob.NewServiceClientWithNoCredential(target.AccountURL, nil)
	if err != nil {
		return UploadOutcome{}, err
	}

	container := service.NewContainerClient(target.ContainerName)
	blobClient := container.NewBlockBlobClient(target.BlobName)

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	if _, err := blobClient.UploadStreamToBlockBlob(ctx, body, azblob.UploadStreamToBlockBlobOptions{
		TransferManager: p.transferManager,
	}); err != nil {
		return UploadOutcome{}, err
	}

	return UploadOutcome{BlobURL: blobClient.URL()}, nil
}

// StatusCode extracts an HTTP status from an azblob error, for §4.6-style
// permanent/transient classification.
func (p *StorageBlobPutter) StatusCode(err error) (int, bool) {
	if sc, ok := err.(interface{ StatusCode() int }); ok {
		return sc.StatusCode(), true
	}
	if httpErr, ok := err.(interface{ Response() *http.Response }); ok {
		if resp := httpErr.Response(); resp != nil {
			return resp.StatusCode, true
		}
	}
	return 0, false
}
