// Package uploader implements the Uploader (spec.md §4.5, C5): staging a
// local source into one of the cloud containers ResourceCache advertises,
// with compression, ranked container selection, and retry-driven rotation.
// Grounded on kusto/ingest/internal/queued/queued.go's localToBlob /
// upstreamContainer / blob-naming logic, generalized from a single hardcoded
// container kind to the ranked multi-kind selection spec.md §4.5 describes.
package uploader

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clusterdb/ingest/errs"
	"github.com/clusterdb/ingest/internal/gzip"
	"github.com/clusterdb/ingest/internal/properties"
	"github.com/clusterdb/ingest/internal/resources"
	"github.com/clusterdb/ingest/internal/retry"
	"github.com/clusterdb/ingest/internal/source"
)

// Defaults from spec.md §6's named constants.
const (
	DefaultMaxConcurrency    = 50
	DefaultBlockSize         = 8 * 1024 * 1024
	DefaultMaxSingleUpload   = 256 * 1024 * 1024
	DefaultBlobUploadTimeout = time.Hour
	DefaultMaxDataSize       = 6 * 1024 * 1024 * 1024 // 6 GiB, the server's documented queued-ingestion ceiling
)

// BlobTarget names the destination of a staged upload.
type BlobTarget struct {
	AccountURL    string // e.g. https://account.blob.core.windows.net?sas
	ContainerName string
	BlobName      string
	Kind          string // "storage" or "lake"
}

// UploadOptions configure one PutBlock call.
type UploadOptions struct {
	BlockSize         int
	MaxConcurrency    int
	MaxSingleUpload   int
	Timeout           time.Duration
}

// UploadOutcome is what a successful PutBlock call reports back.
type UploadOutcome struct {
	BlobURL string
	Size    int64
}

// BlobPutter is the narrow storage/lake upload interface spec.md §6 places
// out of scope: "Storage / lake upload primitives are consumed through a
// narrow interface." Concrete implementations wrap azblob.BlockBlobClient
// (storage) or an azcore/runtime pipeline (lake).
type BlobPutter interface {
	PutBlock(ctx context.Context, target BlobTarget, body io.Reader, opts UploadOptions) (UploadOutcome, error)
	StatusCode(err error) (int, bool)
}

// Result is one outcome from UploadMany: exactly one of Source/Err is set.
type Result struct {
	SourceID string
	Source   source.Source
	Err      error
}

// ConfigProvider is what the Uploader needs from the ResourceCache (C1);
// *resources.Cache satisfies it. Narrowed to an interface so tests can supply
// a fake snapshot without driving a real refresh cycle.
type ConfigProvider interface {
	GetConfiguration(ctx context.Context) (resources.Snapshot, error)
}

// AccountRanker is what the Uploader needs from the AccountRanker (C2);
// *resources.RankedAccountSet satisfies it.
type AccountRanker interface {
	Register(accountName string)
	RecordOutcome(accountName string, success bool)
	RankedCandidates() []resources.RankedAccount
}

// Uploader stages local sources into cloud storage, per spec.md §4.5.
type Uploader struct {
	database, table string
	cache           ConfigProvider
	ranker          AccountRanker
	newPolicy       func() *retry.Policy
	storage         BlobPutter
	lake            BlobPutter
	log             zerolog.Logger

	maxConcurrency int
	maxDataSize    int64

	opts UploadOptions
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithLogger overrides the uploader's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(u *Uploader) { u.log = l }
}

// WithMaxConcurrency overrides the configured concurrency; the uploader still
// clamps to runtime.NumCPU() per spec.md §5.
func WithMaxConcurrency(n int) Option {
	return func(u *Uploader) { u.maxConcurrency = n }
}

// WithMaxDataSize overrides the size limit validation enforces unless the
// caller sets ignoreSizeLimit.
func WithMaxDataSize(n int64) Option {
	return func(u *Uploader) { u.maxDataSize = n }
}

// WithRetryPolicy overrides how each attemptLoop call builds its retry
// policy. newPolicy is called once per Upload, not shared across concurrent
// uploads, so it must return a policy backed by a fresh backoff.BackOff
// instance each time.
func WithRetryPolicy(newPolicy func() *retry.Policy) Option {
	return func(u *Uploader) { u.newPolicy = newPolicy }
}

// New builds an Uploader for a single database/table pair, mirroring the
// teacher's queued.Ingestion scoping ("This object is scoped for a single
// database and table.").
func New(database, table string, cache ConfigProvider, ranker AccountRanker, storage, lake BlobPutter, opts ...Option) *Uploader {
	u := &Uploader{
		database:       database,
		table:          table,
		cache:          cache,
		ranker:         ranker,
		newPolicy:      func() *retry.Policy { return retry.New() },
		storage:        storage,
		lake:           lake,
		log:            zerolog.Nop(),
		maxConcurrency: DefaultMaxConcurrency,
		maxDataSize:    DefaultMaxDataSize,
		opts: UploadOptions{
			BlockSize:       DefaultBlockSize,
			MaxConcurrency:  DefaultMaxConcurrency,
			MaxSingleUpload: DefaultMaxSingleUpload,
			Timeout:         DefaultBlobUploadTimeout,
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	if eff := effectiveMaxConcurrency(u.maxConcurrency); eff != u.maxConcurrency {
		u.maxConcurrency = eff
		u.opts.MaxConcurrency = eff
	}
	return u
}

func effectiveMaxConcurrency(configured int) int {
	if cpus := runtime.NumCPU(); configured > cpus {
		return cpus
	}
	return configured
}

// sizer is satisfied by sources that know their own length without reading
// them; local streams generally don't.
type sizer interface {
	Size() (int64, bool)
}

// Upload stages one local source, returning its staged BlobSource, per
// spec.md §4.5 operation `upload`.
func (u *Uploader) Upload(ctx context.Context, src source.Source, ignoreSizeLimit bool) (source.Source, error) {
	if err := u.validate(src, ignoreSizeLimit); err != nil {
		return source.Source{}, err
	}

	snap, err := u.cache.GetConfiguration(ctx)
	if err != nil {
		// The cache's own error already carries a precise Kind (e.g.
		// NoContainers, NoStatusTable); re-tag it with OpUpload rather than
		// flattening it to a generic ConfigurationUnavailable.
		return source.Source{}, errs.E(errs.OpUpload, asErrsError(err).Kind, err)
	}

	kind, err := u.effectiveUploadKind(snap, "")
	if err != nil {
		return source.Source{}, err
	}

	candidates := u.candidatesForKind(snap, kind)
	if len(candidates) == 0 {
		return source.Source{}, errs.ES(errs.OpUpload, errs.KNoContainers, "no %s containers are configured", kind).SetNoRetry()
	}

	return u.attemptLoop(ctx, src, kind, candidates)
}

// UploadMany stages multiple local sources concurrently, bounded by
// effectiveMaxConcurrency, per spec.md §4.5 operation `uploadMany`: it never
// fails the call as a whole — per-source outcomes are reported in Result.
func (u *Uploader) UploadMany(ctx context.Context, srcs []source.Source, ignoreSizeLimit bool) []Result {
	results := make([]Result, len(srcs))
	sem := make(chan struct{}, u.maxConcurrency)
	var wg sync.WaitGroup

	for i, src := range srcs {
		i, src := i, src
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			blob, err := u.Upload(ctx, src, ignoreSizeLimit)
			results[i] = Result{SourceID: src.SourceID, Source: blob, Err: err}
		}()
	}
	wg.Wait()
	return results
}

func (u *Uploader) validate(src source.Source, ignoreSizeLimit bool) error {
	var knownSize int64 = -1

	switch src.Kind {
	case source.KindLocalFile:
		if strings.TrimSpace(src.Path) == "" {
			return errs.ES(errs.OpValidate, errs.KSourceEmpty, "local source path is empty").SetNoRetry()
		}
		if stat, err := statFile(src.Path); err == nil {
			knownSize = stat.Size()
		}
	case source.KindLocalStream:
		if src.Reader == nil {
			return errs.ES(errs.OpValidate, errs.KSourceNotReadable, "local source stream is nil").SetNoRetry()
		}
		if sz, ok := src.Reader.(sizer); ok {
			if n, known := sz.Size(); known {
				knownSize = n
			}
		}
	default:
		return errs.ES(errs.OpValidate, errs.KUnsupportedSourceKind, "upload requires a local source, got blob").SetNoRetry()
	}

	if knownSize == 0 {
		return errs.ES(errs.OpValidate, errs.KSourceEmpty, "source %q is empty", src.DisplayName()).SetNoRetry()
	}

	if !ignoreSizeLimit && knownSize > u.maxDataSize {
		return errs.ES(errs.OpValidate, errs.KSourceSizeLimitExceeded,
			"source %q is %d bytes, exceeding the %d byte limit", src.DisplayName(), knownSize, u.maxDataSize).SetNoRetry()
	}
	return nil
}

// effectiveUploadKind resolves the container kind to use, per spec.md §4.5
// step 2: caller override, then snapshot preference, then storage-over-lake.
func (u *Uploader) effectiveUploadKind(snap resources.Snapshot, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if snap.PreferredUploadMethod != "" {
		return snap.PreferredUploadMethod, nil
	}
	if len(snap.Containers) > 0 {
		return "storage", nil
	}
	if len(snap.LakeFolders) > 0 {
		return "lake", nil
	}
	return "", errs.ES(errs.OpUpload, errs.KNoContainers, "no storage or lake containers are configured").SetNoRetry()
}

func (u *Uploader) candidatesForKind(snap resources.Snapshot, kind string) []resources.ContainerInfo {
	var pool []resources.ContainerInfo
	if kind == "lake" {
		pool = snap.LakeFolders
	} else {
		pool = snap.Containers
	}
	for _, c := range pool {
		u.ranker.Register(c.AccountName)
	}

	ranked := u.ranker.RankedCandidates()
	byAccount := make(map[string]resources.ContainerInfo, len(pool))
	for _, c := range pool {
		byAccount[c.AccountName] = c
	}

	out := make([]resources.ContainerInfo, 0, len(pool))
	seen := make(map[string]bool, len(pool))
	for _, r := range ranked {
		if c, ok := byAccount[r.AccountName]; ok && !seen[r.AccountName] {
			out = append(out, c)
			seen[r.AccountName] = true
		}
	}
	return out
}

// attemptLoop drives the container rotation/retry algorithm of spec.md §4.5
// step 4: random starting index, one attempt per container, RetryPolicy
// decides whether to rotate or give up. Each call builds its own Policy
// (and therefore its own backoff.BackOff) rather than sharing one across
// the Uploader, since queuedengine.stage runs many uploads concurrently and
// cenkalti/backoff's ExponentialBackOff is not safe for concurrent use.
func (u *Uploader) attemptLoop(ctx context.Context, src source.Source, kind string, candidates []resources.ContainerInfo) (source.Source, error) {
	n := len(candidates)
	idx := rand.Intn(n)

	putter := u.storage
	if kind == "lake" {
		putter = u.lake
	}

	var lastErr error
	policy := u.newPolicy()
	for attempt := 1; ; attempt++ {
		container := candidates[idx]

		target, body, compression, err := u.prepare(src, container)
		if err != nil {
			return source.Source{}, err
		}

		outcome, uploadErr := putter.PutBlock(ctx, target, body, u.opts)
		if uploadErr == nil {
			u.ranker.RecordOutcome(container.AccountName, true)
			size := outcome.Size
			if size == 0 {
				size = src.ExactSize
			}
			return source.NewBlob(outcome.BlobURL, src.Format, compression, src.SourceID, size), nil
		}

		u.ranker.RecordOutcome(container.AccountName, false)
		lastErr = uploadErr

		classified := classifyUploadError(putter, uploadErr)
		if classified.IsPermanent() {
			return source.Source{}, classified
		}

		shouldRetry, interval := policy.MoveNext(attempt)
		if !shouldRetry {
			return source.Source{}, errs.W(classified, errs.ES(errs.OpUpload, errs.KUploadFailed,
				"upload to %q failed after %d attempts: %s", src.DisplayName(), attempt, lastErr).SetRetryable())
		}
		if interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return source.Source{}, errs.E(errs.OpUpload, errs.KCancelled, ctx.Err())
			}
		}
		idx = (idx + 1) % n
	}
}

// classifyUploadError maps a storage/lake upload failure to permanent vs
// transient per spec.md §4.5 step 4: "permanent error (4xx response ...)" vs
// transient otherwise. Unlike the streaming/queued engines, blob storage
// responses don't carry the server's JSON error envelope, so classification
// here is status-code-only.
func classifyUploadError(putter BlobPutter, err error) *errs.Error {
	if code, ok := putter.StatusCode(err); ok {
		if code == 404 {
			return errs.ES(errs.OpUpload, errs.KEndpointNotFound, "upload target returned 404").SetNoRetry()
		}
		if code >= 400 && code < 500 {
			return errs.ES(errs.OpUpload, errs.KUploadFailed, "upload failed with status %d: %s", code, err).SetNoRetry()
		}
		return errs.ES(errs.OpUpload, errs.KUploadFailed, "upload failed with status %d: %s", code, err).SetRetryable()
	}
	return errs.E(errs.OpUpload, errs.KUploadFailed, err).SetRetryable()
}

func asErrsError(err error) *errs.Error {
	if e, ok := err.(*errs.Error); ok {
		return e
	}
	return errs.E(errs.OpUpload, errs.KOther, err)
}

// prepare resolves the blob name, wraps the body in gzip if needed, and
// builds the BlobTarget for one attempt.
func (u *Uploader) prepare(src source.Source, container resources.ContainerInfo) (BlobTarget, io.Reader, properties.CompressionType, error) {
	var body io.Reader
	switch src.Kind {
	case source.KindLocalFile:
		f, err := openFile(src.Path)
		if err != nil {
			return BlobTarget{}, nil, properties.CTNone, errs.ES(errs.OpUpload, errs.KSourceNotReadable,
				"could not open %q: %s", src.Path, err).SetNoRetry()
		}
		body = f
	case source.KindLocalStream:
		body = src.Reader
	}

	compression := src.CompressionType
	if src.ShouldCompress() {
		gz := gzip.New()
		gz.Reset(body)
		body = gz
		compression = properties.CTGZIP
	}

	uri, err := resources.Parse(container.URL)
	if err != nil {
		return BlobTarget{}, nil, properties.CTNone, errs.E(errs.OpUpload, errs.KNoContainers, err).SetNoRetry()
	}

	target := BlobTarget{
		AccountURL:    fmt.Sprintf("https://%s.%s.core.windows.net?%s", uri.Account(), uri.ObjectType(), container.SASToken),
		ContainerName: uri.ObjectName(),
		BlobName:      blobName(u.database, u.table, src, compression),
		Kind:          container.Kind,
	}
	return target, body, compression, nil
}

// blobName builds `{database}__{table}__{baseName-no-ext}__{uuid}[.{format}][.{compressionSuffix}]`
// per spec.md §4.5's naming contract.
func blobName(database, table string, src source.Source, compression properties.CompressionType) string {
	base := strings.TrimSuffix(filepath.Base(src.DisplayName()), filepath.Ext(src.DisplayName()))
	if base == "" || base == "." {
		base = "source"
	}

	name := fmt.Sprintf("%s__%s__%s__%s", database, table, base, uuid.New().String())
	if fmtName := src.Format.String(); fmtName != "" {
		name += "." + fmtName
	}
	if compression == properties.CTGZIP {
		name += ".gz"
	}
	return name
}

var openFile = defaultOpenFile
