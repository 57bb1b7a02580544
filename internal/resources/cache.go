package resources

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/clusterdb/ingest/errs"
)

// Default refresh intervals, from spec.md §6's named constants.
const (
	DefaultRefreshInterval = time.Hour
	FailureRefreshInterval = 15 * time.Minute
)

// QueueInfo describes a discovered ingestion queue. The queued engine does not
// enqueue against it directly (per spec.md §4.7, the DM endpoint owns queueing);
// it is surfaced here for parity with the discovery contract.
type QueueInfo struct {
	URL      string
	SASToken string
}

// TableInfo describes the status table discovered alongside containers/queues.
type TableInfo struct {
	URL      string
	SASToken string
}

// ContainerInfo is a ranked upload target, as spec.md §3 defines it.
type ContainerInfo struct {
	URL         string
	SASToken    string
	Kind        string // "storage" or "lake"
	AccountName string
}

// Snapshot is the coherent configuration view getConfiguration() returns,
// per spec.md §4.1.
type Snapshot struct {
	Containers            []ContainerInfo
	LakeFolders           []ContainerInfo
	Queues                []QueueInfo
	StatusTable           TableInfo
	PreferredUploadMethod string
	AuthToken             string
	MaxBlobsPerBatch      int

	fetchedAt time.Time
}

// rawResources is what a ResourceClient reports before URI parsing.
type rawResources struct {
	ContainerURLs  []string
	LakeFolderURLs []string
	QueueURLs      []string
	StatusTableURL string
	PreferredUploadMethod string
	MaxBlobsPerBatch      int
}

// ResourceClient is the raw resource-discovery/auth collaborator the Cache polls;
// an out-of-scope external dependency per spec.md §1/§6.
type ResourceClient interface {
	FetchIngestionResources(ctx context.Context) (rawResources, error)
	FetchAuthToken(ctx context.Context) (string, error)
}

// section holds one single-writer/many-reader refresh timeline: a try-lock
// guarding concurrent refreshes, the next-due timestamp, and the last refresh
// error. The snapshot values themselves live on Cache.
type section struct {
	refreshing int32 // atomic try-lock: 0 = free, 1 = a refresh is in flight

	mu       sync.RWMutex
	nextDue  time.Time
	lastErr  error
}

// tryLock attempts to acquire the refresh try-lock; a concurrent refresh attempt
// is a no-op, per spec.md §5's "try-lock semantics".
func (s *section) tryLock() bool {
	return atomic.CompareAndSwapInt32(&s.refreshing, 0, 1)
}

func (s *section) unlock() {
	atomic.StoreInt32(&s.refreshing, 0)
}

func (s *section) due(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.After(s.nextDue) || now.Equal(s.nextDue)
}

func (s *section) reschedule(now time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	if err != nil {
		s.nextDue = now.Add(FailureRefreshInterval)
	} else {
		s.nextDue = now.Add(DefaultRefreshInterval)
	}
}

// Cache is the ResourceCache (C1): a coherent, lazily-refreshed view over
// containers/queues/status-table and an auth token, each on its own refresh
// timeline, per spec.md §4.1.
type Cache struct {
	client ResourceClient
	log    zerolog.Logger
	now    func() time.Time

	resourcesSection *section
	tokenSection     *section

	snapshot atomic.Pointer[Snapshot]
	token    atomic.Pointer[string]
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger overrides the cache's logger; the default is a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithTimeProvider overrides the cache's clock, for tests.
func WithTimeProvider(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache builds a ResourceCache polling client for resource/auth discovery.
func NewCache(client ResourceClient, opts ...Option) *Cache {
	c := &Cache{
		client:           client,
		log:              zerolog.Nop(),
		now:              time.Now,
		resourcesSection: &section{},
		tokenSection:     &section{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetConfiguration returns a coherent snapshot of containers/queues/table/token,
// refreshing either section if its timer has elapsed. Concurrent callers that
// observe a due refresh but lose the try-lock race simply reuse whatever the
// winner produces (or the previous snapshot, if the winner is still in flight) —
// readers never block on a writer, per spec.md §4.1.
func (c *Cache) GetConfiguration(ctx context.Context) (Snapshot, error) {
	now := c.now()

	if c.resourcesSection.due(now) && c.resourcesSection.tryLock() {
		c.refreshResources(ctx, now)
		c.resourcesSection.unlock()
	}
	if c.tokenSection.due(now) && c.tokenSection.tryLock() {
		c.refreshToken(ctx, now)
		c.tokenSection.unlock()
	}

	snap := c.snapshot.Load()
	if snap == nil {
		return Snapshot{}, errs.ES(errs.OpResourceFetch, errs.KConfigurationUnavailable,
			"no resource snapshot is available yet")
	}

	out := *snap
	if tok := c.token.Load(); tok != nil {
		out.AuthToken = *tok
	} else {
		return out, errs.ES(errs.OpResourceFetch, errs.KConfigurationUnavailable,
			"no auth token is available yet")
	}

	if len(out.Containers) == 0 && len(out.LakeFolders) == 0 {
		return out, errs.ES(errs.OpResourceFetch, errs.KNoContainers, "no upload containers are configured")
	}
	if out.StatusTable.URL == "" {
		return out, errs.ES(errs.OpResourceFetch, errs.KNoStatusTable, "no status table is configured")
	}

	return out, nil
}

func (c *Cache) refreshResources(ctx context.Context, now time.Time) {
	raw, err := c.client.FetchIngestionResources(ctx)
	c.resourcesSection.reschedule(now, err)
	if err != nil {
		c.log.Warn().Err(err).Msg("resource refresh failed; retaining previous snapshot")
		return
	}

	snap := Snapshot{
		Containers:            parseContainers(raw.ContainerURLs, "storage"),
		LakeFolders:           parseContainers(raw.LakeFolderURLs, "lake"),
		Queues:                parseQueues(raw.QueueURLs),
		PreferredUploadMethod: raw.PreferredUploadMethod,
		MaxBlobsPerBatch:      raw.MaxBlobsPerBatch,
		fetchedAt:             now,
	}
	if raw.StatusTableURL != "" {
		if u, err := Parse(raw.StatusTableURL); err == nil {
			snap.StatusTable = TableInfo{URL: u.String(), SASToken: u.SAS().Encode()}
		}
	}

	c.snapshot.Store(&snap)
	c.log.Debug().Int("containers", len(snap.Containers)).Int("lakeFolders", len(snap.LakeFolders)).
		Msg("resource snapshot refreshed")
}

func (c *Cache) refreshToken(ctx context.Context, now time.Time) {
	tok, err := c.client.FetchAuthToken(ctx)
	c.tokenSection.reschedule(now, err)
	if err != nil {
		c.log.Warn().Err(err).Msg("auth token refresh failed; retaining previous token")
		return
	}
	c.token.Store(&tok)
}

func parseContainers(urls []string, kind string) []ContainerInfo {
	out := make([]ContainerInfo, 0, len(urls))
	for _, raw := range urls {
		u, err := Parse(raw)
		if err != nil {
			continue
		}
		out = append(out, ContainerInfo{
			URL:         u.String(),
			SASToken:    u.SAS().Encode(),
			Kind:        kind,
			AccountName: u.Account(),
		})
	}
	return out
}

func parseQueues(urls []string) []QueueInfo {
	out := make([]QueueInfo, 0, len(urls))
	for _, raw := range urls {
		u, err := Parse(raw)
		if err != nil {
			continue
		}
		out = append(out, QueueInfo{URL: u.String(), SASToken: u.SAS().Encode()})
	}
	return out
}
