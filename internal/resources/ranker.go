package resources

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Default tuning, ported verbatim from kusto/ingest/internal/resources/ranked_storage_account_set.go.
const (
	defaultNumberOfBuckets         = 6
	defaultBucketDurationInSeconds = 10
)

var defaultTiers = [4]int{90, 70, 30, 0}

// bucket accumulates a success/total count over one bucketDuration window.
type bucket struct {
	successCount int
	totalCount   int
}

// rankedAccount tracks a sliding-window success rate for one candidate endpoint
// (a storage or lake container key), implementing AccountRanker's per-account state
// (spec.md §4.2). Ported from ranked_storage_account_set.go's RankedStorageAccount
// (not retrieved standalone, but fully specified by ranked_storage_account_set_test.go).
type rankedAccount struct {
	accountName       string
	numberOfBuckets   int
	bucketDuration    int64
	timeProvider      func() int64
	buckets           []bucket
	currentBucketIndex int
	lastActionTs      int64
}

func newRankedAccount(name string, numberOfBuckets int, bucketDuration int64, timeProvider func() int64) *rankedAccount {
	return &rankedAccount{
		accountName:     name,
		numberOfBuckets: numberOfBuckets,
		bucketDuration:  bucketDuration,
		timeProvider:    timeProvider,
		buckets:         make([]bucket, numberOfBuckets),
		lastActionTs:    timeProvider(),
	}
}

func (a *rankedAccount) getAccountName() string { return a.accountName }

// logResult advances the ring by the elapsed number of buckets, then records one
// outcome in the newest bucket, per spec.md §4.2's algorithm.
func (a *rankedAccount) logResult(success bool) {
	now := a.timeProvider()
	elapsed := now - a.lastActionTs
	advance := 0
	if elapsed > 0 {
		advance = int(elapsed / a.bucketDuration)
	}

	switch {
	case advance >= a.numberOfBuckets:
		a.buckets = make([]bucket, a.numberOfBuckets)
		a.currentBucketIndex = 0
	case advance > 0:
		for i := 0; i < advance; i++ {
			a.currentBucketIndex = (a.currentBucketIndex + 1) % a.numberOfBuckets
			a.buckets[a.currentBucketIndex] = bucket{}
		}
	}

	if advance > 0 {
		a.lastActionTs = now
	}

	cur := &a.buckets[a.currentBucketIndex]
	cur.totalCount++
	if success {
		cur.successCount++
	}
}

// getRank computes the weighted average of per-bucket success rates, weights
// decreasing from newest (N) to oldest (1); empty buckets are skipped and omit
// their weight, per spec.md §4.2. A freshly created account (all buckets empty)
// ranks 1.0.
func (a *rankedAccount) getRank() float64 {
	var weightedSum, weightTotal float64
	weight := float64(a.numberOfBuckets)

	idx := a.currentBucketIndex
	for i := 0; i < a.numberOfBuckets; i++ {
		b := a.buckets[idx]
		if b.totalCount > 0 {
			weightedSum += weight * (float64(b.successCount) / float64(b.totalCount))
			weightTotal += weight
		}
		weight--
		idx--
		if idx < 0 {
			idx = a.numberOfBuckets - 1
		}
	}

	if weightTotal == 0 {
		return 1.0
	}
	return weightedSum / weightTotal
}

// RankedAccount is the read-only view of a ranked candidate, returned from
// RankedCandidates(); AccountName is what Uploader uses to pick a container.
type RankedAccount struct {
	AccountName string
	Rank        float64
}

// RankedAccountSet ranks candidate storage/lake accounts by recent success rate
// using a sliding-window bucketed statistic (spec.md §4.2 AccountRanker, C2).
type RankedAccountSet struct {
	mu           sync.Mutex
	accounts     map[string]*rankedAccount
	numBuckets   int
	bucketDur    int64
	tiers        []int
	timeProvider func() int64
}

// NewRankedAccountSet builds a ranker with explicit tuning, for tests.
func NewRankedAccountSet(numBuckets int, bucketDuration int64, tiers []int, timeProvider func() int64) *RankedAccountSet {
	return &RankedAccountSet{
		accounts:     make(map[string]*rankedAccount),
		numBuckets:   numBuckets,
		bucketDur:    bucketDuration,
		tiers:        tiers,
		timeProvider: timeProvider,
	}
}

// NewDefaultRankedAccountSet builds a ranker with the teacher's default tuning.
func NewDefaultRankedAccountSet() *RankedAccountSet {
	return NewRankedAccountSet(defaultNumberOfBuckets, defaultBucketDurationInSeconds, defaultTiers[:], func() int64 {
		return time.Now().Unix()
	})
}

// Register ensures an account is tracked; a no-op if already registered.
func (r *RankedAccountSet) Register(accountName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[accountName]; !ok {
		r.accounts[accountName] = newRankedAccount(accountName, r.numBuckets, r.bucketDur, r.timeProvider)
	}
}

// RecordOutcome logs one (success|failure) result against an account, per
// spec.md's Testable Property 2 — Uploader records exactly one outcome per attempt.
func (r *RankedAccountSet) RecordOutcome(accountName string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if account, ok := r.accounts[accountName]; ok {
		account.logResult(success)
	}
}

// Rank returns an account's current rank, for tests and diagnostics.
func (r *RankedAccountSet) Rank(accountName string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[accountName]
	if !ok {
		return 0, false
	}
	return a.getRank(), true
}

// RankedCandidates returns all registered accounts grouped into tiers by rank
// percentage, highest tier first; within a tier accounts are sorted by rank
// (descending), and accounts of equal rank come in random order to spread
// load, per spec.md §4.2 Tie-breaks.
func (r *RankedAccountSet) RankedCandidates() []RankedAccount {
	r.mu.Lock()
	defer r.mu.Unlock()

	byTier := make([][]RankedAccount, len(r.tiers))
	for name, account := range r.accounts {
		rank := account.getRank()
		pct := int(rank * 100.0)
		for i, floor := range r.tiers {
			if pct >= floor {
				byTier[i] = append(byTier[i], RankedAccount{AccountName: name, Rank: rank})
				break
			}
		}
	}

	for _, tier := range byTier {
		rand.Shuffle(len(tier), func(i, j int) { tier[i], tier[j] = tier[j], tier[i] })
		sort.SliceStable(tier, func(i, j int) bool { return tier[i].Rank > tier[j].Rank })
	}

	var out []RankedAccount
	for _, tier := range byTier {
		out = append(out, tier...)
	}
	return out
}
