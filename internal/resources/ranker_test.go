package resources

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRankedAccountSet_DefaultRank(t *testing.T) {
	r := NewDefaultRankedAccountSet()

	r.Register("test-account-1")
	r.Register("test-account-2")
	r.Register("test-account-3")

	accounts := r.RankedCandidates()
	assert.Len(t, accounts, 3)
	for _, a := range accounts {
		assert.Equal(t, 1.0, a.Rank)
	}
}

func TestRankedAccountSet_Ranking(t *testing.T) {
	currentTime := int64(0)
	timeProvider := func() int64 { return currentTime }
	r := NewRankedAccountSet(6, 10, []int{90, 70, 30, 0}, timeProvider)

	r.Register("test-account-1")
	r.Register("test-account-2")
	r.Register("test-account-3")
	r.Register("test-account-4")
	r.Register("test-account-5")

	for i := 0; i < 60; i++ {
		r.RecordOutcome("test-account-1", true)      // 100% success rate
		r.RecordOutcome("test-account-2", i%10 != 0) // 90% success rate
		r.RecordOutcome("test-account-3", i%2 == 0)  // 50% success rate
		r.RecordOutcome("test-account-4", i%3 == 0)  // 33% success rate
		r.RecordOutcome("test-account-5", false)     // 0% success rate
		currentTime++
	}

	accounts := r.RankedCandidates()
	assert.Equal(t, "test-account-1", accounts[0].AccountName) // tier 1
	assert.Equal(t, "test-account-2", accounts[1].AccountName) // tier 2
	assert.Contains(t, []string{"test-account-3", "test-account-4"}, accounts[2].AccountName) // tier 3
	assert.Contains(t, []string{"test-account-3", "test-account-4"}, accounts[3].AccountName) // tier 3
	assert.Equal(t, "test-account-5", accounts[4].AccountName) // tier 4

	if rank, ok := r.Rank("test-account-1"); ok {
		assert.EqualValues(t, 100, rank*100)
	}
	if rank, ok := r.Rank("test-account-2"); ok {
		assert.EqualValues(t, 90, math.Round(rank*100))
	}
	if rank, ok := r.Rank("test-account-3"); ok {
		assert.EqualValues(t, 50, rank*100)
	}
	if rank, ok := r.Rank("test-account-4"); ok {
		assert.Greater(t, rank*100, 32.0)
	}
	if rank, ok := r.Rank("test-account-5"); ok {
		assert.EqualValues(t, 0, rank)
	}
}

func TestRankedAccountSet_LargeGapResetsToZero(t *testing.T) {
	currentTime := int64(0)
	timeProvider := func() int64 { return currentTime }
	r := NewRankedAccountSet(6, 10, []int{90, 70, 30, 0}, timeProvider)

	r.Register("test-account")
	r.RecordOutcome("test-account", true)

	currentTime += 1000 // far beyond numberOfBuckets*bucketDuration
	r.RecordOutcome("test-account", false)

	rank, ok := r.Rank("test-account")
	assert.True(t, ok)
	assert.Equal(t, 0.0, rank)
}

func TestRankedAccountSet_UnknownAccount(t *testing.T) {
	r := NewDefaultRankedAccountSet()
	_, ok := r.Rank("missing")
	assert.False(t, ok)
}
