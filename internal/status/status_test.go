package status

import (
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"

	"github.com/clusterdb/ingest/internal/model"
)

func TestIngestionStatus_ToBlobState(t *testing.T) {
	cases := []struct {
		in   IngestionStatus
		want model.BlobState
	}{
		{Succeeded, model.StateSucceeded},
		{Failed, model.StateFailed},
		{PartiallySucceeded, model.StatePartiallySucceeded},
		{Skipped, model.StateSkippedDueToDedup},
		{Queued, model.StateInProgress},
		{Pending, model.StateInProgress},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.in.ToBlobState())
	}
}

func TestIngestionFailureStatus_ToModel(t *testing.T) {
	cases := []struct {
		in   IngestionFailureStatus
		want model.FailureStatus
	}{
		{FailurePermanent, model.FailurePermanent},
		{FailureTransient, model.FailureTransient},
		{FailureExhausted, model.FailureExhausted},
		{FailureUnknown, model.FailureUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.in.ToModel())
	}
}

func TestRecord_ToBlobStatus(t *testing.T) {
	now := time.Now().UTC()
	rec := Record{
		SourceID:      "src-1",
		OperationID:   "op-1",
		Status:        Failed,
		UpdatedOn:     now,
		ErrorCode:     42,
		FailureStatus: FailureTransient,
		Details:       "disk full",
	}
	want := model.BlobStatus{
		SourceID:      "src-1",
		Status:        model.StateFailed,
		LastUpdatedAt: now,
		ErrorCode:     "42",
		FailureStatus: model.FailureTransient,
		Details:       "disk full",
	}
	if diff := pretty.Compare(want, rec.ToBlobStatus()); diff != "" {
		t.Errorf("ToBlobStatus() mismatch (-want +got):\n%s", diff)
	}
}
