package model

import (
	"testing"

	"github.com/tj/assert"
)

func TestKind_String(t *testing.T) {
	assert.Equal(t, "streaming", KindStreaming.String())
	assert.Equal(t, "queued", KindQueued.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}

func TestBlobState_IsTerminal(t *testing.T) {
	assert.True(t, StateSucceeded.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.True(t, StatePartiallySucceeded.IsTerminal())
	assert.True(t, StateSkippedDueToDedup.IsTerminal())
	assert.False(t, StatePending.IsTerminal())
	assert.False(t, StateInProgress.IsTerminal())
}

func TestDecodeQueuedIngestResponse(t *testing.T) {
	id, err := DecodeQueuedIngestResponse([]byte(`{"ingestionOperationId":"op-123"}`))
	assert.Nil(t, err)
	assert.Equal(t, "op-123", id)

	_, err = DecodeQueuedIngestResponse([]byte(`not json`))
	assert.NotNil(t, err)
}
