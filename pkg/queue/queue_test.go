package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaused(t *testing.T) {
	assert.True(t, Paused(RunStatusPausedBatch))
	assert.True(t, Paused(RunStatusPausedCheckpoint))
	assert.True(t, Paused(RunStatusStopped))
	assert.False(t, Paused(RunStatusRunning))
	assert.False(t, Paused(RunStatusCompleted))
	assert.False(t, Paused(RunStatusBatchSubmitted))
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(RunStatusCompleted))
	assert.True(t, Terminal(RunStatusFailed))
	assert.False(t, Terminal(RunStatusStopped))
	assert.False(t, Terminal(RunStatusRunning))
}
