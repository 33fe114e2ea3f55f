package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Hikari-project/FD-Reid/internal/flow"
)

func TestCountersCooldown(t *testing.T) {
	c := NewCounters(30 * time.Minute)
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		c.Add(flow.KindEnter, 7, start.Add(time.Duration(i)*5*time.Minute))
	}
	assert.Equal(t, int64(1), c.Snapshot().Enter)

	// a different type for the same identity has its own window
	assert.True(t, c.Add(flow.KindExit, 7, start.Add(time.Minute)))

	// the window runs from the last counted event
	assert.False(t, c.Add(flow.KindEnter, 7, start.Add(29*time.Minute)))
	assert.True(t, c.Add(flow.KindEnter, 7, start.Add(30*time.Minute)))
	assert.Equal(t, Counts{Enter: 2, Exit: 1}, c.Snapshot())
}

func TestCountersUnresolvedNeverDeduplicated(t *testing.T) {
	c := NewCounters(30 * time.Minute)
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		assert.True(t, c.Add(flow.KindPass, -1, at))
	}
	assert.Equal(t, int64(4), c.Snapshot().Pass)
}

func TestCountersResetAndPrune(t *testing.T) {
	c := NewCounters(time.Minute)
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	c.Add(flow.KindReEnter, 1, at)
	c.Add(flow.KindEnter, 2, at)

	c.Prune(at.Add(2 * time.Minute))
	assert.Empty(t, c.last)

	c.Reset()
	assert.Equal(t, Counts{}, c.Snapshot())
	assert.True(t, c.Add(flow.KindEnter, 2, at))
}
