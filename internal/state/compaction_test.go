package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alexwatch/internal/protocol"
)

func at(offset time.Duration) *time.Time {
	t := baseTime.Add(offset)
	return &t
}

func TestCompactHistoryPrefersCompletedWithinBucket(t *testing.T) {
	entries := []Activity{
		{Agent: protocol.AgentPlanner, Status: ActivityRunning, StartedAt: at(0)},
		{Agent: protocol.AgentPlanner, Status: ActivityCompleted, StartedAt: at(300 * time.Millisecond)},
		{Agent: protocol.AgentExecutor, Status: ActivityRunning, StartedAt: at(2 * time.Second)},
		{Agent: protocol.AgentExecutor, Status: ActivityRunning, StartedAt: at(5 * time.Second)},
	}

	out, hidden := CompactHistory(entries, 0, false)
	require.Len(t, out, 3)
	assert.Zero(t, hidden)
	assert.Equal(t, at(5*time.Second), out[0].StartedAt)
	assert.Equal(t, at(2*time.Second), out[1].StartedAt)
	assert.Equal(t, protocol.AgentPlanner, out[2].Agent)
	assert.Equal(t, ActivityCompleted, out[2].Status)
}

func TestCompactHistoryLimitAndShowAll(t *testing.T) {
	var entries []Activity
	for i := 0; i < 5; i++ {
		entries = append(entries, Activity{Agent: protocol.AgentExecutor, Status: ActivityCompleted, StartedAt: at(time.Duration(i) * time.Second)})
	}

	out, hidden := CompactHistory(entries, 2, false)
	assert.Len(t, out, 2)
	assert.Equal(t, 3, hidden)

	out, hidden = CompactHistory(entries, 2, true)
	assert.Len(t, out, 5)
	assert.Zero(t, hidden)
}
