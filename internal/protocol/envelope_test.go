package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	jsonx "alexwatch/internal/shared/json"
)

func TestDecodeEnvelope(t *testing.T) {
	frame := []byte(`{"type":"llm_token","payload":{"task_id":"t1","content":"he"},"timestamp":"2025-01-02T03:04:05.123Z","request_id":"r-1"}`)

	env, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, EventTokenChunk, env.Type)
	require.Equal(t, "r-1", env.RequestID)
	require.Equal(t, 123*time.Millisecond, time.Duration(env.Timestamp.Nanosecond()))

	payload, err := jsonx.Decode[TokenChunkPayload](env.Payload)
	require.NoError(t, err)
	require.Equal(t, "he", payload.Content)
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.Error(t, err)

	_, err = Decode([]byte(`{"payload":{}}`))
	require.ErrorIs(t, err, ErrMissingType)

	_, err = Decode([]byte(`{"type":"pong","timestamp":"yesterday"}`))
	require.Error(t, err)
}

func TestEncodeRoundTripPreservesFields(t *testing.T) {
	env := NewResume("task-1", "looks good")
	data, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, EventBreakpointResume, decoded.Type)
	require.NotEmpty(t, decoded.RequestID)
	require.Equal(t, env.RequestID, decoded.RequestID)

	payload, err := jsonx.Decode[ResumePayload](decoded.Payload)
	require.NoError(t, err)
	require.Equal(t, ResumePayload{TaskID: "task-1", UserInput: "looks good"}, payload)
}

func TestProgressDetailsKeepsExtraFields(t *testing.T) {
	raw := []byte(`{"task_id":"t","agent":"planner","status":"completed","details":{"milestones":[{"index":0,"title":"a"}],"reasoning":"why"}}`)
	payload, err := jsonx.Decode[MilestoneProgressPayload](raw)
	require.NoError(t, err)
	require.NotNil(t, payload.Details)
	require.Len(t, payload.Details.Milestones, 1)
	require.Equal(t, "why", payload.Details.Extra["reasoning"])
	require.NotContains(t, payload.Details.Extra, "milestones")
}

func TestEnumParsing(t *testing.T) {
	status, ok := ParseMilestoneStatus("In-Progress")
	require.True(t, ok)
	require.Equal(t, MilestoneInProgress, status)

	_, ok = ParseMilestoneStatus("")
	require.False(t, ok)

	require.Equal(t, AgentQualityChecker, ParseAgentType("QA"))
	require.Equal(t, AgentType("researcher"), ParseAgentType("Researcher"))
	require.Equal(t, ComplexityContextHeavy, ParseComplexity("context-heavy"))
	require.Equal(t, ComplexityModerate, ParseComplexity("???"))

	progress, ok := ParseProgressStatus("passed")
	require.True(t, ok)
	require.True(t, progress.Terminal())
	require.Less(t, MilestonePending.Rank(), MilestonePassed.Rank())
}
