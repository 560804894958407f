package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"alexwatch/internal/protocol"
	"alexwatch/internal/state"
)

func TestRendererStreamsDeltas(t *testing.T) {
	var out bytes.Buffer
	r := NewRenderer(&out, RenderOptions{})

	human := state.Message{ID: "h1", Role: state.RoleHuman, Content: "hello"}
	reply := state.Message{ID: "a1", Role: state.RoleAssistant, Content: "Hi", Streaming: true}
	r.Render(state.Snapshot{Title: "hello", ConnectionPhase: "connected", Messages: []state.Message{human, reply}})

	reply.Content = "Hi there"
	r.Render(state.Snapshot{Title: "hello", ConnectionPhase: "connected", Messages: []state.Message{human, reply}})

	reply.Streaming = false
	reply.Usage = &protocol.Usage{InputTokens: 3, OutputTokens: 2}
	reply.Milestones = []state.Milestone{{ID: "m-1", Status: protocol.MilestonePassed}, {ID: "m-2"}}
	r.Render(state.Snapshot{Title: "hello", ConnectionPhase: "connected", Messages: []state.Message{human, reply}})

	assert.Equal(t, "# hello\n[connected]\n> hello\nHi there\nmilestones 1/2 passed\ntokens 5 (in 3, out 2)\n", out.String())
}

func TestRendererReplacedContent(t *testing.T) {
	var out bytes.Buffer
	r := NewRenderer(&out, RenderOptions{})

	reply := state.Message{ID: "a1", Role: state.RoleAssistant, Content: "partial", Streaming: true}
	r.Render(state.Snapshot{Messages: []state.Message{reply}})
	reply.Content = state.CancelledMarker
	reply.Streaming = false
	r.Render(state.Snapshot{Messages: []state.Message{reply}})

	assert.Equal(t, "partial\n"+state.CancelledMarker+"\n", out.String())
}

func TestRendererHistoryLimit(t *testing.T) {
	var out bytes.Buffer
	r := NewRenderer(&out, RenderOptions{HistoryLimit: 1})

	r.Render(state.Snapshot{Messages: []state.Message{
		{ID: "1", Role: state.RoleHuman, Content: "old"},
		{ID: "2", Role: state.RoleHuman, Content: "older"},
		{ID: "3", Role: state.RoleHuman, Content: "new"},
	}})

	assert.Equal(t, "... 2 earlier messages\n> new\n", out.String())
}

func TestRendererBreakpointAndErrors(t *testing.T) {
	var out bytes.Buffer
	r := NewRenderer(&out, RenderOptions{})

	bp := &state.Breakpoint{TaskID: "t1", NodeName: "execute", AgentType: "executor"}
	r.Render(state.Snapshot{Breakpoint: bp})
	r.Render(state.Snapshot{Breakpoint: bp})
	r.Render(state.Snapshot{OperationError: "queue full"})
	r.Error(errors.New("boom"))

	assert.Equal(t,
		"paused before execute (executor). Enter resumes, /reject <feedback> re-runs, /cancel stops.\n"+
			"operation failed: queue full\n"+
			"error: boom\n",
		out.String())
}

func TestRendererActivity(t *testing.T) {
	var out bytes.Buffer
	r := NewRenderer(&out, RenderOptions{})

	activity := &state.Activity{Agent: "planner", Status: state.ActivityRunning, Message: "Planning"}
	r.Render(state.Snapshot{Activity: activity})
	r.Render(state.Snapshot{Activity: activity})

	assert.Equal(t, "· planner: running - Planning\n", out.String())
}
