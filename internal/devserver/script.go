package devserver

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"alexwatch/internal/protocol"
)

// Script is a replayable sequence of server events for one task.
type Script struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step does exactly one of: emit an event, wait for a client control
// message, or close the connection with a code.
type Step struct {
	Emit    protocol.EventType `yaml:"emit,omitempty"`
	Payload map[string]any     `yaml:"payload,omitempty"`
	WaitFor protocol.EventType `yaml:"wait_for,omitempty"`
	Close   int                `yaml:"close,omitempty"`
	Delay   time.Duration      `yaml:"delay,omitempty"`
}

// ParseScript decodes and validates a YAML script.
func ParseScript(data []byte) (*Script, error) {
	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if err := script.Validate(); err != nil {
		return nil, err
	}
	return &script, nil
}

// LoadScript reads a script file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(data)
}

// Validate checks that every step has exactly one action.
func (s *Script) Validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("script %q has no steps", s.Name)
	}
	for i, step := range s.Steps {
		actions := 0
		if step.Emit != "" {
			actions++
		}
		if step.WaitFor != "" {
			actions++
			switch step.WaitFor {
			case protocol.EventBreakpointResume, protocol.EventBreakpointReject,
				protocol.EventBreakpointUpdate, protocol.EventTaskCancelRequest:
			default:
				return fmt.Errorf("step %d: cannot wait for %q", i, step.WaitFor)
			}
		}
		if step.Close != 0 {
			actions++
		}
		if actions != 1 {
			return fmt.Errorf("step %d: want exactly one of emit, wait_for, close", i)
		}
		if step.Payload != nil && step.Emit == "" {
			return fmt.Errorf("step %d: payload without emit", i)
		}
	}
	return nil
}

// vars are substituted into payload strings.
type vars struct {
	TaskID    string
	SessionID string
	Request   string
}

func (v vars) replacer() *strings.Replacer {
	return strings.NewReplacer(
		"${task_id}", v.TaskID,
		"${session_id}", v.SessionID,
		"${request}", v.Request,
	)
}

func render(value any, r *strings.Replacer) any {
	switch typed := value.(type) {
	case string:
		return r.Replace(typed)
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[k] = render(v, r)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, v := range typed {
			out[i] = render(v, r)
		}
		return out
	default:
		return value
	}
}

// DefaultScript plans two milestones, pauses for review before executing and
// streams a short answer.
func DefaultScript() *Script {
	script, err := ParseScript([]byte(defaultScriptYAML))
	if err != nil {
		panic(err)
	}
	return script
}

const defaultScriptYAML = `
name: review-then-write
steps:
  - emit: task_started
    payload:
      task_id: "${task_id}"
      session_id: "${session_id}"
      original_request: "${request}"
      total_milestones: 2
  - emit: milestone_started
    payload:
      task_id: "${task_id}"
      agent: planner
      message: Planning
  - emit: milestone_progress
    delay: 20ms
    payload:
      task_id: "${task_id}"
      agent: planner
      status: completed
      message: Plan ready
      details:
        milestones:
          - id: m-1
            index: 0
            title: Research
            status: pending
          - id: m-2
            index: 1
            title: Write
            status: pending
  - emit: breakpoint_hit
    payload:
      task_id: "${task_id}"
      session_id: "${session_id}"
      node_name: execute
      agent_type: executor
  - wait_for: breakpoint_resume
  - emit: milestone_progress
    payload:
      task_id: "${task_id}"
      agent: executor
      status: running
      milestone_index: 0
      message: Researching
  - emit: milestone_completed
    payload:
      task_id: "${task_id}"
      agent: executor
      milestone_index: 0
  - emit: llm_token
    payload:
      task_id: "${task_id}"
      agent: responder
      content: "Here is "
  - emit: llm_token
    delay: 10ms
    payload:
      task_id: "${task_id}"
      agent: responder
      content: "the answer."
  - emit: milestone_completed
    payload:
      task_id: "${task_id}"
      agent: responder
      milestone_index: 1
  - emit: llm_complete
    payload:
      task_id: "${task_id}"
      model: dev-model
      usage:
        input_tokens: 120
        output_tokens: 16
  - emit: task_completed
    payload:
      task_id: "${task_id}"
      session_id: "${session_id}"
      final_result: "Here is the answer."
      usage:
        input_tokens: 120
        output_tokens: 16
        cost: 0.002
`
