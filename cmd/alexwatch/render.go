package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"

	"alexwatch/internal/protocol"
	"alexwatch/internal/state"
)

// isTTY checks if the current environment has a TTY available
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func DeepError(msg string) string {
	return red("error: " + msg)
}

func DeepStatus(msg string) string {
	return blue(msg)
}

// RenderOptions tunes a Renderer.
type RenderOptions struct {
	Color bool
	// HistoryLimit caps the messages shown on the first snapshot. Zero shows
	// everything.
	HistoryLimit int
	ShowAll      bool
}

// Renderer prints the difference between successive snapshots as a
// line-oriented transcript.
type Renderer struct {
	out  io.Writer
	opts RenderOptions

	human, assistant, system, status, warn, fail *color.Color

	mu        sync.Mutex
	started   bool
	midLine   bool
	printed   map[string]string
	finished  map[string]bool
	title     string
	phase     string
	activity  string
	paused    bool
	lastError string
	opError   string
}

// NewRenderer writes to out.
func NewRenderer(out io.Writer, opts RenderOptions) *Renderer {
	r := &Renderer{
		out:       out,
		opts:      opts,
		human:     color.New(color.FgCyan, color.Bold),
		assistant: color.New(color.Reset),
		system:    color.New(color.FgHiBlack),
		status:    color.New(color.FgBlue),
		warn:      color.New(color.FgYellow),
		fail:      color.New(color.FgRed),
		printed:   make(map[string]string),
		finished:  make(map[string]bool),
	}
	for _, c := range []*color.Color{r.human, r.assistant, r.system, r.status, r.warn, r.fail} {
		if opts.Color {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return r
}

// Notice prints an informational line.
func (r *Renderer) Notice(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.line(r.status, msg)
}

// Error prints a command failure.
func (r *Renderer) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.line(r.fail, "error: "+err.Error())
}

// Render prints whatever changed since the previous snapshot.
func (r *Renderer) Render(snap state.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		r.started = true
		r.skipHistory(snap.Messages)
	}
	if snap.Title != "" && snap.Title != r.title {
		r.title = snap.Title
		r.line(r.status, "# "+snap.Title)
	}
	if snap.ConnectionPhase != "" && snap.ConnectionPhase != r.phase {
		r.phase = snap.ConnectionPhase
		r.line(r.system, "["+snap.ConnectionPhase+"]")
	}
	for i := range snap.Messages {
		r.renderMessage(&snap.Messages[i])
	}
	r.renderActivity(snap.Activity)
	r.renderBreakpoint(snap.Breakpoint)
	if snap.LastError != r.lastError {
		r.lastError = snap.LastError
		if snap.LastError != "" {
			r.line(r.fail, snap.LastError)
		}
	}
	if snap.OperationError != r.opError {
		r.opError = snap.OperationError
		if snap.OperationError != "" {
			r.line(r.fail, "operation failed: "+snap.OperationError)
		}
	}
}

func (r *Renderer) skipHistory(messages []state.Message) {
	if r.opts.ShowAll || r.opts.HistoryLimit <= 0 || len(messages) <= r.opts.HistoryLimit {
		return
	}
	hidden := len(messages) - r.opts.HistoryLimit
	for _, msg := range messages[:hidden] {
		r.finished[msg.ID] = true
	}
	r.line(r.system, fmt.Sprintf("... %d earlier messages", hidden))
}

func (r *Renderer) renderMessage(msg *state.Message) {
	if r.finished[msg.ID] {
		return
	}
	switch msg.Role {
	case state.RoleHuman:
		r.line(r.human, "> "+msg.Content)
		r.finished[msg.ID] = true
	case state.RoleSystem:
		r.line(r.system, msg.Content)
		r.finished[msg.ID] = true
	default:
		prev := r.printed[msg.ID]
		delta := strings.TrimPrefix(msg.Content, prev)
		if !strings.HasPrefix(msg.Content, prev) {
			// Content was replaced, e.g. by the cancelled or failed marker.
			r.endLine()
			delta = msg.Content
		}
		if delta != "" {
			r.assistant.Fprint(r.out, delta)
			r.midLine = !strings.HasSuffix(delta, "\n")
			r.printed[msg.ID] = msg.Content
		}
		if !msg.Streaming {
			r.finished[msg.ID] = true
			r.endLine()
			if summary := milestoneSummary(msg.Milestones); summary != "" {
				r.line(r.system, summary)
			}
			if msg.Usage != nil && msg.Usage.Tokens() > 0 {
				r.line(r.system, fmt.Sprintf("tokens %d (in %d, out %d)", msg.Usage.Tokens(), msg.Usage.InputTokens, msg.Usage.OutputTokens))
			}
		}
	}
}

func (r *Renderer) renderActivity(a *state.Activity) {
	text := ""
	if a != nil {
		text = fmt.Sprintf("%s: %s", a.Agent, a.Status)
		if a.Message != "" {
			text += " - " + a.Message
		}
	}
	if text == r.activity {
		return
	}
	r.activity = text
	if text != "" {
		r.line(r.system, "· "+text)
	}
}

func (r *Renderer) renderBreakpoint(bp *state.Breakpoint) {
	paused := bp != nil
	if paused == r.paused {
		return
	}
	r.paused = paused
	if !paused {
		return
	}
	where := bp.NodeName
	if bp.AgentType != "" {
		where = fmt.Sprintf("%s (%s)", where, bp.AgentType)
	}
	r.line(r.warn, fmt.Sprintf("paused before %s. Enter resumes, /reject <feedback> re-runs, /cancel stops.", where))
}

func (r *Renderer) endLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

func (r *Renderer) line(c *color.Color, text string) {
	r.endLine()
	c.Fprintln(r.out, text)
}

func milestoneSummary(milestones []state.Milestone) string {
	if len(milestones) == 0 {
		return ""
	}
	passed := 0
	for _, m := range milestones {
		if m.Status == protocol.MilestonePassed {
			passed++
		}
	}
	return fmt.Sprintf("milestones %d/%d passed", passed, len(milestones))
}
