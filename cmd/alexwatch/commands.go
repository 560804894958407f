package main

import (
	"strings"
)

// CommandKind identifies a line typed by the user.
type CommandKind int

const (
	CommandNone CommandKind = iota
	CommandTask
	CommandResume
	CommandReject
	CommandCancel
	CommandPolicy
	CommandReconnect
	CommandHelp
	CommandQuit
	CommandUnknown
)

// Command is one parsed input line.
type Command struct {
	Kind CommandKind
	Arg  string
	Raw  string
}

const helpText = `commands:
  <text>              start a follow-up task (resume input while paused)
  /resume [input]     release the breakpoint
  /reject [feedback]  re-run with feedback; no feedback cancels
  /cancel             stop the active task
  /policy <level>     pause at off, milestone or agent boundaries
  /reconnect          retry the stream after it gave up
  /quit               exit`

// ParseCommand interprets a line. While paused, plain text and an empty line
// resume the task.
func ParseCommand(line string, paused bool) Command {
	raw := strings.TrimSpace(line)
	if !strings.HasPrefix(raw, "/") {
		switch {
		case paused:
			return Command{Kind: CommandResume, Arg: raw, Raw: raw}
		case raw == "":
			return Command{Kind: CommandNone}
		default:
			return Command{Kind: CommandTask, Arg: raw, Raw: raw}
		}
	}

	name, arg, _ := strings.Cut(strings.TrimPrefix(raw, "/"), " ")
	arg = strings.TrimSpace(arg)
	cmd := Command{Arg: arg, Raw: raw}
	switch strings.ToLower(name) {
	case "resume", "r":
		cmd.Kind = CommandResume
	case "reject":
		cmd.Kind = CommandReject
	case "cancel", "stop":
		cmd.Kind = CommandCancel
	case "policy":
		cmd.Kind = CommandPolicy
		cmd.Arg = strings.ToLower(arg)
	case "reconnect":
		cmd.Kind = CommandReconnect
	case "help", "?":
		cmd.Kind = CommandHelp
	case "quit", "exit", "q":
		cmd.Kind = CommandQuit
	default:
		cmd.Kind = CommandUnknown
	}
	return cmd
}
