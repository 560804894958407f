package state

import (
	"regexp"
	"strings"
)

// FallbackResult is shown when nothing readable survives CleanFinalResult.
const FallbackResult = "Task completed. See the generated artifacts for the full result."

const inlineCodeLimit = 40

var (
	closedBacktickFence = regexp.MustCompile("(?s)```.*?```")
	closedTildeFence    = regexp.MustCompile("(?s)~~~.*?~~~")
	openBacktickFence   = regexp.MustCompile("(?s)```.*$")
	openTildeFence      = regexp.MustCompile("(?s)~~~.*$")
	blankRun            = regexp.MustCompile(`\n{3,}`)
)

// CleanFinalResult derives the display string for a completed task. Applying
// it to its own output returns the same string.
func CleanFinalResult(raw string) string {
	text := raw
	// Every pass only removes text, so this reaches a fixed point.
	for {
		next := cleanPass(text)
		if next == text {
			break
		}
		text = next
	}
	if text == "" {
		return FallbackResult
	}
	return text
}

func cleanPass(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	text = closedBacktickFence.ReplaceAllString(text, "")
	text = closedTildeFence.ReplaceAllString(text, "")
	text = openBacktickFence.ReplaceAllString(text, "")
	text = openTildeFence.ReplaceAllString(text, "")

	text = stripInlineCode(text)

	text = blankRun.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// stripInlineCode drops code spans that look like paths or are too long to
// read inline. A span opens with a run of backticks and closes with a run of
// the same length on the same line; an unmatched run is plain text.
func stripInlineCode(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	i := 0
	for i < len(text) {
		if text[i] != '`' {
			b.WriteByte(text[i])
			i++
			continue
		}
		n := backtickRun(text, i)
		bodyStart := i + n
		end := closingRun(text, bodyStart, n)
		if end < 0 {
			b.WriteString(text[i:bodyStart])
			i = bodyStart
			continue
		}
		body := text[bodyStart:end]
		if !strings.ContainsAny(body, `/\`) && len([]rune(body)) <= inlineCodeLimit {
			b.WriteString(text[i : end+n])
		}
		i = end + n
	}
	return b.String()
}

func backtickRun(text string, at int) int {
	n := 0
	for at+n < len(text) && text[at+n] == '`' {
		n++
	}
	return n
}

// closingRun returns the index of the first run of exactly n backticks at or
// after from, or -1 when a newline comes first.
func closingRun(text string, from, n int) int {
	for j := from; j < len(text); {
		switch text[j] {
		case '\n':
			return -1
		case '`':
			run := backtickRun(text, j)
			if run == n {
				return j
			}
			j += run
		default:
			j++
		}
	}
	return -1
}
