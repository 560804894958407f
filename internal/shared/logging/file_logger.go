package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"
)

const (
	logDirEnvVar   = "ALEXWATCH_LOG_DIR"
	logLevelEnvVar = "ALEXWATCH_LOG_LEVEL"
	logFileName    = "alexwatch.log"
	redacted       = "[REDACTED]"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a textual level to a Level, defaulting to info.
func ParseLevel(value string) Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type sink struct {
	mu     sync.Mutex
	logger *log.Logger
	level  Level
}

var (
	sharedSink     *sink
	sharedSinkOnce sync.Once
)

func defaultSink() *sink {
	sharedSinkOnce.Do(func() {
		sharedSink = &sink{level: ParseLevel(os.Getenv(logLevelEnvVar))}
		dir, err := resolveLogDirectory()
		if err != nil {
			log.Printf("Failed to resolve log directory: %v", err)
			return
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Printf("Failed to create log directory %s: %v", dir, err)
			return
		}
		file, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Printf("Failed to open log file: %v", err)
			return
		}
		sharedSink.logger = log.New(file, "", 0)
	})
	return sharedSink
}

func resolveLogDirectory() (string, error) {
	if override := strings.TrimSpace(os.Getenv(logDirEnvVar)); override != "" {
		return override, nil
	}
	return os.UserHomeDir()
}

// SetLevel changes the minimum level of the shared file logger.
func SetLevel(level Level) {
	s := defaultSink()
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
}

// ComponentLogger writes formatted lines tagged with a component name.
type ComponentLogger struct {
	sink      *sink
	component string
}

func newComponentLogger(component string) *ComponentLogger {
	return &ComponentLogger{sink: defaultSink(), component: component}
}

// NewWriterLogger builds a component logger writing to w, used by the CLI
// when a log file is not wanted and by tests.
func NewWriterLogger(w io.Writer, component string, level Level) *ComponentLogger {
	return &ComponentLogger{
		sink:      &sink{logger: log.New(w, "", 0), level: level},
		component: component,
	}
}

func (l *ComponentLogger) log(level Level, format string, args ...any) {
	if l == nil || l.sink == nil {
		return
	}
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if level < l.sink.level || l.sink.logger == nil {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}
	component := l.component
	if component == "" {
		component = "alexwatch"
	}

	// Format: 2025-09-30 12:34:56 [INFO] [component] file.go:123 - message
	message := fmt.Sprintf(format, args...)
	entry := fmt.Sprintf("%s [%s] [%s] %s:%d - %s",
		time.Now().Format("2006-01-02 15:04:05"), level, component, file, line, message)
	l.sink.logger.Print(Sanitize(entry))
}

func (l *ComponentLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *ComponentLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *ComponentLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *ComponentLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

var (
	queryTokenPattern  = regexp.MustCompile(`(?i)([?&](?:token|access_token)=)([^&\s"']+)`)
	bearerTokenPattern = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
	keyValuePattern    = regexp.MustCompile(
		`(?i)((?:"|')?(?:access[_-]?token|refresh[_-]?token|token|secret|password)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;&]+)((?:"|')?)`,
	)
)

// Sanitize redacts credentials from a log line. Connection URLs carry the
// token as a query parameter, so those are covered first.
func Sanitize(line string) string {
	line = queryTokenPattern.ReplaceAllString(line, "${1}"+redacted)
	line = bearerTokenPattern.ReplaceAllString(line, "${1}"+redacted)
	return keyValuePattern.ReplaceAllStringFunc(line, func(match string) string {
		sub := keyValuePattern.FindStringSubmatch(match)
		if len(sub) != 4 || sub[2] == redacted {
			return match
		}
		return sub[1] + redacted + sub[3]
	})
}
