package async

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Error(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func TestGoLogsPanic(t *testing.T) {
	logger := &recordingLogger{}
	Go(logger, "dispatch", func() { panic("boom") })

	assert.Eventually(t, func() bool {
		return logger.contains("goroutine [dispatch] panic: boom")
	}, time.Second, 5*time.Millisecond)
}

func TestAfterFuncLogsPanic(t *testing.T) {
	logger := &recordingLogger{}
	timer := AfterFunc(logger, "refresh", 5*time.Millisecond, func() { panic("late") })
	defer timer.Stop()

	assert.Eventually(t, func() bool {
		return logger.contains("goroutine [refresh] panic: late")
	}, time.Second, 5*time.Millisecond)
}

func TestRecoverWithoutLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		defer Recover(nil, "")
		panic("boom")
	})
}
