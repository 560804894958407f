package state

import "sync"

// TitleSink is the session-title side channel. SetTitleIfEmpty must be a
// no-op when the session already has a title and report whether it wrote.
type TitleSink interface {
	SetTitleIfEmpty(sessionID, title string) bool
}

// TitleRegistry is an in-memory TitleSink shared across stores.
type TitleRegistry struct {
	mu     sync.RWMutex
	titles map[string]string
}

// NewTitleRegistry creates an empty registry.
func NewTitleRegistry() *TitleRegistry {
	return &TitleRegistry{titles: make(map[string]string)}
}

func (r *TitleRegistry) SetTitleIfEmpty(sessionID, title string) bool {
	if sessionID == "" || title == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.titles[sessionID]; exists {
		return false
	}
	r.titles[sessionID] = title
	return true
}

// Title returns the stored title for a session.
func (r *TitleRegistry) Title(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	title, ok := r.titles[sessionID]
	return title, ok
}
