package session

import "alexwatch/internal/state"

// Snapshot returns the most recently published view.
func (e *Engine) Snapshot() state.Snapshot {
	return *e.latest.Load()
}

// Subscribe returns a channel that receives a snapshot after each burst of
// mutations. A slow reader loses intermediate snapshots, never the latest.
func (e *Engine) Subscribe(buffer int) <-chan state.Snapshot {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan state.Snapshot, buffer)
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if e.subs == nil {
		close(ch)
		return ch
	}
	e.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func (e *Engine) Unsubscribe(ch <-chan state.Snapshot) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for sub := range e.subs {
		if sub == ch {
			delete(e.subs, sub)
			close(sub)
			return
		}
	}
}

func (e *Engine) publish() {
	snap := e.store.Snapshot()
	e.latest.Store(&snap)

	e.subMu.Lock()
	defer e.subMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (e *Engine) closeSubscribers() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for ch := range e.subs {
		close(ch)
	}
	e.subs = nil
}
