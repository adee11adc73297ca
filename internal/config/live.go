package config

import "sync"

// Live holds the most recently loaded event config. The fsnotify watcher
// and the reload endpoint swap in replacements without a restart; readers
// always see a complete document.
type Live struct {
	mu sync.RWMutex
	ef *EventFile
}

func NewLive(ef *EventFile) *Live {
	return &Live{ef: ef}
}

// Snapshot returns the current document. Callers must not modify it.
func (l *Live) Snapshot() *EventFile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ef
}

// Ranges returns the named frequency ranges of the current document.
func (l *Live) Ranges() map[string]FrequencyRange {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.ef == nil {
		return nil
	}
	return l.ef.Ranges
}

// Swap replaces the held document and returns the previous one.
func (l *Live) Swap(ef *EventFile) *EventFile {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.ef
	l.ef = ef
	return prev
}
