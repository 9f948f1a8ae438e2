package attendance

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StatusPresent is the status tag of every event produced by the pipeline.
const StatusPresent = "present"

// Event is an immutable record of one accepted attendance mark.
type Event struct {
	ID         uuid.UUID `json:"id"`
	IdentityID string    `json:"identity_id"`
	Name       string    `json:"name"`
	Confidence float64   `json:"confidence"`
	Liveness   float64   `json:"liveness_confidence"`
	Status     string    `json:"status"`
	Source     string    `json:"source,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEvent creates a "present" event with a fresh id.
func NewEvent(identityID, name string, confidence, liveness float64, ts time.Time, source string) Event {
	return Event{
		ID:         uuid.New(),
		IdentityID: identityID,
		Name:       name,
		Confidence: confidence,
		Liveness:   liveness,
		Status:     StatusPresent,
		Source:     source,
		Timestamp:  ts,
	}
}

// Log keeps the most recent event per identity.
type Log struct {
	mu     sync.RWMutex
	latest map[string]Event
}

// NewLog returns an empty Log.
func NewLog() *Log {
	return &Log{latest: make(map[string]Event)}
}

// Put records e as the latest event of its identity.
func (l *Log) Put(e Event) {
	l.mu.Lock()
	l.latest[e.IdentityID] = e
	l.mu.Unlock()
}

// Forget drops the entry of one identity.
func (l *Log) Forget(id string) {
	l.mu.Lock()
	delete(l.latest, id)
	l.mu.Unlock()
}

// Reset empties the log.
func (l *Log) Reset() {
	l.mu.Lock()
	l.latest = make(map[string]Event)
	l.mu.Unlock()
}

// Entries returns the latest event per identity, oldest first.
func (l *Log) Entries() []Event {
	l.mu.RLock()
	out := make([]Event, 0, len(l.latest))
	for _, e := range l.latest {
		out = append(out, e)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].IdentityID < out[j].IdentityID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
