package engine

import (
	"fmt"
	"sync"
	"time"

	"modver/internal/model"
)

// Registry records the version established for each key during a run.
// The first recorded version wins.
type Registry[K comparable] struct {
	versions map[K]model.Version
	order    []K
}

// NewRegistry creates an empty registry.
func NewRegistry[K comparable]() *Registry[K] {
	return &Registry[K]{versions: make(map[K]model.Version)}
}

// Lookup returns the version recorded for k.
func (r *Registry[K]) Lookup(k K) (model.Version, bool) {
	v, ok := r.versions[k]
	return v, ok
}

// Record stores v for k unless k is already recorded. It reports whether v
// was stored.
func (r *Registry[K]) Record(k K, v model.Version) bool {
	if _, ok := r.versions[k]; ok {
		return false
	}
	r.versions[k] = v
	r.order = append(r.order, k)
	return true
}

// Len returns the number of recorded keys.
func (r *Registry[K]) Len() int {
	return len(r.versions)
}

// Keys returns the recorded keys in recording order.
func (r *Registry[K]) Keys() []K {
	return append([]K(nil), r.order...)
}

// Transitions lists the recorded entries in recording order.
func (r *Registry[K]) Transitions() []Transition {
	out := make([]Transition, 0, r.Len())
	for _, k := range r.Keys() {
		out = append(out, Transition{Subject: fmt.Sprint(k), Version: r.versions[k]})
	}
	return out
}

// Action is one durable, state-changing operation performed by a job.
type Action struct {
	Seq           int
	RunID         string
	Job           string
	ModuleVersion model.ModuleVersion
	Description   string
	At            time.Time
}

// ActionRecorder persists actions as they are appended.
type ActionRecorder interface {
	RecordAction(a Action) error
}

// ActionLog is the append-only list of actions performed in a run.
type ActionLog struct {
	mu       sync.Mutex
	entries  []Action
	recorder ActionRecorder
}

// NewActionLog creates an action log. recorder may be nil.
func NewActionLog(recorder ActionRecorder) *ActionLog {
	return &ActionLog{recorder: recorder}
}

// Append adds an action and forwards it to the recorder.
func (l *ActionLog) Append(a Action) error {
	l.mu.Lock()
	a.Seq = len(l.entries) + 1
	if a.At.IsZero() {
		a.At = time.Now()
	}
	l.entries = append(l.entries, a)
	l.mu.Unlock()

	if l.recorder != nil {
		return l.recorder.RecordAction(a)
	}
	return nil
}

// Entries returns a copy of the recorded actions.
func (l *ActionLog) Entries() []Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Action(nil), l.entries...)
}
