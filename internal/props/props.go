// Package props implements the run-scoped property store. Values set during
// a run live in memory; persisted operator defaults and configured defaults
// are consulted underneath.
package props

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Defaults is a persisted property layer.
type Defaults interface {
	GetProperty(scope, key string) (string, bool, error)
}

type scopedKey struct {
	scope string
	key   string
}

// Store layers run values over persisted and configured defaults.
type Store struct {
	mu         sync.RWMutex
	run        map[scopedKey]string
	persisted  Defaults
	configured map[string]string
	log        logrus.FieldLogger
}

// New creates a store. persisted and configured may be nil. configured
// values apply to every scope.
func New(persisted Defaults, configured map[string]string, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{
		run:        make(map[scopedKey]string),
		persisted:  persisted,
		configured: configured,
		log:        log,
	}
}

// Get returns the value of key in scope.
func (s *Store) Get(scope, key string) (string, bool) {
	s.mu.RLock()
	v, ok := s.run[scopedKey{scope, key}]
	s.mu.RUnlock()
	if ok {
		return v, true
	}

	if s.persisted != nil {
		v, ok, err := s.persisted.GetProperty(scope, key)
		if err != nil {
			s.log.Warnf("reading persisted property %s/%s: %v", scope, key, err)
		} else if ok {
			return v, true
		}
	}

	if scope == "" {
		v, ok := s.configured[key]
		return v, ok
	}
	return "", false
}

// Set stores value for the rest of the run.
func (s *Store) Set(scope, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run[scopedKey{scope, key}] = value
	return nil
}

// Snapshot returns the values set during the run, keyed "scope/key" (or
// "key" for the global scope).
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.run))
	for k, v := range s.run {
		name := k.key
		if k.scope != "" {
			name = k.scope + "/" + k.key
		}
		out[name] = v
	}
	return out
}
