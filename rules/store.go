package rules

import (
	"sync"
	"time"
)

// Store is the append-only rule history. Installed rules are immutable;
// an update is a new rule appended behind the old one. Lookup resolves the
// most recent rule whose validity interval contains the query instant.
type Store struct {
	mu      sync.RWMutex
	history []*Rule
}

func NewStore() *Store {
	return &Store{}
}

// Install validates and appends a rule. Rejected rules leave the store
// unchanged and return the validation error for event logging.
func (s *Store) Install(r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, r)
	return nil
}

// Current returns the most recently installed rule active at the given
// instant, or nil when every rule has expired (rule-expired mode: the
// engine takes no new entries but keeps managing open positions by their
// rule snapshots).
func (s *Store) Current(at time.Time) *Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Active(at) {
			return s.history[i]
		}
	}
	return nil
}

// Latest returns the newest installed rule regardless of validity.
func (s *Store) Latest() *Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return nil
	}
	return s.history[len(s.history)-1]
}

// History returns the installed rules in order of installation.
func (s *Store) History() []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Rule, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}
