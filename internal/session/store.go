package session

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/gangaprasad29/remote-interview/backend/internal/protocol"
)

// State is the last-known editing state of one session. Output is an opaque
// execution result; nil means the code has never been run.
type State struct {
	Code      string
	Language  string
	Output    json.RawMessage
	UpdatedAt time.Time
}

type entry struct {
	mu    sync.Mutex
	state State
}

// Store holds per-session state in memory. Entries are created lazily on the
// first accepted write and live until ended, evicted, or process exit. Each
// entry has its own lock so unrelated sessions never serialize; the outer
// lock only guards the map itself.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	journal *Journal // nil when journaling is disabled
	log     *slog.Logger
}

// NewStore creates a store. journal may be nil. If a journal is supplied,
// previously persisted sessions are loaded so restarts warm-start; journal
// failures are logged and never fail the caller.
func NewStore(journal *Journal, log *slog.Logger) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		journal: journal,
		log:     log,
	}
	if journal != nil {
		states, err := journal.LoadAll()
		if err != nil {
			log.Warn("session.journal.load", "err", err)
			return s
		}
		for id, st := range states {
			s.entries[id] = &entry{state: st}
		}
		if len(states) > 0 {
			log.Info("session.journal.restored", "sessions", len(states))
		}
	}
	return s
}

func (s *Store) get(sessionID string) *entry {
	s.mu.RLock()
	e := s.entries[sessionID]
	s.mu.RUnlock()
	if e != nil {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e = s.entries[sessionID]; e == nil {
		e = &entry{}
		s.entries[sessionID] = e
	}
	return e
}

// SetCode replaces the session's code. A non-empty language replaces the
// stored language as well; an empty one leaves it untouched.
func (s *Store) SetCode(sessionID, code, language string) {
	e := s.get(sessionID)
	e.mu.Lock()
	e.state.Code = code
	if language != "" {
		e.state.Language = language
	}
	e.state.UpdatedAt = time.Now()
	st := e.state
	e.mu.Unlock()

	s.persist(sessionID, st)
}

// SetLanguage replaces the session's language only.
func (s *Store) SetLanguage(sessionID, language string) {
	e := s.get(sessionID)
	e.mu.Lock()
	e.state.Language = language
	e.state.UpdatedAt = time.Now()
	st := e.state
	e.mu.Unlock()

	s.persist(sessionID, st)
}

// SetOutput stores an execution result verbatim.
func (s *Store) SetOutput(sessionID string, output json.RawMessage) {
	e := s.get(sessionID)
	e.mu.Lock()
	e.state.Output = output
	e.state.UpdatedAt = time.Now()
	st := e.state
	e.mu.Unlock()

	s.persist(sessionID, st)
}

// Snapshot returns a copy of the session's state with defaults substituted
// for unset fields, and whether the session exists at all.
func (s *Store) Snapshot(sessionID string) (State, bool) {
	s.mu.RLock()
	e := s.entries[sessionID]
	s.mu.RUnlock()
	if e == nil {
		return State{}, false
	}

	e.mu.Lock()
	st := e.state
	e.mu.Unlock()

	if st.Language == "" {
		st.Language = protocol.DefaultLanguage
	}
	return st, true
}

// End deletes the session's state. Room members are unaffected; a future
// host join simply sees a blank session.
func (s *Store) End(sessionID string) {
	s.mu.Lock()
	_, existed := s.entries[sessionID]
	delete(s.entries, sessionID)
	s.mu.Unlock()

	if existed && s.journal != nil {
		if err := s.journal.Delete(sessionID); err != nil {
			s.log.Warn("session.journal.delete", "sessionId", sessionID, "err", err)
		}
	}
}

// Count reports how many sessions currently hold state.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// IDs lists the session ids currently holding state.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Keys(s.entries)
}

// Expire removes every session not updated since the cutoff and returns the
// evicted ids.
func (s *Store) Expire(cutoff time.Time) []string {
	s.mu.Lock()
	stale := lo.PickBy(s.entries, func(_ string, e *entry) bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.state.UpdatedAt.Before(cutoff)
	})
	for id := range stale {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	ids := lo.Keys(stale)
	if s.journal != nil {
		for _, id := range ids {
			if err := s.journal.Delete(id); err != nil {
				s.log.Warn("session.journal.delete", "sessionId", id, "err", err)
			}
		}
	}
	return ids
}

func (s *Store) persist(sessionID string, st State) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Save(sessionID, st); err != nil {
		s.log.Warn("session.journal.save", "sessionId", sessionID, "err", err)
	}
}
