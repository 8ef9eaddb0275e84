// Package session keeps per-session routing state: forced and sticky
// targets, disabled providers/keys/models and stop-message injection.
// State is process-local and expires after a TTL.
package session

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// StopMessage is an auto-injected suffix with a repeat budget.
type StopMessage struct {
	Text       string    `json:"text"`
	MaxRepeats int       `json:"max_repeats"`
	Used       int       `json:"used"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// State is the routing state for one session. All mutation goes through the
// Store so per-session writes stay serialized.
type State struct {
	ForcedTarget      string                         `json:"forced_target,omitempty"`
	StickyTarget      string                         `json:"sticky_target,omitempty"`
	PreferTarget      string                         `json:"prefer_target,omitempty"`
	AllowedProviders  map[string]struct{}            `json:"-"`
	DisabledProviders map[string]struct{}            `json:"-"`
	DisabledKeys      map[string]map[string]struct{} `json:"-"` // provider -> aliases
	DisabledModels    map[string]map[string]struct{} `json:"-"` // provider -> models
	Stop              *StopMessage                   `json:"stop,omitempty"`
	UpdatedAt         time.Time                      `json:"updated_at"`
}

func newState() *State {
	return &State{
		AllowedProviders:  make(map[string]struct{}),
		DisabledProviders: make(map[string]struct{}),
		DisabledKeys:      make(map[string]map[string]struct{}),
		DisabledModels:    make(map[string]map[string]struct{}),
	}
}

// clone produces a snapshot safe to read after the store lock is released.
func (s *State) clone() *State {
	c := newState()
	c.ForcedTarget = s.ForcedTarget
	c.StickyTarget = s.StickyTarget
	c.PreferTarget = s.PreferTarget
	c.UpdatedAt = s.UpdatedAt
	for k := range s.AllowedProviders {
		c.AllowedProviders[k] = struct{}{}
	}
	for k := range s.DisabledProviders {
		c.DisabledProviders[k] = struct{}{}
	}
	for provider, aliases := range s.DisabledKeys {
		set := make(map[string]struct{}, len(aliases))
		for a := range aliases {
			set[a] = struct{}{}
		}
		c.DisabledKeys[provider] = set
	}
	for provider, models := range s.DisabledModels {
		set := make(map[string]struct{}, len(models))
		for m := range models {
			set[m] = struct{}{}
		}
		c.DisabledModels[provider] = set
	}
	if s.Stop != nil {
		stop := *s.Stop
		c.Stop = &stop
	}
	return c
}

// Store holds session states keyed by session id (or tmux scope) with TTL
// expiry.
type Store struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewStore creates a session store. Entries idle longer than ttl are dropped.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Store{
		cache: gocache.New(ttl, 10*time.Minute),
	}
}

// Snapshot returns a read-only copy of the session state, or nil when the
// session has none.
func (s *Store) Snapshot(sessionID string) *State {
	if sessionID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.cache.Get(sessionID); ok {
		return v.(*State).clone()
	}
	return nil
}

// Update applies fn to the session's state, creating it on first use.
// Writes for the same session are serialized by the store lock.
func (s *Store) Update(sessionID string, fn func(*State)) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var st *State
	if v, ok := s.cache.Get(sessionID); ok {
		st = v.(*State)
	} else {
		st = newState()
	}
	fn(st)
	st.UpdatedAt = time.Now()
	s.cache.SetDefault(sessionID, st)
}

// Clear removes all routing state for the session.
func (s *Store) Clear(sessionID string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(sessionID)
}

// Rebind migrates state from an old session key to a new one, atomically.
// Used when a tmux session is renamed.
func (s *Store) Rebind(oldID, newID string) {
	if oldID == "" || newID == "" || oldID == newID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.cache.Get(oldID)
	if !ok {
		return
	}
	s.cache.SetDefault(newID, v)
	s.cache.Delete(oldID)
}

// ConsumeStopMessage returns the stop-message text when its repeat budget
// allows, incrementing the use counter.
func (s *Store) ConsumeStopMessage(sessionID string) (string, bool) {
	var text string
	var ok bool
	s.Update(sessionID, func(st *State) {
		if st.Stop == nil {
			return
		}
		if st.Stop.MaxRepeats > 0 && st.Stop.Used >= st.Stop.MaxRepeats {
			return
		}
		st.Stop.Used++
		text, ok = st.Stop.Text, true
	})
	return text, ok
}
