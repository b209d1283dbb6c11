package app

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mlipovsky/callbridge/internal/core"
)

// UserRegistry indexes sessions by display name and by connection id. The
// two maps are always updated together, so a name never resolves without
// its connection or vice versa.
type UserRegistry struct {
	mu     sync.RWMutex
	byName map[string]*UserSession
	byConn map[core.ConnID]*UserSession
}

func NewUserRegistry() *UserRegistry {
	return &UserRegistry{
		byName: make(map[string]*UserSession),
		byConn: make(map[core.ConnID]*UserSession),
	}
}

// Register inserts the session into both indices. A name held by a live
// connection is never overwritten; the call reports false and mutates
// nothing.
func (r *UserRegistry) Register(s *UserSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byName[s.Name()]; taken {
		return false
	}
	// a connection re-registering under a new name gives up its old one;
	// the two indices always move together
	if prev, ok := r.byConn[s.ConnID()]; ok {
		delete(r.byName, prev.Name())
		log.Info().Str("module", "app.registry").Str("user", prev.Name()).Str("conn", string(s.ConnID())).Msg("replaced by re-registration")
	}
	r.byName[s.Name()] = s
	r.byConn[s.ConnID()] = s
	log.Info().Str("module", "app.registry").Str("user", s.Name()).Str("conn", string(s.ConnID())).Msg("registered user")
	return true
}

func (r *UserRegistry) ByName(name string) (*UserSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

func (r *UserRegistry) ByConn(id core.ConnID) (*UserSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byConn[id]
	return s, ok
}

func (r *UserRegistry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// RemoveByConn drops the session from both indices and returns it.
// Removing an unknown connection is a no-op returning nil.
func (r *UserRegistry) RemoveByConn(id core.ConnID) *UserSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byConn[id]
	if !ok {
		return nil
	}
	delete(r.byConn, id)
	delete(r.byName, s.Name())
	log.Info().Str("module", "app.registry").Str("user", s.Name()).Str("conn", string(id)).Msg("removed user")
	return s
}

// Names returns the registered display names, sorted for stable broadcasts.
func (r *UserRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sessions returns a snapshot of every registered session.
func (r *UserRegistry) Sessions() []*UserSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*UserSession, 0, len(r.byConn))
	for _, s := range r.byConn {
		out = append(out, s)
	}
	return out
}

func (r *UserRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
