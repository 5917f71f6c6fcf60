package tnet

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// registryEntry wraps a user Session with the bookkeeping timestamp the
// registry renews on touch. Session itself exposes only getters, so
// renewal is tracked here rather than by mutating the user's type.
type registryEntry[S Session] struct {
	session   S
	createdAt time.Time
}

func (e *registryEntry[S]) expired(now time.Time) bool {
	return !now.Before(e.createdAt.Add(e.session.Lifespan()))
}

// SessionRegistry is the process-wide store mapping session ids to user
// Session values, plus the named pools used for targeted broadcast. All
// operations are atomic under a single reader-writer lock.
type SessionRegistry[S Session] struct {
	mu       sync.RWMutex
	sessions map[string]*registryEntry[S]
	pools    map[string][]string
	factory  SessionFactory[S]
	metrics  MetricsCollector
}

// NewSessionRegistry builds an empty registry. factory mints a fresh
// session for a given id when none exists to resume.
func NewSessionRegistry[S Session](factory SessionFactory[S]) *SessionRegistry[S] {
	return &SessionRegistry[S]{
		sessions: make(map[string]*registryEntry[S]),
		pools:    make(map[string][]string),
		factory:  factory,
	}
}

// SetMetrics attaches a metrics collector; pass nil to disable.
func (r *SessionRegistry[S]) SetMetrics(m MetricsCollector) {
	r.mu.Lock()
	r.metrics = m
	r.mu.Unlock()
}

// GetOrCreate resumes the session named by id if it exists and is
// unexpired; otherwise it mints a new session with a fresh UUIDv4 id.
// Passing "" always mints a new session.
func (r *SessionRegistry[S]) GetOrCreate(id string) (S, error) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if id != "" {
		if entry, ok := r.sessions[id]; ok {
			if !entry.expired(now) {
				return entry.session, nil
			}
			delete(r.sessions, id)
			Debug("session %s expired at lookup, evicting", id)
		}
	}

	newID := uuid.New().String()
	session := r.factory(newID)
	r.sessions[newID] = &registryEntry[S]{session: session, createdAt: now}
	if r.metrics != nil {
		r.metrics.SetActiveSessions(len(r.sessions))
	}
	return session, nil
}

// Get returns the session for id if it exists and is unexpired. Expired
// entries are evicted as a side effect of the lookup.
func (r *SessionRegistry[S]) Get(id string) (S, bool) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[id]
	if !ok {
		var zero S
		return zero, false
	}
	if entry.expired(now) {
		delete(r.sessions, id)
		if r.metrics != nil {
			r.metrics.SetActiveSessions(len(r.sessions))
		}
		var zero S
		return zero, false
	}
	return entry.session, true
}

// Touch renews id's created_at to now, extending its expiry by its own
// lifespan. Called on handshake completion and on every resume.
func (r *SessionRegistry[S]) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[id]; ok {
		entry.createdAt = time.Now()
	}
}

// Remove deletes id from the registry outright (not lazy expiry).
func (r *SessionRegistry[S]) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	if r.metrics != nil {
		r.metrics.SetActiveSessions(len(r.sessions))
	}
	r.mu.Unlock()
}

// Count returns the number of sessions currently held, without pruning
// expired entries.
func (r *SessionRegistry[S]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// PoolAdd adds id to pool. It fails with ErrSessionNotFound if id does not
// name a live session (invariant: every pool member id exists in the
// registry) and is a no-op if id is already a member (invariant: no
// duplicate ids within a pool).
func (r *SessionRegistry[S]) PoolAdd(pool, id string) error {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[id]
	if !ok || entry.expired(now) {
		return ErrSessionNotFound
	}
	members := r.pools[pool]
	for _, m := range members {
		if m == id {
			return nil
		}
	}
	r.pools[pool] = append(members, id)
	return nil
}

// PoolRemove removes id from pool, if present. Pool membership otherwise
// persists across disconnects; only an explicit PoolRemove or session
// expiry clears it.
func (r *SessionRegistry[S]) PoolRemove(pool, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.pools[pool]
	for i, m := range members {
		if m == id {
			r.pools[pool] = append(members[:i], members[i+1:]...)
			return
		}
	}
}

// PoolMembers returns a snapshot of pool's member ids, evicting any that
// have since expired.
func (r *SessionRegistry[S]) PoolMembers(pool string) []string {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.pools[pool]
	live := make([]string, 0, len(members))
	for _, id := range members {
		entry, ok := r.sessions[id]
		if !ok || entry.expired(now) {
			continue
		}
		live = append(live, id)
	}
	r.pools[pool] = live
	out := make([]string, len(live))
	copy(out, live)
	return out
}

// connectionTable is the per-listener table mapping a bound session id to
// its live socket, used to deliver broadcasts. Entries persist only as
// long as the owning connection is alive; deregistration
// is idempotent and removes an entry only if it still points at the caller's
// own socket (a reconnect racing a slow teardown must not evict the newer
// connection).
type connectionTable[P Packet] struct {
	mu    sync.RWMutex
	conns map[string]*Socket[P]
}

func newConnectionTable[P Packet]() *connectionTable[P] {
	return &connectionTable[P]{conns: make(map[string]*Socket[P])}
}

func (t *connectionTable[P]) register(id string, s *Socket[P]) {
	t.mu.Lock()
	t.conns[id] = s
	t.mu.Unlock()
}

func (t *connectionTable[P]) deregister(id string, s *Socket[P]) {
	t.mu.Lock()
	if current, ok := t.conns[id]; ok && current == s {
		delete(t.conns, id)
	}
	t.mu.Unlock()
}

func (t *connectionTable[P]) get(id string) (*Socket[P], bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.conns[id]
	return s, ok
}

func (t *connectionTable[P]) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// Pools is the view of the session registry and its broadcast groups
// handed to every handler invocation. It bundles pool membership
// operations with access to the listener's live connections so a handler
// can broadcast without reaching into framework internals.
type Pools[P Packet, S Session] struct {
	registry *SessionRegistry[S]
	conns    *connectionTable[P]
}

func newPools[P Packet, S Session](registry *SessionRegistry[S], conns *connectionTable[P]) *Pools[P, S] {
	return &Pools[P, S]{registry: registry, conns: conns}
}

// Add adds a session id to a named pool.
func (p *Pools[P, S]) Add(pool, id string) error {
	return p.registry.PoolAdd(pool, id)
}

// Remove removes a session id from a named pool.
func (p *Pools[P, S]) Remove(pool, id string) {
	p.registry.PoolRemove(pool, id)
}

// Members returns the live session ids currently in pool.
func (p *Pools[P, S]) Members(pool string) []string {
	return p.registry.PoolMembers(pool)
}

// Session looks up a live session by id.
func (p *Pools[P, S]) Session(id string) (S, bool) {
	return p.registry.Get(id)
}

// Broadcast enqueues packet onto the outbound send of every live
// connection bound to a member of pool. Each send happens on its own
// goroutine so a slow or dead recipient cannot block the caller beyond the
// enqueue itself; broadcasting never blocks beyond enqueueing.
// Failures are logged, not retried.
func (p *Pools[P, S]) Broadcast(pool string, packet P) {
	members := p.registry.PoolMembers(pool)
	for _, id := range members {
		sock, ok := p.conns.get(id)
		if !ok {
			continue
		}
		go func(id string, s *Socket[P]) {
			if err := s.Send(packet); err != nil {
				Warning("broadcast to session %s in pool %q failed: %v", id, pool, err)
			}
		}(id, sock)
	}
}
