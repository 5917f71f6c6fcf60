package tnet

import "time"

// Session is the capability set a user-defined session type must satisfy.
// The framework never inspects a session's fields directly; it only calls
// these methods and otherwise treats the session as an opaque, JSON-
// encodable blob it round-trips through Body.Session.
type Session interface {
	ID() string
	CreatedAt() time.Time
	Lifespan() time.Duration
}

// SessionFactory creates an empty session bound to an id, used by the
// registry when it needs to mint a brand-new session on first contact.
type SessionFactory[S Session] func(id string) S

// BasicSession is a ready-to-use Session implementation for callers with
// no session payload beyond identity and expiry.
type BasicSession struct {
	IDField        string        `json:"id"`
	CreatedAtField time.Time     `json:"created_at"`
	LifespanField  time.Duration `json:"lifespan"`
}

func (s BasicSession) ID() string             { return s.IDField }
func (s BasicSession) CreatedAt() time.Time   { return s.CreatedAtField }
func (s BasicSession) Lifespan() time.Duration { return s.LifespanField }

// NewBasicSession builds a BasicSession minted now with the given lifespan.
func NewBasicSession(id string, lifespan time.Duration) BasicSession {
	return BasicSession{IDField: id, CreatedAtField: time.Now(), LifespanField: lifespan}
}

// EmptyBasicSession satisfies SessionFactory[BasicSession] with the default
// lifespan.
func EmptyBasicSession(defaultLifespan time.Duration) SessionFactory[BasicSession] {
	return func(id string) BasicSession {
		return NewBasicSession(id, defaultLifespan)
	}
}
