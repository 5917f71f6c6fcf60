package tnet

import (
	"testing"
	"time"
)

func TestSessionRegistryGetOrCreateMintsAndResumes(t *testing.T) {
	reg := NewSessionRegistry(EmptyBasicSession(time.Minute))

	session, err := reg.GetOrCreate("")
	if err != nil {
		t.Fatal(err)
	}
	if session.ID() == "" {
		t.Fatal("expected a minted session id")
	}

	resumed, err := reg.GetOrCreate(session.ID())
	if err != nil {
		t.Fatal(err)
	}
	if resumed.ID() != session.ID() {
		t.Fatalf("expected to resume %s, got %s", session.ID(), resumed.ID())
	}
}

func TestSessionRegistryGetOrCreateMintsFreshOnExpiredResume(t *testing.T) {
	reg := NewSessionRegistry(EmptyBasicSession(time.Nanosecond))
	session, err := reg.GetOrCreate("")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)

	fresh, err := reg.GetOrCreate(session.ID())
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID() == session.ID() {
		t.Fatal("expected a fresh session id after the original expired")
	}
}

func TestSessionRegistryTouchRenewsExpiry(t *testing.T) {
	reg := NewSessionRegistry(EmptyBasicSession(50 * time.Millisecond))
	session, err := reg.GetOrCreate("")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)
	reg.Touch(session.ID())
	time.Sleep(30 * time.Millisecond)

	if _, ok := reg.Get(session.ID()); !ok {
		t.Fatal("expected session to survive past its original lifespan after Touch")
	}
}

func TestSessionRegistryPoolAddRequiresLiveSession(t *testing.T) {
	reg := NewSessionRegistry(EmptyBasicSession(time.Minute))
	if err := reg.PoolAdd("room", "does-not-exist"); err == nil {
		t.Fatal("expected ErrSessionNotFound for an unknown id")
	}
}

func TestSessionRegistryPoolAddIsIdempotent(t *testing.T) {
	reg := NewSessionRegistry(EmptyBasicSession(time.Minute))
	session, _ := reg.GetOrCreate("")

	if err := reg.PoolAdd("room", session.ID()); err != nil {
		t.Fatal(err)
	}
	if err := reg.PoolAdd("room", session.ID()); err != nil {
		t.Fatal(err)
	}
	members := reg.PoolMembers("room")
	if len(members) != 1 {
		t.Fatalf("expected exactly one member after duplicate PoolAdd, got %d", len(members))
	}
}

func TestSessionRegistryPoolMembershipPersistsAcrossConnectionTable(t *testing.T) {
	// Pool membership lives entirely in SessionRegistry, independent of
	// connectionTable; a connection dropping and its entry being
	// deregistered from the table must not clear pool membership.
	reg := NewSessionRegistry(EmptyBasicSession(time.Minute))
	conns := newConnectionTable[*BasicPacket]()
	session, _ := reg.GetOrCreate("")

	if err := reg.PoolAdd("room", session.ID()); err != nil {
		t.Fatal(err)
	}
	conns.register(session.ID(), &Socket[*BasicPacket]{})
	conns.deregister(session.ID(), conns.conns[session.ID()])

	members := reg.PoolMembers("room")
	if len(members) != 1 || members[0] != session.ID() {
		t.Fatalf("expected pool membership to survive disconnect, got %v", members)
	}
}

func TestConnectionTableDeregisterIsPointerAware(t *testing.T) {
	conns := newConnectionTable[*BasicPacket]()
	first := &Socket[*BasicPacket]{}
	second := &Socket[*BasicPacket]{}

	conns.register("s1", first)
	conns.register("s1", second) // reconnect races a slow teardown of the old socket

	conns.deregister("s1", first)
	if got, ok := conns.get("s1"); !ok || got != second {
		t.Fatal("deregistering a stale socket must not evict the newer connection")
	}
}
