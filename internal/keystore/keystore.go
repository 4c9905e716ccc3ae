package keystore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNameCollision is returned when an entry with the same name already
	// exists, the key-hash does not match it, and force replacement is not
	// permitted.
	ErrNameCollision = errors.New("keystore: name already enrolled")
	// ErrIPNotAllowed is returned when the configured IP policy rejects the
	// request's source address.
	ErrIPNotAllowed = errors.New("keystore: source ip not allowed")
)

// Handle references a staged-but-not-yet-committed insert. It must be
// resolved with exactly one of Commit or Rollback.
type Handle struct {
	id string
}

// Policy carries the per-request decisions Dispatch needs the keystore to
// enforce; it has no state of its own.
type Policy struct {
	// AllowForce permits a name collision with a mismatched key-hash to
	// replace the existing (live) entry instead of being rejected.
	AllowForce bool
	// AllowIP reports whether a source IP may enroll. A nil AllowIP
	// permits everything.
	AllowIP func(ip string) bool
}

func (p Policy) allows(ip string) bool {
	if p.AllowIP == nil {
		return true
	}
	return p.AllowIP(ip)
}

// Request is the parsed, validated-so-far enrollment input.
type Request struct {
	Name       string
	IP         string
	Group      string
	KeyHashHex string // optional: sha256(raw key) hex, for idempotent re-enrollment
}

// Outcome is what Enroll produced.
type Outcome struct {
	Agent *Agent
	// Handle is nil when Reused is true: an idempotent re-enrollment never
	// stages a new entry, so there is nothing to commit or roll back.
	Handle *Handle
	Reused bool
}

// IDAllocator hands out the next agent identifier. Implementations must be
// safe to call while the keystore lock is held (Enroll calls it under
// lock so the id and the insert are atomic together).
type IDAllocator interface {
	Next() (string, error)
}

// Store is the authoritative, mutex-guarded registry of agents plus the
// pending-change journal. The zero value is not usable; use New.
type Store struct {
	mu   sync.Mutex
	cond *sync.Cond

	byID   map[string]*Agent
	byName map[string]*Agent // live (non-revoked) entries only

	journal      []JournalEntry
	writePending bool
}

// New returns an empty Store.
func New() *Store {
	s := &Store{
		byID:   make(map[string]*Agent),
		byName: make(map[string]*Agent),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Load replaces the store's contents with agents read from disk at
// startup. Not safe to call after the store is shared with other
// goroutines.
func (s *Store) Load(agents []*Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*Agent, len(agents))
	s.byName = make(map[string]*Agent, len(agents))
	for _, a := range agents {
		cp := a.clone()
		s.byID[cp.ID] = cp
		if !cp.Revoked {
			s.byName[cp.Name] = cp
		}
	}
}

// Enroll validates and, if accepted, stages a new agent in one critical
// section. The caller must resolve the returned Handle (if non-nil) with
// Commit or Rollback once the TLS response has been sent.
func (s *Store) Enroll(req Request, policy Policy, ids IDAllocator, now time.Time) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !policy.allows(req.IP) {
		return nil, ErrIPNotAllowed
	}

	if existing, ok := s.byName[req.Name]; ok {
		if req.KeyHashHex != "" && constantTimeHexEqual(keyHashHex(existing.Key), req.KeyHashHex) {
			// Idempotent re-enrollment: hand back the live entry as-is.
			return &Outcome{Agent: existing.clone(), Reused: true}, nil
		}
		if !policy.AllowForce {
			return nil, ErrNameCollision
		}
		// Force replacement: revoke the colliding entry and journal its
		// removal immediately. This is independent of whether the new
		// insert below is ever committed.
		existing.Revoked = true
		delete(s.byName, req.Name)
		s.appendJournalLocked(JournalEntry{Kind: JournalRemove, Agent: *existing.clone()})
		s.writePending = true
		s.cond.Signal()
	}

	id, err := ids.Next()
	if err != nil {
		return nil, err
	}

	agent := &Agent{
		ID:        id,
		Name:      req.Name,
		IP:        req.IP,
		Key:       newRawKey(),
		Group:     req.Group,
		CreatedAt: now,
	}

	s.byID[agent.ID] = agent
	s.byName[agent.Name] = agent

	return &Outcome{Agent: agent.clone(), Handle: &Handle{id: agent.ID}}, nil
}

// Commit journals a staged insert and marks a write pending. Call after the
// enrollment response has been written to the agent successfully.
func (s *Store) Commit(h *Handle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.byID[h.id]
	if !ok {
		return
	}
	s.appendJournalLocked(JournalEntry{Kind: JournalInsert, Agent: *agent.clone()})
	s.writePending = true
	s.cond.Signal()
}

// Rollback undoes a staged insert that never made it to the agent (e.g. the
// TLS write of the success response failed). Call instead of Commit.
func (s *Store) Rollback(h *Handle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.byID[h.id]
	if !ok {
		return
	}
	delete(s.byID, h.id)
	if s.byName[agent.Name] == agent {
		delete(s.byName, agent.Name)
	}
}

// Remove journals the removal of a live agent by id and marks it revoked.
// Used by administrative removal, which sits outside the wire protocol.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.byID[id]
	if !ok || agent.Revoked {
		return false
	}
	agent.Revoked = true
	delete(s.byName, agent.Name)
	s.appendJournalLocked(JournalEntry{Kind: JournalRemove, Agent: *agent.clone()})
	s.writePending = true
	s.cond.Signal()
	return true
}

func (s *Store) appendJournalLocked(e JournalEntry) {
	s.journal = append(s.journal, e)
}

// WaitForWork blocks until a write is pending or running reports false,
// then detaches and returns the whole journal plus a clone of the current
// keystore contents, clearing write_pending. It is the writer's sole entry
// point into the store.
func (s *Store) WaitForWork(running func() bool) (journal []JournalEntry, snapshot []*Agent, pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.writePending && running() {
		s.cond.Wait()
	}
	return s.swapLocked()
}

// Drain is the non-blocking variant used on shutdown: take whatever is
// pending right now without waiting.
func (s *Store) Drain() (journal []JournalEntry, snapshot []*Agent, pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapLocked()
}

func (s *Store) swapLocked() ([]JournalEntry, []*Agent, bool) {
	j := s.journal
	s.journal = nil
	pending := s.writePending
	s.writePending = false

	snapshot := make([]*Agent, 0, len(s.byID))
	for _, a := range s.byID {
		snapshot = append(snapshot, a.clone())
	}
	return j, snapshot, pending
}

// Broadcast wakes every writer goroutine blocked in WaitForWork; used on
// shutdown so the writer observes running()==false promptly.
func (s *Store) Broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cond.Broadcast()
}

// Len reports the number of entries currently tracked (revoked or not);
// used for the keystore-size metric.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func keyHashHex(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

// constantTimeHexEqual avoids leaking key material through timing when
// comparing a client-supplied hash against the stored one.
func constantTimeHexEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := 0; i < len(a); i++ {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
