package orchestrator

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/stewardhq/steward/internal/intent"
)

var (
	errUnknownCandidate = errors.New("unknown candidate")
	errCandidateExpired = errors.New("candidate expired")
)

type trackedCandidate struct {
	Candidate
	confirmed bool
}

// registry holds suggested candidates between the prepare and confirm
// phases. Candidates expire after the TTL; each one is confirmable exactly
// once.
type registry struct {
	ttl time.Duration

	mu         sync.Mutex
	candidates map[string]*trackedCandidate
}

func newRegistry(ttl time.Duration) *registry {
	return &registry{ttl: ttl, candidates: make(map[string]*trackedCandidate)}
}

// add registers suggestions and returns them with confirm IDs and expiry
// attached. Expired leftovers from earlier turns are swept on the way.
func (r *registry) add(now time.Time, subjectID string, suggestions []intent.Suggestion) []Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, tracked := range r.candidates {
		if now.After(tracked.ExpiresAt) {
			delete(r.candidates, id)
		}
	}

	out := make([]Candidate, 0, len(suggestions))
	for _, suggestion := range suggestions {
		candidate := Candidate{
			ID:        newCandidateID(),
			Type:      suggestion.Type,
			SubjectID: subjectID,
			Title:     suggestion.Title,
			Payload:   suggestion.Payload,
			ExpiresAt: now.Add(r.ttl),
		}
		r.candidates[candidate.ID] = &trackedCandidate{Candidate: candidate}
		out = append(out, candidate)
	}
	return out
}

// peek returns the candidate without consuming it. An expired candidate is
// removed and returned alongside errCandidateExpired so the caller can
// still name it.
func (r *registry) peek(now time.Time, id string) (Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tracked, ok := r.candidates[id]
	if !ok {
		return Candidate{}, errUnknownCandidate
	}
	if now.After(tracked.ExpiresAt) {
		delete(r.candidates, id)
		return tracked.Candidate, errCandidateExpired
	}
	return tracked.Candidate, nil
}

// consume marks the candidate confirmed. Returns false when it was already
// consumed, which the caller treats as a duplicate-confirm no-op.
func (r *registry) consume(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tracked, ok := r.candidates[id]
	if !ok || tracked.confirmed {
		return false
	}
	tracked.confirmed = true
	return true
}

func newCandidateID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return "cand_" + hex.EncodeToString(buf)
}
