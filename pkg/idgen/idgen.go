// Package idgen centralizes entity identifier generation for the orchestrator.
//
// Most entities use opaque UUIDs. Append-only, time-ordered entities
// (AgentTrace, OrchestratorExecution) use ULIDs instead, so that a plain
// lexicographic ORDER BY id matches creation order even when two rows land
// in the same millisecond — useful for the observability RPCs, which read
// "most recent N" without a secondary timestamp sort.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a fresh opaque entity id.
func New() string {
	return uuid.NewString()
}

// entropy is shared and mutex-protected because ulid.MustNew is not
// safe for concurrent use against the same io.Reader without serialization.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewOrdered returns a fresh ULID-based id for time-ordered entities.
func NewOrdered() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
