package model

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

const (
	// MinImportance and MaxImportance bound the poignancy rating of a memory.
	MinImportance = 1.0
	MaxImportance = 10.0
)

type MemoryID string

// NewMemoryID generates a new unique MemoryID
func NewMemoryID() MemoryID {
	return MemoryID(uuid.New().String())
}

// Memory is one observation perceived by an agent. Everything except
// LastAccessedAt is fixed at creation; LastAccessedAt is only moved forward
// by retrieval.
type Memory struct {
	ID             MemoryID
	Description    string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	Importance     float64
	Embedding      []float32
}

// Validate checks the invariants a memory must satisfy before a store accepts it.
func (m Memory) Validate() error {
	if m.ID == "" {
		return goerr.Wrap(ErrInvalidMemory, "memory ID is empty")
	}
	if m.Importance < MinImportance || m.Importance > MaxImportance {
		return goerr.Wrap(ErrInvalidMemory, "importance out of range", goerr.V("importance", m.Importance))
	}
	if m.LastAccessedAt.Before(m.CreatedAt) {
		return goerr.Wrap(ErrInvalidMemory, "last access precedes creation",
			goerr.V("created_at", m.CreatedAt),
			goerr.V("last_accessed_at", m.LastAccessedAt))
	}
	if len(m.Embedding) == 0 {
		return goerr.Wrap(ErrInvalidMemory, "embedding is empty", goerr.V("id", m.ID))
	}
	return nil
}

// Clone returns a copy that shares no mutable state with m.
func (m Memory) Clone() Memory {
	m.Embedding = slices.Clone(m.Embedding)
	return m
}

// Memories is an ordered list of memories, most relevant first when it comes
// from retrieval.
type Memories []Memory

// Format renders memories as a prompt section for a planning model.
func (ms Memories) Format() string {
	if len(ms) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("=== RELEVANT MEMORIES ===\n")
	for i, m := range ms {
		fmt.Fprintf(&b, "%d. [%s] (importance %.0f) %s\n",
			i+1, m.CreatedAt.Format(time.RFC3339), m.Importance, m.Description)
	}
	return b.String()
}

// ScoredMemory carries the component scores that placed a memory in a
// retrieval result.
type ScoredMemory struct {
	Memory Memory

	Recency    float64
	Importance float64
	Relevance  float64

	NormRecency    float64
	NormImportance float64
	NormRelevance  float64

	Score float64
}
