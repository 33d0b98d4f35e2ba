// Package uuid provides identifier generation for sync operations.
package uuid

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Generator produces unique identifiers. The sync queue keys every
// operation by one of these, so tests swap in a deterministic generator.
type Generator interface {
	New() string
}

// RandomGenerator produces random UUID v4 strings.
type RandomGenerator struct{}

// New returns a fresh UUID v4.
func (RandomGenerator) New() string { return uuid.New().String() }

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// SequenceGenerator returns "<prefix>-1", "<prefix>-2", ... Safe for concurrent use.
type SequenceGenerator struct {
	mu      sync.Mutex
	prefix  string
	counter int
}

// NewSequenceGenerator creates a SequenceGenerator with the given prefix.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

func (g *SequenceGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("%s-%d", g.prefix, g.counter)
}
