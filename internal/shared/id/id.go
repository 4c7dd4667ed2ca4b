// Package id provides identifier generation for isolates, environments and
// other host objects.
//
// IDs are prefixed ULIDs: lexicographically sortable by creation time and
// readable in logs (iso_*, env_*, wrk_*). Thread ids are a separate,
// numeric namespace issued by package threadid.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IsolateID identifies an isolate
type IsolateID string

// EnvironmentID identifies an environment
type EnvironmentID string

// WorkerID identifies a child worker
type WorkerID string

const (
	IsolatePrefix     = "iso"
	EnvironmentPrefix = "env"
	WorkerPrefix      = "wrk"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator with monotonic entropy, so IDs issued
// within the same millisecond still sort in issuance order
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewIsolateID generates a new isolate ID
func NewIsolateID() IsolateID {
	return IsolateID(Default().GenerateWithPrefix(IsolatePrefix))
}

// NewEnvironmentID generates a new environment ID
func NewEnvironmentID() EnvironmentID {
	return EnvironmentID(Default().GenerateWithPrefix(EnvironmentPrefix))
}

// NewWorkerID generates a new worker ID
func NewWorkerID() WorkerID {
	return WorkerID(Default().GenerateWithPrefix(WorkerPrefix))
}

func (id IsolateID) String() string     { return string(id) }
func (id EnvironmentID) String() string { return string(id) }
func (id WorkerID) String() string      { return string(id) }

// Split separates a prefixed ID into prefix and ULID parts
func Split(s string) (prefix string, u ulid.ULID, err error) {
	prefix, rest, ok := strings.Cut(s, "_")
	if !ok {
		return "", ulid.ULID{}, fmt.Errorf("id %q has no prefix", s)
	}
	u, err = ulid.Parse(rest)
	if err != nil {
		return "", ulid.ULID{}, fmt.Errorf("id %q: %w", s, err)
	}
	return prefix, u, nil
}

// IsValid checks that s is a prefixed ULID with the expected prefix
func IsValid(s, prefix string) bool {
	p, _, err := Split(s)
	return err == nil && p == prefix
}

// Timestamp extracts the creation time of a prefixed ID
func Timestamp(s string) (time.Time, error) {
	_, u, err := Split(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
