// Package artifact persists agent outputs.
//
// Every call result is stored before the executor returns, keyed by
// run, phase, persona, and attempt, so a later phase or a crash
// recovery can always reconstruct what each agent produced.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/quorumd/internal/run"
	"github.com/fyrsmithlabs/quorumd/internal/storage"
)

// Key identifies one persisted agent output.
type Key struct {
	RunID   string
	Phase   run.Phase
	Persona string
	Attempt int
}

// Validate checks the key is complete and storable.
func (k Key) Validate() error {
	if k.RunID == "" {
		return errors.New("artifact key requires a run id")
	}
	if !k.Phase.Valid() {
		return fmt.Errorf("artifact key has invalid phase %q", k.Phase)
	}
	if k.Persona == "" {
		return errors.New("artifact key requires a persona")
	}
	if k.Attempt < 1 {
		return fmt.Errorf("artifact key attempt must be >= 1, got %d", k.Attempt)
	}
	return nil
}

// String renders the storage key. Attempts are zero-padded so listing
// returns them in numeric order.
func (k Key) String() string {
	return fmt.Sprintf("runs/%s/artifacts/%s/%s/%03d", k.RunID, k.Phase, k.Persona, k.Attempt)
}

// ParseKey inverts Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 6 || parts[0] != "runs" || parts[2] != "artifacts" {
		return Key{}, fmt.Errorf("malformed artifact key %q", s)
	}
	phase, err := run.ParsePhase(parts[3])
	if err != nil {
		return Key{}, fmt.Errorf("malformed artifact key %q: %w", s, err)
	}
	attempt, err := strconv.Atoi(parts[5])
	if err != nil {
		return Key{}, fmt.Errorf("malformed artifact key %q: attempt %q is not a number", s, parts[5])
	}
	k := Key{RunID: parts[1], Phase: phase, Persona: parts[4], Attempt: attempt}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// prefix returns the listing prefix for a run, optionally narrowed to
// one phase.
func prefix(runID string, phase run.Phase) string {
	p := "runs/" + runID + "/artifacts"
	if phase != "" {
		p += "/" + string(phase)
	}
	return p
}

// Store persists and retrieves agent outputs on a storage backend.
type Store struct {
	backend storage.Backend
}

// NewStore creates an artifact store.
func NewStore(backend storage.Backend) (*Store, error) {
	if backend == nil {
		return nil, errors.New("storage backend is required")
	}
	return &Store{backend: backend}, nil
}

// Put persists one agent output and returns the reference to record in
// run state.
func (s *Store) Put(ctx context.Context, key Key, content []byte) (run.ArtifactRef, error) {
	if err := key.Validate(); err != nil {
		return run.ArtifactRef{}, err
	}
	if err := s.backend.Put(ctx, key.String(), content); err != nil {
		return run.ArtifactRef{}, fmt.Errorf("failed to persist artifact %s: %w", key, err)
	}
	return run.ArtifactRef{
		Key:       key.String(),
		Phase:     key.Phase,
		Persona:   key.Persona,
		Attempt:   key.Attempt,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Get returns one agent output, or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return s.backend.Get(ctx, key.String())
}

// Read returns the output behind a recorded reference key.
func (s *Store) Read(ctx context.Context, ref run.ArtifactRef) ([]byte, error) {
	if ref.Key == "" {
		return nil, errors.New("artifact reference has no key")
	}
	return s.backend.Get(ctx, ref.Key)
}

// List returns the keys stored for a run, narrowed to one phase when
// phase is non-empty, in key order.
func (s *Store) List(ctx context.Context, runID string, phase run.Phase) ([]Key, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	raw, err := s.backend.List(ctx, prefix(runID, phase))
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts for %s: %w", runID, err)
	}
	keys := make([]Key, 0, len(raw))
	for _, r := range raw {
		k, err := ParseKey(r)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}
