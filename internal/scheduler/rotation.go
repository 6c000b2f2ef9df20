package scheduler

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/specflow/internal/config"
	"github.com/Iron-Ham/specflow/internal/errors"
)

// rotationStateFile persists the round-robin cursor across runs.
const rotationStateFile = "rotation.json"

// rotationState is the persisted round-robin position.
type rotationState struct {
	LastIndex int `json:"last_index"`
}

// Rotator picks the next backend according to the configured strategy.
// Weight is honored by expansion: a backend with weight 3 appears three
// times in the selection list.
type Rotator struct {
	strategy  string
	expanded  []string // backend names, repeated by weight
	statePath string
	intn      func(n int) int // injectable for tests
}

// NewRotator builds a rotator over the configured backends. storeDir holds
// the persisted round-robin state.
func NewRotator(strategy string, backends []config.Backend, storeDir string) (*Rotator, error) {
	if len(backends) == 0 {
		return nil, errors.ErrNoBackends
	}

	var expanded []string
	for _, b := range backends {
		for i := 0; i < b.Weight; i++ {
			expanded = append(expanded, b.Name)
		}
	}

	return &Rotator{
		strategy:  strategy,
		expanded:  expanded,
		statePath: filepath.Join(storeDir, rotationStateFile),
		intn:      rand.Intn,
	}, nil
}

// Next returns the backend name the strategy prefers for the next dispatch.
// The scheduler still applies capacity limits on top of this preference.
//
//   - none: always the first configured backend
//   - random: weighted random pick
//   - round-robin: next entry in the weighted list, cursor persisted as
//     {"last_index": n} so rotation continues across runs
func (r *Rotator) Next() (string, error) {
	switch r.strategy {
	case config.RotationRandom:
		return r.expanded[r.intn(len(r.expanded))], nil
	case config.RotationRoundRobin:
		state, err := r.loadState()
		if err != nil {
			return "", err
		}
		next := (state.LastIndex + 1) % len(r.expanded)
		if err := r.saveState(rotationState{LastIndex: next}); err != nil {
			return "", err
		}
		return r.expanded[next], nil
	default:
		return r.expanded[0], nil
	}
}

// loadState reads the persisted cursor. A missing file starts the rotation
// at -1 so the first pick is index 0.
func (r *Rotator) loadState() (rotationState, error) {
	state := rotationState{LastIndex: -1}
	data, err := os.ReadFile(r.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return state, fmt.Errorf("failed to read rotation state: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("rotation state corrupted: %w", err)
	}
	return state, nil
}

// saveState persists the cursor atomically.
func (r *Rotator) saveState(state rotationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal rotation state: %w", err)
	}
	dir := filepath.Dir(r.statePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".rotation.*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp rotation state: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write rotation state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close rotation state: %w", err)
	}
	if err := os.Rename(tmpName, r.statePath); err != nil {
		return fmt.Errorf("failed to rename rotation state into place: %w", err)
	}
	return nil
}
