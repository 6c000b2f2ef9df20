package scheduler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/Iron-Ham/specflow/internal/config"
	"github.com/Iron-Ham/specflow/internal/errors"
)

func testBackends() []config.Backend {
	return []config.Backend{
		{Name: "claude", Command: "claude-agent", MaxConcurrent: 2, Weight: 2},
		{Name: "codex", Command: "codex-agent", MaxConcurrent: 1, Weight: 1},
	}
}

func TestNewRotatorRequiresBackends(t *testing.T) {
	if _, err := NewRotator(config.RotationNone, nil, t.TempDir()); !errors.Is(err, errors.ErrNoBackends) {
		t.Errorf("expected ErrNoBackends, got %v", err)
	}
}

func TestWeightedExpansion(t *testing.T) {
	r, err := NewRotator(config.RotationRandom, testBackends(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"claude", "claude", "codex"}
	if len(r.expanded) != len(want) {
		t.Fatalf("expanded = %v, want %v", r.expanded, want)
	}
	for i := range want {
		if r.expanded[i] != want[i] {
			t.Errorf("expanded[%d] = %q, want %q", i, r.expanded[i], want[i])
		}
	}
}

func TestRotationNoneAlwaysFirst(t *testing.T) {
	r, err := NewRotator(config.RotationNone, testBackends(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		name, err := r.Next()
		if err != nil {
			t.Fatal(err)
		}
		if name != "claude" {
			t.Errorf("Next() = %q, want first backend", name)
		}
	}
}

func TestRotationRandomUsesWeightedList(t *testing.T) {
	r, err := NewRotator(config.RotationRandom, testBackends(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// Deterministic picks through the injected source.
	picks := []int{0, 1, 2}
	i := 0
	r.intn = func(n int) int {
		if n != 3 {
			t.Errorf("intn bound = %d, want weighted list length 3", n)
		}
		v := picks[i%len(picks)]
		i++
		return v
	}

	got := make([]string, 3)
	for j := range got {
		got[j], err = r.Next()
		if err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"claude", "claude", "codex"}
	for j := range want {
		if got[j] != want[j] {
			t.Errorf("pick %d = %q, want %q", j, got[j], want[j])
		}
	}
}

func TestRoundRobinPersistsCursor(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRotator(config.RotationRoundRobin, testBackends(), dir)
	if err != nil {
		t.Fatal(err)
	}

	// Weighted list is [claude, claude, codex]; the cursor starts at -1.
	var got []string
	for i := 0; i < 4; i++ {
		name, err := r.Next()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, name)
	}
	want := []string{"claude", "claude", "codex", "claude"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pick %d = %q, want %q", i, got[i], want[i])
		}
	}

	// State file holds the documented shape.
	data, err := os.ReadFile(filepath.Join(dir, rotationStateFile))
	if err != nil {
		t.Fatalf("rotation state not persisted: %v", err)
	}
	var state map[string]int
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("rotation state is not JSON: %v", err)
	}
	if state["last_index"] != 0 {
		t.Errorf(`state = %v, want {"last_index": 0} after wrapping to index 0`, state)
	}

	// A fresh rotator continues where the last one stopped.
	r2, err := NewRotator(config.RotationRoundRobin, testBackends(), dir)
	if err != nil {
		t.Fatal(err)
	}
	name, err := r2.Next()
	if err != nil {
		t.Fatal(err)
	}
	if name != "claude" {
		t.Errorf("continuation pick = %q, want claude (index 1)", name)
	}
}
