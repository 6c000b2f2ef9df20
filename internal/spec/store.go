package spec

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Iron-Ham/specflow/internal/errors"
)

// Store reads and writes spec files in a directory. Each spec lives in
// {dir}/{id}.md; the filename is the spec's identity.
type Store struct {
	dir string
}

// NewStore creates a store rooted at the given directory.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's root directory.
func (st *Store) Dir() string {
	return st.dir
}

// Path returns the on-disk location of a spec.
func (st *Store) Path(id string) string {
	return filepath.Join(st.dir, id+".md")
}

// Load reads and parses a single spec by ID.
func (st *Store) Load(id string) (*Spec, error) {
	data, err := os.ReadFile(st.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewSpecError("no such spec file", errors.ErrSpecNotFound).WithSpecID(id)
		}
		return nil, fmt.Errorf("failed to read spec %s: %w", id, err)
	}
	return Parse(id, data)
}

// LoadAll reads every spec in the store, sorted by ID. A spec that fails to
// parse aborts the load: a corrupt store should be fixed, not silently
// narrowed.
func (st *Store) LoadAll() ([]*Spec, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read spec directory %s: %w", st.dir, err)
	}

	var specs []*Spec
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".md")
		s, err := st.Load(id)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}

	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs, nil
}

// Save writes the spec atomically: serialize to a temp file in the same
// directory, then rename over the target. Readers never observe a partial
// write.
func (st *Store) Save(s *Spec) error {
	data, err := s.Marshal()
	if err != nil {
		return fmt.Errorf("failed to serialize spec %s: %w", s.ID, err)
	}

	if err := os.MkdirAll(st.dir, 0755); err != nil {
		return fmt.Errorf("failed to create spec directory: %w", err)
	}

	tmp, err := os.CreateTemp(st.dir, "."+s.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for spec %s: %w", s.ID, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write spec %s: %w", s.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file for spec %s: %w", s.ID, err)
	}

	if err := os.Rename(tmpName, st.Path(s.ID)); err != nil {
		return fmt.Errorf("failed to rename spec %s into place: %w", s.ID, err)
	}
	return nil
}

// Resolve finds a spec by exact ID or unique ID prefix. An ambiguous prefix
// is an error listing the candidates.
func (st *Store) Resolve(ref string) (*Spec, error) {
	if s, err := st.Load(ref); err == nil {
		return s, nil
	} else if !errors.Is(err, errors.ErrSpecNotFound) {
		return nil, err
	}

	specs, err := st.LoadAll()
	if err != nil {
		return nil, err
	}

	var matches []*Spec
	for _, s := range specs {
		if strings.HasPrefix(s.ID, ref) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return nil, errors.NewNotFoundError("spec", ref)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, s := range matches {
			ids[i] = s.ID
		}
		return nil, fmt.Errorf("ambiguous spec reference %q matches: %s", ref, strings.Join(ids, ", "))
	}
}
