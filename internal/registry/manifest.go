package registry

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is a YAML roster file used to bulk-provision workers.
type Manifest struct {
	Version string        `yaml:"version"`
	Workers []WorkerEntry `yaml:"workers"`
}

// WorkerEntry is one provisioned worker in a roster manifest.
type WorkerEntry struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// ParseManifest parses a roster manifest from a reader.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var manifest Manifest

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true) // Error on unknown fields

	if err := decoder.Decode(&manifest); err != nil {
		return nil, fmt.Errorf("failed to decode roster manifest: %w", err)
	}

	seen := make(map[string]struct{}, len(manifest.Workers))
	for i, w := range manifest.Workers {
		if w.Name == "" {
			return nil, fmt.Errorf("worker %d has no name", i)
		}
		if _, dup := seen[w.Name]; dup {
			return nil, fmt.Errorf("duplicate worker name %q", w.Name)
		}
		seen[w.Name] = struct{}{}
	}

	return &manifest, nil
}

// LoadManifest parses a roster manifest file.
func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open roster manifest: %w", err)
	}
	defer f.Close()
	return ParseManifest(f)
}

// Seed upserts every manifest entry into the store and returns the
// number of workers provisioned.
func (m *Manifest) Seed(store *Store) (int, error) {
	for _, w := range m.Workers {
		if err := store.Upsert(w.Name, w.Description); err != nil {
			return 0, err
		}
	}
	return len(m.Workers), nil
}
