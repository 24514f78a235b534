// Package subteam runs bounded concurrent worker teams for a single phase:
// manifest loading, artifact verification, per-worker retries, and result
// aggregation.
package subteam

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"conductor/pkg/proto"
)

// LoadManifest reads and validates a YAML sub-team manifest.
func LoadManifest(path string) (*proto.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest bytes.
func ParseManifest(data []byte) (*proto.Manifest, error) {
	var m proto.Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := ValidateManifest(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ValidateManifest checks manifest invariants: a lead, at least one worker,
// unique non-empty roles, and an output path per worker.
func ValidateManifest(m *proto.Manifest) error {
	if m.Lead == "" {
		return fmt.Errorf("manifest missing lead")
	}
	if len(m.Workers) == 0 {
		return fmt.Errorf("manifest has no workers")
	}
	seen := make(map[string]bool, len(m.Workers))
	for i := range m.Workers {
		w := &m.Workers[i]
		if w.Role == "" {
			return fmt.Errorf("worker %d missing role", i)
		}
		if seen[w.Role] {
			return fmt.Errorf("duplicate worker role %q", w.Role)
		}
		seen[w.Role] = true
		if w.OutputPath == "" {
			return fmt.Errorf("worker %q missing output_path", w.Role)
		}
	}
	return nil
}
