package script

import (
	"errors"
	"fmt"
)

// errDuplicateScript is returned when a manifest lists the same (plugin, filename) twice.
var errDuplicateScript = errors.New("duplicate script")

// Manifest is the ordered list of scripts the server requires for this run.
// A manifest without scripts means no external scripts are configured.
type Manifest struct {
	// Scripts holds the descriptors in server order.
	Scripts []Descriptor
}

// NewManifest validates descriptors and builds a manifest from them.
func NewManifest(scripts []Descriptor) (*Manifest, error) {
	seen := make(map[Key]struct{}, len(scripts))

	for i, descriptor := range scripts {
		if err := descriptor.Validate(); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}

		if _, found := seen[descriptor.Key()]; found {
			return nil, fmt.Errorf("entry %d: %s: %w", i, descriptor, errDuplicateScript)
		}

		seen[descriptor.Key()] = struct{}{}
	}

	return &Manifest{
		Scripts: append([]Descriptor(nil), scripts...),
	}, nil
}

// IsEmpty reports whether there is nothing to fetch.
func (m *Manifest) IsEmpty() bool {
	return m == nil || len(m.Scripts) == 0
}

// Len returns the number of scripts in the manifest.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}

	return len(m.Scripts)
}

// Namespaces returns every distinct plugin in first-seen order.
func (m *Manifest) Namespaces() []string {
	if m.IsEmpty() {
		return nil
	}

	var (
		seen       = make(map[string]struct{}, len(m.Scripts))
		namespaces = make([]string, 0, len(m.Scripts))
	)

	for _, descriptor := range m.Scripts {
		if _, found := seen[descriptor.Plugin]; found {
			continue
		}

		seen[descriptor.Plugin] = struct{}{}
		namespaces = append(namespaces, descriptor.Plugin)
	}

	return namespaces
}
