package catalog

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/converge-bio/converge-go/internal/domain"
)

// Catalog holds the validated, read-only set of playbook definitions loaded
// at process start. It is never mutated after Load returns.
type Catalog struct {
	playbooks map[string]domain.PlaybookDefinition
	order     []string
}

// Load parses every *.yaml playbook under fsys (one playbook per file) and
// validates the whole set. Any issue rejects the entire catalog.
func Load(fsys fs.FS) (*Catalog, error) {
	entries, err := fs.Glob(fsys, "*.yaml")
	if err != nil {
		return nil, fmt.Errorf("glob playbooks: %w", err)
	}
	sort.Strings(entries)

	issues := &ValidationError{}
	playbooks := make(map[string]domain.PlaybookDefinition, len(entries))
	order := make([]string, 0, len(entries))

	for _, name := range entries {
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		pb, err := Parse(raw)
		if err != nil {
			issues.Add(fmt.Sprintf("%s: %v", path.Base(name), err))
			continue
		}
		if _, dup := playbooks[pb.ID]; dup {
			issues.Add(fmt.Sprintf("%s: duplicate playbook id %q", path.Base(name), pb.ID))
			continue
		}
		playbooks[pb.ID] = pb
		order = append(order, pb.ID)
	}

	if len(playbooks) == 0 && issues.OrNil() == nil {
		issues.Add("no playbook files found")
	}
	if err := issues.OrNil(); err != nil {
		return nil, err
	}

	sort.Strings(order)
	return &Catalog{playbooks: playbooks, order: order}, nil
}

// Parse decodes and validates a single playbook document.
func Parse(raw []byte) (domain.PlaybookDefinition, error) {
	var pb domain.PlaybookDefinition
	if err := yaml.Unmarshal(raw, &pb); err != nil {
		return domain.PlaybookDefinition{}, fmt.Errorf("decode playbook: %w", err)
	}
	pb.ID = strings.TrimSpace(pb.ID)
	if err := ValidatePlaybook(pb); err != nil {
		return domain.PlaybookDefinition{}, err
	}
	return pb, nil
}

// Playbooks returns every playbook id in lexical order.
func (c *Catalog) Playbooks() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Playbook returns one full definition by id.
func (c *Catalog) Playbook(id string) (domain.PlaybookDefinition, bool) {
	pb, ok := c.playbooks[id]
	return pb, ok
}

// Step returns a single step definition without executing anything.
func (c *Catalog) Step(playbookID, stepID string) (domain.StepDefinition, bool) {
	pb, ok := c.playbooks[playbookID]
	if !ok {
		return domain.StepDefinition{}, false
	}
	return pb.Step(stepID)
}
