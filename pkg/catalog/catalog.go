package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/taskforge/pkg/rbac"
)

// CurrentVersion is the catalogue format this package understands
const CurrentVersion = 1

// ErrInvalidCatalog is wrapped by every validation failure
var ErrInvalidCatalog = errors.New("invalid catalog")

// Catalog is the parsed catalogue document
type Catalog struct {
	Version     int              `yaml:"version"`
	Permissions []PermissionSpec `yaml:"permissions"`
	Templates   []TemplateSpec   `yaml:"templates"`

	// Checksum is the SHA-256 of the raw document
	Checksum string `yaml:"-"`
}

// PermissionSpec declares one permission
type PermissionSpec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// TemplateSpec declares one system template
type TemplateSpec struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	Description string   `yaml:"description"`
	Level       int      `yaml:"level"`
	Permissions []string `yaml:"permissions"`
}

// ValidationError collects every problem found in a catalogue
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidCatalog, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidCatalog
}

// Parse decodes and validates a catalogue
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if c.Version == 0 {
		c.Version = CurrentVersion
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	c.Checksum = hex.EncodeToString(sum[:])
	return &c, nil
}

// LoadFile reads and parses a catalogue file
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Validate checks names, duplicates and references. Every template must
// carry at least one declared permission.
func (c *Catalog) Validate() error {
	var problems []string
	if c.Version != CurrentVersion {
		problems = append(problems, fmt.Sprintf("unsupported version %d", c.Version))
	}

	declared := make(map[rbac.PermissionName]bool, len(c.Permissions))
	for i, p := range c.Permissions {
		name, err := rbac.ParsePermissionName(p.Name)
		if err != nil {
			problems = append(problems, fmt.Sprintf("permissions[%d]: %v", i, err))
			continue
		}
		if declared[name] {
			problems = append(problems, fmt.Sprintf("permissions[%d]: duplicate permission %q", i, name))
		}
		declared[name] = true
	}

	seen := make(map[string]bool, len(c.Templates))
	for i, t := range c.Templates {
		where := fmt.Sprintf("templates[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			problems = append(problems, where+": name is required")
		} else {
			where = fmt.Sprintf("template %q", name)
			if seen[name] {
				problems = append(problems, where+": duplicate template")
			}
			seen[name] = true
		}
		if t.Level < 0 {
			problems = append(problems, where+": level must not be negative")
		}
		if len(t.Permissions) == 0 {
			problems = append(problems, where+": at least one permission is required")
		}
		for _, raw := range t.Permissions {
			perm, err := rbac.ParsePermissionName(raw)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", where, err))
				continue
			}
			if !declared[perm] {
				problems = append(problems, fmt.Sprintf("%s: permission %q is not declared", where, perm))
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// RegistryEntries returns the declared permissions in registry form
func (c *Catalog) RegistryEntries() []rbac.Permission {
	out := make([]rbac.Permission, 0, len(c.Permissions))
	for _, p := range c.Permissions {
		name, _ := rbac.ParsePermissionName(p.Name)
		out = append(out, rbac.Permission{Name: name, Description: p.Description})
	}
	return out
}

// TemplateInputs returns the templates as engine inputs
func (c *Catalog) TemplateInputs() []rbac.SystemTemplateInput {
	out := make([]rbac.SystemTemplateInput, 0, len(c.Templates))
	for _, t := range c.Templates {
		names, _ := rbac.ParsePermissionNames(t.Permissions)
		out = append(out, rbac.SystemTemplateInput{
			Name:        strings.TrimSpace(t.Name),
			DisplayName: t.DisplayName,
			Description: t.Description,
			Level:       t.Level,
			Permissions: names,
		})
	}
	return out
}
