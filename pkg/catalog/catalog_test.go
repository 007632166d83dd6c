package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/taskforge/pkg/rbac"
)

const testCatalog = `
version: 1
permissions:
  - name: project.read
    description: View projects
  - name: project.create
    description: Create projects
  - name: Project.Delete
    description: Delete projects
templates:
  - name: admin
    display_name: Administrator
    level: 90
    permissions: [project.read, project.create, project.delete]
  - name: member
    display_name: Member
    level: 10
    permissions: [project.read]
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(testCatalog))
	require.NoError(t, err)

	assert.Equal(t, CurrentVersion, c.Version)
	assert.Len(t, c.Permissions, 3)
	assert.Len(t, c.Templates, 2)
	assert.Len(t, c.Checksum, 64)

	entries := c.RegistryEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, rbac.PermissionName("project.delete"), entries[2].Name)
	assert.Equal(t, "Delete projects", entries[2].Description)

	inputs := c.TemplateInputs()
	require.Len(t, inputs, 2)
	assert.Equal(t, "admin", inputs[0].Name)
	assert.Equal(t, 90, inputs[0].Level)
	assert.Equal(t, []rbac.PermissionName{"project.create", "project.delete", "project.read"}, inputs[0].Permissions)

	again, err := Parse([]byte(testCatalog))
	require.NoError(t, err)
	assert.Equal(t, c.Checksum, again.Checksum)
}

func TestParse_DefaultVersion(t *testing.T) {
	c, err := Parse([]byte("permissions: [{name: a.b}]\ntemplates: [{name: t, permissions: [a.b]}]"))
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, c.Version)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		problem string
	}{
		{
			name:    "malformed yaml",
			doc:     "templates: [",
			problem: "invalid catalog",
		},
		{
			name:    "unsupported version",
			doc:     "version: 2",
			problem: "unsupported version 2",
		},
		{
			name:    "bad permission name",
			doc:     "permissions: [{name: nodot}]",
			problem: "permissions[0]",
		},
		{
			name:    "duplicate permission",
			doc:     "permissions: [{name: a.b}, {name: A.B}]",
			problem: `duplicate permission "a.b"`,
		},
		{
			name:    "missing template name",
			doc:     "permissions: [{name: a.b}]\ntemplates: [{permissions: [a.b]}]",
			problem: "templates[0]: name is required",
		},
		{
			name:    "duplicate template",
			doc:     "permissions: [{name: a.b}]\ntemplates: [{name: t, permissions: [a.b]}, {name: t, permissions: [a.b]}]",
			problem: `template "t": duplicate template`,
		},
		{
			name:    "negative level",
			doc:     "permissions: [{name: a.b}]\ntemplates: [{name: t, level: -1, permissions: [a.b]}]",
			problem: "level must not be negative",
		},
		{
			name:    "no permissions",
			doc:     "templates: [{name: t}]",
			problem: "at least one permission is required",
		},
		{
			name:    "undeclared permission",
			doc:     "permissions: [{name: a.b}]\ntemplates: [{name: t, permissions: [a.c]}]",
			problem: `permission "a.c" is not declared`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse([]byte(tt.doc))
			assert.Nil(t, c)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidCatalog))
			assert.Contains(t, err.Error(), tt.problem)
		})
	}
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	c := &Catalog{
		Version:     CurrentVersion,
		Permissions: []PermissionSpec{{Name: "bad"}},
		Templates:   []TemplateSpec{{Name: "t"}, {Name: ""}},
	}
	err := c.Validate()

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 4)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, c.Templates, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read catalog")
}

func TestExampleCatalog(t *testing.T) {
	c, err := LoadFile(filepath.Join("..", "..", "examples", "catalog.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, c.Templates)
}
