package rbac

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PermissionName is a validated "resource.action" permission identifier
type PermissionName string

var permissionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*(\.[a-z0-9_-]+)+$`)

// ParsePermissionName normalises s to lower case and validates it
func ParsePermissionName(s string) (PermissionName, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if !permissionNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPermissionName, s)
	}
	return PermissionName(name), nil
}

// ParsePermissionNames parses every entry of ss, dropping duplicates.
// The result is sorted.
func ParsePermissionNames(ss []string) ([]PermissionName, error) {
	set := make(PermissionSet, len(ss))
	for _, s := range ss {
		name, err := ParsePermissionName(s)
		if err != nil {
			return nil, err
		}
		set.Add(name)
	}
	return set.Names(), nil
}

// String returns the permission name
func (p PermissionName) String() string {
	return string(p)
}

// Resource returns the part before the first dot
func (p PermissionName) Resource() string {
	resource, _, _ := strings.Cut(string(p), ".")
	return resource
}

// Action returns the part after the first dot
func (p PermissionName) Action() string {
	_, action, _ := strings.Cut(string(p), ".")
	return action
}

// PermissionSet is an unordered set of permission names
type PermissionSet map[PermissionName]struct{}

// NewPermissionSet builds a set from names
func NewPermissionSet(names ...PermissionName) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func (s PermissionSet) Add(names ...PermissionName) {
	for _, n := range names {
		s[n] = struct{}{}
	}
}

func (s PermissionSet) Remove(names ...PermissionName) {
	for _, n := range names {
		delete(s, n)
	}
}

func (s PermissionSet) Has(name PermissionName) bool {
	_, ok := s[name]
	return ok
}

// Names returns the members in lexical order
func (s PermissionSet) Names() []PermissionName {
	names := make([]PermissionName, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Clone returns an independent copy
func (s PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(s))
	for n := range s {
		out[n] = struct{}{}
	}
	return out
}

// Equal reports whether both sets hold the same names
func (s PermissionSet) Equal(other PermissionSet) bool {
	if len(s) != len(other) {
		return false
	}
	for n := range s {
		if !other.Has(n) {
			return false
		}
	}
	return true
}

// Permission is a registered permission identifier
type Permission struct {
	ID          int64          `json:"id"`
	Name        PermissionName `json:"name"`
	Description string         `json:"description"`
	CreatedAt   time.Time      `json:"created_at"`
}

// RoleTemplate is a named bundle of permissions. System templates are global
// (OrganisationID is nil); custom and override templates belong to one
// organisation.
type RoleTemplate struct {
	ID             int64            `json:"id"`
	Name           string           `json:"name"`
	DisplayName    string           `json:"display_name"`
	Description    string           `json:"description"`
	Level          int              `json:"level"`
	Permissions    []PermissionName `json:"permissions"`
	IsSystem       bool             `json:"is_system"`
	OrganisationID *int64           `json:"organisation_id,omitempty"` // nil for system templates
	CanBeDeleted   bool             `json:"can_be_deleted"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// PermissionSet returns the template permissions as a set
func (t *RoleTemplate) PermissionSet() PermissionSet {
	return NewPermissionSet(t.Permissions...)
}

// OwnedBy reports whether the template belongs to the organisation
func (t *RoleTemplate) OwnedBy(organisationID int64) bool {
	return t.OrganisationID != nil && *t.OrganisationID == organisationID
}

// Role is an instantiation of a template. A nil OrganisationID marks the
// system role of a system template, usable by every organisation until that
// organisation overrides it.
type Role struct {
	ID              int64         `json:"id"`
	TemplateID      int64         `json:"template_id"`
	OrganisationID  *int64        `json:"organisation_id,omitempty"`
	OverridesSystem bool          `json:"overrides_system"`
	SystemRoleID    *int64        `json:"system_role_id,omitempty"`
	RevertedAt      *time.Time    `json:"reverted_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	Template        *RoleTemplate `json:"template,omitempty"`
}

// IsSystem reports whether this is a global system role
func (r *Role) IsSystem() bool {
	return r.OrganisationID == nil
}

// Active reports whether the role can still receive assignments
func (r *Role) Active() bool {
	return r.RevertedAt == nil
}

// VisibleTo reports whether the role can be used inside the organisation
func (r *Role) VisibleTo(organisationID int64) bool {
	return r.OrganisationID == nil || *r.OrganisationID == organisationID
}

// SubjectType discriminates the kinds of principal that can hold roles
type SubjectType string

const (
	SubjectTypeUser SubjectType = "user"
)

// Subject is a principal that can hold roles and permission overrides
type Subject struct {
	Type SubjectType `json:"type"`
	ID   int64       `json:"id"`
}

// User returns the subject for a user id
func User(id int64) Subject {
	return Subject{Type: SubjectTypeUser, ID: id}
}

// Validate checks the subject is well formed
func (s Subject) Validate() error {
	if s.Type == "" || s.ID <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSubject, s)
	}
	return nil
}

func (s Subject) String() string {
	return fmt.Sprintf("%s:%d", s.Type, s.ID)
}

// ParseSubject parses "type:id" (or a bare user id)
func ParseSubject(s string) (Subject, error) {
	typ, id, found := strings.Cut(s, ":")
	if !found {
		typ, id = string(SubjectTypeUser), s
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Subject{}, fmt.Errorf("%w: %q", ErrInvalidSubject, s)
	}
	subject := Subject{Type: SubjectType(typ), ID: n}
	return subject, subject.Validate()
}

// RoleAssignment binds a subject to a role inside one organisation
type RoleAssignment struct {
	RoleID         int64     `json:"role_id"`
	Subject        Subject   `json:"subject"`
	OrganisationID int64     `json:"organisation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// PermissionOverride is a direct grant (Grant=true) or denial of a permission
// for one subject in one organisation
type PermissionOverride struct {
	Subject        Subject        `json:"subject"`
	Permission     PermissionName `json:"permission"`
	OrganisationID int64          `json:"organisation_id"`
	Grant          bool           `json:"grant"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TemplateInput describes a new custom template
type TemplateInput struct {
	Name        string
	DisplayName string
	Description string
	Level       int
	Permissions []PermissionName
}

// SystemTemplateInput describes a system template as declared by the catalogue
type SystemTemplateInput struct {
	Name        string
	DisplayName string
	Description string
	Level       int
	Permissions []PermissionName
}

// TemplateFields carries optional field updates. Nil fields are left as is.
type TemplateFields struct {
	DisplayName  *string
	Description  *string
	Level        *int
	CanBeDeleted *bool
}

// IsZero reports whether no field is set
func (f TemplateFields) IsZero() bool {
	return f.DisplayName == nil && f.Description == nil && f.Level == nil && f.CanBeDeleted == nil
}

// UpsertOutcome reports what CreateSystem did
type UpsertOutcome int

const (
	OutcomeUnchanged UpsertOutcome = iota
	OutcomeCreated
	OutcomeUpdated
)

func (o UpsertOutcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// OverrideResult is returned by CreateOverride
type OverrideResult struct {
	Role              *Role
	Template          *RoleTemplate
	MigratedUserCount int
}

// RevertOptions tunes RevertToSystem
type RevertOptions struct {
	// PurgeOrphan deletes the detached override role, and its template when
	// no other role uses it, in the same transaction.
	PurgeOrphan bool
}

// RevertResult is returned by RevertToSystem
type RevertResult struct {
	SystemRole        *Role
	MigratedUserCount int
	RolePurged        bool
	TemplatePurged    bool
}
