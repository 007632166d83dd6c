package rbac

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors. They are detected before any write and are never
// partially applied.
var (
	ErrDuplicateName              = errors.New("rbac: template name already exists")
	ErrOverrideAlreadyExists      = errors.New("rbac: override already exists for organisation")
	ErrNotAnOverride              = errors.New("rbac: role does not override a system role")
	ErrNotSystemTemplate          = errors.New("rbac: template is not a system template")
	ErrTemplateOwnershipMismatch  = errors.New("rbac: template is not owned by organisation")
	ErrTemplateInUse              = errors.New("rbac: template is in use")
	ErrSystemTemplateProtected    = errors.New("rbac: system template is protected")
	ErrTemplateProtected          = errors.New("rbac: template is marked as not deletable")
	ErrCannotRemoveAllPermissions = errors.New("rbac: cannot remove all permissions from a template in use")
	ErrRoleNotFound               = errors.New("rbac: role not found")
	ErrTemplateNotFound           = errors.New("rbac: template not found")
	ErrSubjectNotInOrganisation   = errors.New("rbac: subject is not a member of organisation")
	ErrUnknownPermission          = errors.New("rbac: unknown permission")
	ErrRoleInUse                  = errors.New("rbac: role has assignments")
	ErrProtectedRole              = errors.New("rbac: role is protected")
	ErrRoleInactive               = errors.New("rbac: role has been reverted")
	ErrInvalidPermissionName      = errors.New("rbac: invalid permission name")
	ErrInvalidSubject             = errors.New("rbac: invalid subject")
	ErrInvalidTemplate            = errors.New("rbac: invalid template")
	ErrNoRole                     = errors.New("rbac: subject holds no role in organisation")
)

// ErrStore matches every StoreError
var ErrStore = errors.New("rbac: store error")

var validationErrors = []error{
	ErrDuplicateName,
	ErrOverrideAlreadyExists,
	ErrNotAnOverride,
	ErrNotSystemTemplate,
	ErrTemplateOwnershipMismatch,
	ErrTemplateInUse,
	ErrSystemTemplateProtected,
	ErrTemplateProtected,
	ErrCannotRemoveAllPermissions,
	ErrRoleNotFound,
	ErrTemplateNotFound,
	ErrSubjectNotInOrganisation,
	ErrUnknownPermission,
	ErrRoleInUse,
	ErrProtectedRole,
	ErrRoleInactive,
	ErrInvalidPermissionName,
	ErrInvalidSubject,
	ErrInvalidTemplate,
	ErrNoRole,
}

// IsValidationError reports whether err is a caller error rather than a
// store failure
func IsValidationError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// TemplateInUseError reports how many roles still reference a template
type TemplateInUseError struct {
	TemplateID int64
	Count      int
}

func (e *TemplateInUseError) Error() string {
	return fmt.Sprintf("rbac: template %d is in use by %d role(s)", e.TemplateID, e.Count)
}

func (e *TemplateInUseError) Is(target error) bool {
	return target == ErrTemplateInUse
}

// RoleInUseError reports how many assignments still reference a role
type RoleInUseError struct {
	RoleID int64
	Count  int
}

func (e *RoleInUseError) Error() string {
	return fmt.Sprintf("rbac: role %d has %d assignment(s)", e.RoleID, e.Count)
}

func (e *RoleInUseError) Is(target error) bool {
	return target == ErrRoleInUse
}

// UnknownPermissionError lists permission names missing from the registry
type UnknownPermissionError struct {
	Names []PermissionName
}

func (e *UnknownPermissionError) Error() string {
	names := make([]string, len(e.Names))
	for i, n := range e.Names {
		names[i] = string(n)
	}
	return "rbac: unknown permission(s): " + strings.Join(names, ", ")
}

func (e *UnknownPermissionError) Is(target error) bool {
	return target == ErrUnknownPermission
}

// StoreError wraps a failure of the relational store. The whole operation
// was rolled back and may be retried from the start.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("rbac: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

// wrapStore converts err into a StoreError unless it already is a domain
// or store error
func wrapStore(op string, err error) error {
	if err == nil || IsValidationError(err) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
