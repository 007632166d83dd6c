// Package rbac provides multi-tenant role-based access control for taskforge.
//
// # Overview
//
// Permissions are registered once, globally, as "resource.action" names.
// Role templates bundle permissions. System templates are shared by every
// organisation; custom templates belong to one organisation. A role is the
// instantiation of a template, and subjects are assigned roles inside an
// organisation:
//
//	Permission  - "project.create", "task.delete", ...
//	Template    - named permission bundle with a level
//	Role        - template instance; system roles have no organisation
//	Assignment  - (role, subject, organisation)
//	Override    - direct grant or denial of one permission for one subject
//
// # Overriding system roles
//
// An organisation that needs a system role to behave differently gets its
// own copy through the override protocol. CreateOverride copies the system
// template into the organisation, creates a role flagged as overriding the
// system role and moves every assignment of the system role in that
// organisation onto it, all in one transaction. RevertToSystem moves them
// back. While an override is active, assigning the system role in that
// organisation assigns the override instead, so exactly one of the two is in
// use at any time.
//
// AddPermissions and RemovePermissions on a system role create the override
// implicitly:
//
//	change, err := engine.AddPermissions(ctx, adminRoleID, orgID,
//		[]rbac.PermissionName{"billing.export"})
//	if err != nil {
//		return err
//	}
//	if change.Override != nil {
//		log.Printf("moved %d users onto role %d", change.Override.MigratedUserCount, change.Role.ID)
//	}
//
// # Resolution
//
// The effective permission set of a subject in an organisation is
//
//	(permissions of every assigned role ∪ direct grants) ∖ direct denials
//
// A denial wins over everything. Sets are computed from one read snapshot,
// cached through the Cache collaborator and invalidated after every
// committed mutation that can change them.
//
// # Storage
//
// Stores work on database/sql with PostgreSQL in production and SQLite for
// development and tests. Every mutation runs in one transaction; validation
// errors are returned before the first write and store failures come back
// as *StoreError after a rollback.
package rbac
