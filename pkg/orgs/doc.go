// Package orgs tracks which subjects belong to which organisation.
//
// The RBAC engine only knows organisations as ids. This package records
// membership so the engine can refuse roles and permission overrides for
// subjects outside an organisation:
//
//	members, err := orgs.NewSQLService(ctx, db, nil)
//	engine := rbac.NewEngine(db, dialect, rbac.WithMembership(members))
//	members.SetPurger(engine)
//
// Removing a member also purges the member's role assignments and
// permission overrides in that organisation, so a later re-join starts with
// no access.
package orgs
