// Package catalog keeps the system role templates of the RBAC engine in
// step with a declarative YAML catalogue.
//
// A catalogue lists the permissions the product knows about and the system
// templates built from them:
//
//	version: 1
//	permissions:
//	  - name: project.read
//	    description: View projects
//	templates:
//	  - name: member
//	    display_name: Member
//	    level: 10
//	    permissions: [project.read]
//
// The catalogue is read from a Source (a local file or an S3 object) and
// applied with a Syncer. Syncing is idempotent: permissions are upserted in
// one transaction and each template reports whether it was created, updated
// or left unchanged. Templates that disappear from the catalogue are left in
// place since organisations may still hold roles built from them.
//
// Watcher re-syncs when the catalogue file changes and Scheduler re-syncs on
// a cron schedule, which suits catalogues kept in object storage.
package catalog
