// Package cli implements the taskforge-rbac administration tool.
//
// Every command takes its scope as flags and connects to the store named by
// the TASKFORGE_* environment (see pkg/config). Mutations are audited with
// the invoking user as actor.
//
// # Catalogue
//
//	taskforge-rbac migrate
//	taskforge-rbac validate -file catalog.yaml
//	taskforge-rbac sync -file catalog.yaml
//	taskforge-rbac sync -s3-bucket taskforge-config -s3-key rbac/catalog.yaml
//
// # Roles and overrides
//
// Roles are named by id or by template name; a name resolves to the role the
// organisation currently uses, so "member" means the override once one
// exists.
//
//	taskforge-rbac override -org 42 -template member -permissions task.read,project.read
//	taskforge-rbac add-permissions -org 42 -role member -permissions task.assign
//	taskforge-rbac revert -org 42 -role member -purge
//	taskforge-rbac create-role -org 42 -name auditor -level 15 -permissions audit.read
//
// # Subjects
//
//	taskforge-rbac assign -org 42 -subject user:101 -role manager
//	taskforge-rbac deny -org 42 -subject user:101 -permission billing.read
//	taskforge-rbac effective -org 42 -subject user:101
//	taskforge-rbac check -org 42 -subject user:101 -permission task.delete
//	taskforge-rbac members remove -org 42 -subject user:101
//
// # Audit
//
//	taskforge-rbac audit-export -org 42 -since 24h -format csv > audit.csv
package cli
