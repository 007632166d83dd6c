// Package database opens the relational store used by the RBAC engine and
// hides the small differences between the supported drivers.
//
// Two drivers are supported:
//
//	postgres - github.com/lib/pq, the production store
//	sqlite3  - github.com/mattn/go-sqlite3, embedded/dev store and tests
//
// Queries in this module are written once with numbered placeholders ($1,
// $2, ...) which both drivers accept, provided each placeholder first appears
// in ascending order. Dialect covers what cannot be written portably: row
// locks and transaction isolation.
package database
