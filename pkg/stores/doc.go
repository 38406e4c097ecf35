// Package stores provides persistence for Gantry environments. It includes
// the filesystem-backed environment record store (atomic writes guarded by
// pid sidecar locks) and a SQLite-based transition journal with WAL mode
// and schema migrations.
package stores
