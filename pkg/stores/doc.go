// Package stores provides the SQLite persistence layer for logfleet: machines,
// process templates, instances with their lifecycle state, tasks with their step
// records, and the operator audit log. Schema changes are applied through embedded
// migrations.
package stores
