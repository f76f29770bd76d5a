// Package migrations carries the schema migration files inside the binary,
// so a deployed server can bootstrap its database without a checkout.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in filename order.
//
//go:embed *.sql
var FS embed.FS
