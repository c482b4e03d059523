// Copyright (c) AgentHive Authors.
// Licensed under the MIT License.

/*
Package migration versions the task archive schema with golang-migrate.

The SQL migrations are embedded per driver dialect (postgres, mysql,
sqlite) so the binary carries its own schema. Migrator wraps a
golang-migrate instance bound to the embedded source for the configured
driver; CLI renders its operations for the migrate subcommands.

NewFromConfig builds a Migrator straight from config.DatabaseConfig.
The sqlite dialect uses the pure-Go modernc driver, so migrations work
in cgo-free builds and tests.
*/
package migration
