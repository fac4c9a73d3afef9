// Package db provides embedded database schema and migration files.
package db

import _ "embed"

// Schema contains the DDL statements for the orders and groups tables and
// the orders_changed notification trigger.
//
//go:embed migrations/001_schema.sql
var Schema string
