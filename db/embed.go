// Package db provides embedded database schema and migration files.
package db

import _ "embed"

// Schema contains the idempotent DDL for the registration, discount code and
// usage tables.
//
//go:embed migrations/001_schema.sql
var Schema string
