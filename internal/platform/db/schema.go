package db

import _ "embed"

// Schema is the full DDL for the Postgres-backed stores.
//
//go:embed schema.sql
var Schema string
