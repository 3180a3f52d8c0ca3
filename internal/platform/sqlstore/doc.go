// Package sqlstore implements the store interfaces on database/sql.
//
// The same SQL runs on PostgreSQL through the pgx stdlib driver and on
// SQLite through mattn/go-sqlite3. Queries use $N placeholders whose first
// appearances are in ascending order, and all timestamps are bound from Go
// in UTC, so both engines resolve parameters and compare times the same way.
// Schema changes live in embedded goose migrations, one directory per dialect.
package sqlstore
