// Package storage owns the database handle shared by the schedule, channel,
// message and send log stores.
//
// Queries are written with "?" placeholders and rebound for PostgreSQL.
// Timestamps are stored as unix milliseconds (BIGINT); a NULL column maps to
// the zero time.Time.
package storage
