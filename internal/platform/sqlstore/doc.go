// Package sqlstore implements store.ContextStore on database/sql. The same
// code serves PostgreSQL through the pgx stdlib driver and SQLite through the
// pure-Go modernc driver; a Dialect rewrites placeholders where they differ.
//
// Each context is one row: the full document is stored as JSON next to the
// handful of columns the polling, sweeping and claim queries need.
package sqlstore
