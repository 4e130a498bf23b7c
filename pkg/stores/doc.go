// Package stores keeps the run journal: every run, the objects it
// declared and the events it published, in a SQLite database with WAL
// mode and embedded migrations.
package stores
