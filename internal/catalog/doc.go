// Package catalog records recording sessions and their finalized data files
// in a SQLite database so operators can list, audit and verify what was
// written without scanning the data directory.
package catalog
