// Package storage provides the shared key-value store tabs use to exchange
// broadcast envelopes.
//
// Drivers:
//   - memory: in-process hub; handles opened on the same Hub see each other
//   - file:   one file per key in a shared directory, change feed via fsnotify
//   - sqlite: shared database file, change feed by polling an append-only log
//
// Entries are short-lived. Writers create unique keys and delete them later;
// nothing does read-modify-write, so drivers need no cross-process locking.
package storage
