// Package storage defines the snapshot store contract shared by the
// BadgerDB production backend and the in-memory test backend.
package storage
