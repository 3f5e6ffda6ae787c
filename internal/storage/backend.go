// Package storage provides durable key-value backends for the state store.
//
// A Backend is an opaque key to JSON-bytes map with prefix enumeration. The
// state store namespaces its keys, so every backend can be shared by several
// stores without collisions.
package storage

import (
	"errors"
	"fmt"
	"io"
)

// ErrClosed is returned by backends used after Close.
var ErrClosed = errors.New("storage: backend closed")

// Backend is the durability boundary of the state store.
type Backend interface {
	// GetAll returns every entry whose key starts with prefix.
	GetAll(prefix string) (map[string][]byte, error)
	// SetItem stores value under key, replacing any previous value.
	SetItem(key string, value []byte) error
	// RemoveItem deletes key. Removing a missing key is not an error.
	RemoveItem(key string) error
}

// Kinds accepted by Open.
const (
	KindMemory = "memory"
	KindFile   = "file"
	KindSQLite = "sqlite"
	KindBadger = "badger"
)

// Open creates the backend named by kind. path is ignored for memory.
func Open(kind, path string) (Backend, error) {
	switch kind {
	case KindMemory, "":
		return NewMemory(), nil
	case KindFile:
		return NewFile(path)
	case KindSQLite:
		return NewSQLite(path)
	case KindBadger:
		return NewBadger(path)
	}
	return nil, fmt.Errorf("unknown storage backend %q", kind)
}

// Close closes b if it holds resources.
func Close(b Backend) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
