// Package state provides the reactive application state store.
//
// A Store is a typed key/value map with per-key change listeners and
// optional durability. Keys are dot-delimited, namespaced strings such as
// "pagination.currentPage". Values written with persist=true are stored as
// JSON in a storage.Backend under "<namespace>.<key>" and restored when a new
// Store is constructed over the same backend.
package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/thruflo/bulkwatch/internal/logging"
	"github.com/thruflo/bulkwatch/internal/storage"
)

// DefaultNamespace prefixes durable keys when no namespace is configured.
const DefaultNamespace = "stock-analyzer"

// maxNotifyDepth bounds nested notifications for a single key within one
// chain of listener calls. A listener that sets its own key again is
// notified at most this many levels deep. Concurrent writers to the same
// key do not count against each other.
const maxNotifyDepth = 4

// SerializationError reports a value that could not be encoded as JSON.
// The failed Set leaves memory and durable state untouched.
type SerializationError struct {
	Key string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("state: cannot serialize value for %q: %v", e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// Store holds application state and notifies listeners of changes.
// It is safe for concurrent use. Listeners run synchronously on the
// goroutine that made the change and must not block.
type Store struct {
	backend   storage.Backend
	namespace string
	logger    *logging.Logger

	mu        sync.Mutex
	values    map[string]any
	persisted map[string]bool
	listeners map[string][]Listener
	depth     map[depthKey]int
}

// Option configures a Store.
type Option func(*Store)

// WithNamespace sets the durable key namespace.
func WithNamespace(ns string) Option {
	return func(s *Store) {
		s.namespace = ns
	}
}

// WithLogger sets the logger used for listener and durability failures.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore creates a Store over backend and hydrates every entry under the
// store's namespace before returning. A nil backend keeps state in memory.
func NewStore(backend storage.Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend:   backend,
		namespace: DefaultNamespace,
		logger:    logging.Default(),
		values:    make(map[string]any),
		persisted: make(map[string]bool),
		listeners: make(map[string][]Listener),
		depth:     make(map[depthKey]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.backend == nil {
		s.backend = storage.NewMemory()
	}
	s.logger = s.logger.With("namespace", s.namespace)

	if err := s.hydrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) prefix() string {
	return s.namespace + "."
}

func (s *Store) durableKey(key string) string {
	return s.prefix() + key
}

func (s *Store) hydrate() error {
	entries, err := s.backend.GetAll(s.prefix())
	if err != nil {
		return fmt.Errorf("failed to load persisted state: %w", err)
	}

	for dk, raw := range entries {
		key := strings.TrimPrefix(dk, s.prefix())
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			s.logger.Warn("skipping unreadable persisted value", "key", key, "error", err)
			continue
		}
		s.values[key] = v
		s.persisted[key] = true
	}
	return nil
}

// Namespace returns the durable key namespace.
func (s *Store) Namespace() string {
	return s.namespace
}

// Get returns the value for key, or def if the key is unset.
func (s *Store) Get(key string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.values[key]; ok && v != nil {
		return v
	}
	return def
}

// Has reports whether key holds a value.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	return ok
}

// Keys returns every key currently held, sorted.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Value returns the value for key converted to T, or def if the key is
// unset or holds something that cannot be converted. Persisted values are
// held JSON-decoded, so a persisted int reads as float64; Value converts it
// back.
func Value[T any](s *Store, key string, def T) T {
	v := s.Get(key, nil)
	if v == nil {
		return def
	}
	if t, ok := v.(T); ok {
		return t
	}

	data, err := json.Marshal(v)
	if err != nil {
		return def
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return def
	}
	return out
}

type change struct {
	key      string
	newValue any
	oldValue any
}

// Set stores value under key and notifies the key's listeners. With persist
// the value is also written to the backend; a backend failure is logged and
// the in-memory value is kept. Without persist any durable copy is removed.
//
// A persisted value is kept in its JSON-decoded form, the same form it is
// restored in, so Get returns the same value before and after a restart.
func (s *Store) Set(key string, value any, persist bool) error {
	return s.SetMultiple(map[string]any{key: value}, persist)
}

// SetMultiple applies every update in memory before notifying any listener,
// so no listener observes a partially applied batch. Listeners are notified
// in key order.
func (s *Store) SetMultiple(updates map[string]any, persist bool) error {
	keys := make([]string, 0, len(updates))
	for k := range updates {
		if k == "" {
			return fmt.Errorf("state: empty key")
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := updates
	var encoded map[string][]byte
	if persist {
		values = make(map[string]any, len(keys))
		encoded = make(map[string][]byte, len(keys))
		for _, k := range keys {
			data, err := json.Marshal(updates[k])
			if err != nil {
				return &SerializationError{Key: k, Err: err}
			}
			var v any
			if err := json.Unmarshal(data, &v); err != nil {
				return &SerializationError{Key: k, Err: err}
			}
			encoded[k] = data
			values[k] = v
		}
	}

	changes := make([]change, 0, len(keys))

	s.mu.Lock()
	for _, k := range keys {
		changes = append(changes, change{key: k, newValue: values[k], oldValue: s.values[k]})
		s.values[k] = values[k]
	}
	for _, k := range keys {
		if persist {
			s.writeLocked(k, encoded[k])
		} else if s.persisted[k] {
			s.removeLocked(k)
		}
	}
	s.mu.Unlock()

	s.notify(changes)
	return nil
}

// Remove deletes key from memory and the backend and notifies listeners
// with a nil new value.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	old, existed := s.values[key]
	delete(s.values, key)
	if s.persisted[key] {
		s.removeLocked(key)
	}
	s.mu.Unlock()

	if existed {
		s.notify([]change{{key: key, newValue: nil, oldValue: old}})
	}
}

// Reset clears all in-memory values, every durable entry in the namespace
// and all listeners.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values = make(map[string]any)
	s.persisted = make(map[string]bool)
	s.listeners = make(map[string][]Listener)

	entries, err := s.backend.GetAll(s.prefix())
	if err != nil {
		return fmt.Errorf("failed to list persisted state: %w", err)
	}
	for dk := range entries {
		if err := s.backend.RemoveItem(dk); err != nil {
			s.logger.Error("failed to remove persisted value", "key", dk, "error", err)
		}
	}
	return nil
}

func (s *Store) writeLocked(key string, data []byte) {
	if err := s.backend.SetItem(s.durableKey(key), data); err != nil {
		s.logger.Error("failed to persist state", "key", key, "error", err)
		return
	}
	s.persisted[key] = true
}

func (s *Store) removeLocked(key string) {
	if err := s.backend.RemoveItem(s.durableKey(key)); err != nil {
		s.logger.Error("failed to remove persisted state", "key", key, "error", err)
		return
	}
	delete(s.persisted, key)
}

// Snapshot returns a shallow copy of every value. Intended for debugging
// and the CLI state dump.
func (s *Store) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
