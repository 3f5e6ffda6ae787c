package state

import (
	"bytes"
	"runtime"
	"strconv"
)

// Listener receives change notifications for a key. A listener registered
// on several keys is told which key changed.
//
// Listeners are compared with ==, so implementations must be comparable;
// pointer types always are.
type Listener interface {
	StateChanged(newValue, oldValue any, key string)
}

// ListenerFunc adapts a function to the Listener interface. Obtain one with
// OnChange and keep the pointer to remove it later.
type ListenerFunc struct {
	fn func(newValue, oldValue any, key string)
}

// OnChange wraps fn as a Listener.
func OnChange(fn func(newValue, oldValue any, key string)) *ListenerFunc {
	return &ListenerFunc{fn: fn}
}

// StateChanged calls the wrapped function.
func (l *ListenerFunc) StateChanged(newValue, oldValue any, key string) {
	l.fn(newValue, oldValue, key)
}

// AddListener registers l for changes to key. Adding the same listener to
// the same key twice has no effect.
func (s *Store) AddListener(key string, l Listener) {
	if l == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.listeners[key] {
		if existing == l {
			return
		}
	}
	s.listeners[key] = append(s.listeners[key], l)
}

// RemoveListener unregisters l from key.
func (s *Store) RemoveListener(key string, l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls := s.listeners[key]
	for i, existing := range ls {
		if existing == l {
			s.listeners[key] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(s.listeners[key]) == 0 {
		delete(s.listeners, key)
	}
}

func (s *Store) listenerCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[key])
}

// depthKey identifies one chain of nested notifications for a key.
// Listeners run on the goroutine that made the change, so a listener that
// sets a key again does so on the same goroutine.
type depthKey struct {
	goroutine uint64
	key       string
}

func (s *Store) notify(changes []change) {
	gid := goroutineID()
	for _, c := range changes {
		dk := depthKey{goroutine: gid, key: c.key}

		s.mu.Lock()
		if s.depth[dk] >= maxNotifyDepth {
			s.mu.Unlock()
			s.logger.Warn("suppressing reentrant notification", "key", c.key, "depth", maxNotifyDepth)
			continue
		}
		s.depth[dk]++
		ls := append([]Listener(nil), s.listeners[c.key]...)
		s.mu.Unlock()

		for _, l := range ls {
			s.call(l, c)
		}

		s.mu.Lock()
		s.depth[dk]--
		if s.depth[dk] == 0 {
			delete(s.depth, dk)
		}
		s.mu.Unlock()
	}
}

// goroutineID parses the current goroutine's id from the header of its
// stack trace, "goroutine 18 [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

func (s *Store) call(l Listener, c change) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("state listener panicked", "key", c.key, "panic", r)
		}
	}()
	l.StateChanged(c.newValue, c.oldValue, c.key)
}
