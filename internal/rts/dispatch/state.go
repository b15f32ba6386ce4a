package dispatch

import (
	"fmt"
	"reflect"
	"sync"
)

// State is a typed service locator. The bootstrap wires one instance with the
// shared objects handlers depend on (registry, repositories, SFU engine); a
// handler pulls what it declares by type.
type State struct {
	mu     sync.RWMutex
	values map[reflect.Type]any
}

// NewState returns an empty state map.
func NewState() *State {
	return &State{values: make(map[reflect.Type]any)}
}

func typeOf[T any]() reflect.Type { return reflect.TypeOf((*T)(nil)).Elem() }

// Set stores v under its static type T. Later Sets for the same type replace
// the earlier value.
func Set[T any](s *State, v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[typeOf[T]()] = v
}

// Get retrieves the value stored under type T.
func Get[T any](s *State) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[typeOf[T]()]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// MustGet retrieves the value stored under type T and panics when it was
// never wired. Missing dependencies are bootstrap bugs, not runtime input.
func MustGet[T any](s *State) T {
	v, ok := Get[T](s)
	if !ok {
		panic(fmt.Sprintf("dispatch: no value of type %v in state", typeOf[T]()))
	}
	return v
}
