// Package prefs implements the key/value preference store holding mount
// roots and credentials, with change notification.
package prefs

import (
	"maps"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Listener receives the keys changed by an edit or a reload.
type Listener func(keys []string)

// Store is a preference store. Reads never block on writers for longer
// than a map copy.
type Store interface {
	String(key string) (string, bool)
	StringArray(key string) []string
	Int(key string, def int) int
	Edit() *Edit
	Subscribe(fn Listener) (cancel func())
}

// Edit batches changes. Nothing is visible until Apply.
type Edit struct {
	target  committer
	changes map[string]any // nil value removes
}

type committer interface {
	commit(changes map[string]any) error
}

// SetString sets a string value.
func (e *Edit) SetString(key, value string) *Edit {
	e.changes[key] = value
	return e
}

// SetStringArray sets a string array value.
func (e *Edit) SetStringArray(key string, values []string) *Edit {
	e.changes[key] = slices.Clone(values)
	return e
}

// SetInt sets an integer value.
func (e *Edit) SetInt(key string, value int) *Edit {
	e.changes[key] = strconv.Itoa(value)
	return e
}

// Remove deletes key.
func (e *Edit) Remove(keys ...string) *Edit {
	for _, k := range keys {
		e.changes[k] = nil
	}
	return e
}

// Apply commits the batch and notifies listeners of changed keys.
func (e *Edit) Apply() error {
	return e.target.commit(e.changes)
}

// values is the shared in-memory state of every store.
type values struct {
	mu        sync.RWMutex
	data      map[string]any
	listeners *xsync.Map[uint64, Listener]
	nextID    atomic.Uint64
}

func newValues() *values {
	return &values{
		data:      map[string]any{},
		listeners: xsync.NewMap[uint64, Listener](),
	}
}

func (v *values) String(key string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.data[key].(string)
	return s, ok
}

func (v *values) StringArray(key string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	a, _ := v.data[key].([]string)
	return slices.Clone(a)
}

func (v *values) Int(key string, def int) int {
	s, ok := v.String(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func (v *values) Subscribe(fn Listener) func() {
	id := v.nextID.Add(1)
	v.listeners.Store(id, fn)
	return func() { v.listeners.Delete(id) }
}

// apply merges changes into a copy of the data and returns the copy and
// the keys whose value changed. The caller holds mu.
func (v *values) apply(changes map[string]any) (map[string]any, []string) {
	next := maps.Clone(v.data)
	var changed []string
	for k, nv := range changes {
		old, had := next[k]
		if nv == nil {
			if had {
				delete(next, k)
				changed = append(changed, k)
			}
			continue
		}
		if !had || !equal(old, nv) {
			next[k] = nv
			changed = append(changed, k)
		}
	}
	slices.Sort(changed)
	return next, changed
}

// replace swaps in data wholesale, returning the changed keys.
func (v *values) replace(data map[string]any) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var changed []string
	for k, nv := range data {
		if old, ok := v.data[k]; !ok || !equal(old, nv) {
			changed = append(changed, k)
		}
	}
	for k := range v.data {
		if _, ok := data[k]; !ok {
			changed = append(changed, k)
		}
	}
	v.data = data
	slices.Sort(changed)
	return changed
}

func (v *values) notify(keys []string) {
	if len(keys) == 0 {
		return
	}
	v.listeners.Range(func(_ uint64, fn Listener) bool {
		fn(slices.Clone(keys))
		return true
	})
}

func equal(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []string:
		bv, ok := b.([]string)
		return ok && slices.Equal(av, bv)
	}
	return false
}

// Memory is a non-persistent store.
type Memory struct {
	*values
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: newValues()}
}

// Edit implements Store.
func (m *Memory) Edit() *Edit {
	return &Edit{target: m, changes: map[string]any{}}
}

func (m *Memory) commit(changes map[string]any) error {
	m.mu.Lock()
	next, changed := m.apply(changes)
	m.data = next
	m.mu.Unlock()
	m.notify(changed)
	return nil
}
