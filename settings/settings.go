// Package settings provides the namespaced key-value stores that history state is persisted in.
// Keys are "<namespace>/<name>", e.g. "battery_history/count".
package settings

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrInvalidKey = errors.New("settings: invalid key")

// LoadHandler is called once per stored key under a namespace with the key relative to the
// namespace. An error from the handler is reported back to Load but does not stop the walk.
type LoadHandler func(name string, value []byte) error

type Store interface {
	Save(key string, value []byte) error
	Load(namespace string, handler LoadHandler) error
}

// LoadError collects the per-key handler failures of one Load call.
type LoadError struct {
	Errs map[string]error
}

func (e *LoadError) Error() string {
	names := make([]string, 0, len(e.Errs))
	for name := range e.Errs {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Errs[name]))
	}
	return "settings load: " + strings.Join(parts, "; ")
}

func (e *LoadError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errs))
	for _, err := range e.Errs {
		errs = append(errs, err)
	}
	return errs
}

func (e *LoadError) add(name string, err error) {
	if e.Errs == nil {
		e.Errs = map[string]error{}
	}
	e.Errs[name] = err
}

func (e *LoadError) orNil() error {
	if len(e.Errs) == 0 {
		return nil
	}
	return e
}

func splitKey(key string) (string, string, error) {
	namespace, name, ok := strings.Cut(key, "/")
	if !ok || namespace == "" || name == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return namespace, name, nil
}

// Memory is an in-process Store. Useful for tests and for running without a state file.
type Memory struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: map[string]map[string][]byte{}}
}

func (m *Memory) Save(key string, value []byte) error {
	namespace, name, err := splitKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = map[string][]byte{}
		m.data[namespace] = ns
	}
	ns[name] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Load(namespace string, handler LoadHandler) error {
	m.mu.Lock()
	names := []string{}
	values := map[string][]byte{}
	for name, v := range m.data[namespace] {
		names = append(names, name)
		values[name] = append([]byte(nil), v...)
	}
	m.mu.Unlock()
	sort.Strings(names)

	loadErr := &LoadError{}
	for _, name := range names {
		if err := handler(name, values[name]); err != nil {
			loadErr.add(name, err)
		}
	}
	return loadErr.orNil()
}

// Get returns a copy of the stored value for key.
func (m *Memory) Get(key string) ([]byte, bool) {
	namespace, name, err := splitKey(key)
	if err != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[namespace][name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}
