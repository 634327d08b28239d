// Package config is the dynamic configuration subsystem: a hierarchical,
// dotted-key namespace of typed variables loaded from YAML, with listener
// callbacks fired on change and an optional fsnotify-driven hot reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/fiberrt/fiberrt/internal/logging"
)

var nameRe = regexp.MustCompile(`^[a-z0-9._]*$`)

type varBase interface {
	fromYAML(node *yaml.Node) error
}

// Registry is a namespace of typed config variables. The zero value is not
// usable; construct with New.
type Registry struct {
	mu      sync.RWMutex
	vars    map[string]varBase
	log     *logging.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		vars: make(map[string]varBase),
		log:  logging.New("config"),
	}
}

var defaultRegistry = New()

// Default returns the process-wide registry that fiber.stack_size and
// tcp.connect.timeout (and any other runtime-wide key) are looked up
// from, for code that doesn't carry its own Registry reference.
func Default() *Registry { return defaultRegistry }

// Var is a single typed configuration value, identified by a lower-cased
// dotted name, with change listeners.
type Var[T any] struct {
	mu        sync.RWMutex
	name      string
	desc      string
	value     T
	listeners []func(oldVal, newVal T)
}

// Value returns the variable's current value.
func (v *Var[T]) Value() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Name returns the variable's registered dotted name.
func (v *Var[T]) Name() string { return v.name }

// AddListener registers cb to run whenever the value changes. Listeners
// run synchronously, in registration order, after the value has already
// been updated.
func (v *Var[T]) AddListener(cb func(oldVal, newVal T)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners = append(v.listeners, cb)
}

// SetValue sets the variable directly (bypassing YAML), notifying
// listeners if the value actually changed.
func (v *Var[T]) SetValue(val T) {
	v.mu.Lock()
	old := v.value
	if reflect.DeepEqual(old, val) {
		v.mu.Unlock()
		return
	}
	v.value = val
	listeners := append([]func(T, T){}, v.listeners...)
	v.mu.Unlock()

	for _, cb := range listeners {
		cb(old, val)
	}
}

func (v *Var[T]) fromYAML(node *yaml.Node) error {
	var val T
	if err := node.Decode(&val); err != nil {
		return fmt.Errorf("config: %s: %w", v.name, err)
	}
	v.SetValue(val)
	return nil
}

// Lookup registers name (case-folded to lower) with def if not already
// present in reg, or returns the already-registered Var of the same name.
// Re-looking up an existing name with a different type T panics: in the
// original this returned nullptr after logging an error; here it is a
// programmer error worth surfacing immediately rather than threading a
// second return value through every call site.
func Lookup[T any](reg *Registry, name string, def T, description string) *Var[T] {
	name = strings.ToLower(name)
	if !nameRe.MatchString(name) {
		panic(fmt.Sprintf("config: invalid variable name %q", name))
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if existing, ok := reg.vars[name]; ok {
		v, ok := existing.(*Var[T])
		if !ok {
			panic(fmt.Sprintf("config: %q already registered with a different type", name))
		}
		return v
	}

	v := &Var[T]{name: name, desc: description, value: def}
	reg.vars[name] = v
	return v
}

type flatEntry struct {
	key  string
	node *yaml.Node
}

// flatten mirrors ListAllMember: it walks a YAML mapping depth-first,
// emitting one entry per node at every prefix (so both "a" and "a.b" are
// visited when node a has child b), skipping any prefix containing a
// character outside [a-z0-9._].
func flatten(prefix string, node *yaml.Node, out *[]flatEntry) {
	if !nameRe.MatchString(prefix) {
		return
	}
	*out = append(*out, flatEntry{key: prefix, node: node})
	if node.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		child := keyNode.Value
		if prefix != "" {
			child = prefix + "." + child
		}
		flatten(child, valNode, out)
	}
}

// LoadYAML parses data and applies every node whose dotted, lower-cased
// path names a variable already registered via Lookup; unregistered keys
// are silently ignored, matching the original's "found ? apply : skip".
func (reg *Registry) LoadYAML(data []byte) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("config: parse: %w", err)
	}
	if len(root.Content) == 0 {
		return nil
	}

	var all []flatEntry
	flatten("", root.Content[0], &all)

	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, e := range all {
		if e.key == "" {
			continue
		}
		key := strings.ToLower(e.key)
		v, ok := reg.vars[key]
		if !ok {
			continue
		}
		if err := v.fromYAML(e.node); err != nil {
			reg.log.Warnf("%v", err)
		}
	}
	return nil
}

// LoadFile reads path and applies it via LoadYAML.
func (reg *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return reg.LoadYAML(data)
}

// Watch starts an fsnotify watch on path's containing directory (editors
// typically replace a file via rename rather than in-place write, which
// a direct file watch misses) and reloads path on every debounced write,
// so listeners observe hot-reloaded values without a process restart.
// Call the returned stop function to end the watch.
func (reg *Registry) Watch(path string) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	abs, _ := filepath.Abs(path)
	reg.watcher = w
	reg.done = make(chan struct{})
	done := reg.done

	go func() {
		debounce := time.NewTimer(0)
		<-debounce.C

		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				evAbs, _ := filepath.Abs(event.Name)
				if evAbs != abs {
					continue
				}
				debounce.Reset(100 * time.Millisecond)

			case werr, ok := <-w.Errors:
				if !ok {
					return
				}
				reg.log.Warnf("watch error: %v", werr)

			case <-debounce.C:
				if err := reg.LoadFile(path); err != nil {
					reg.log.Warnf("reload %s: %v", path, err)
				} else {
					reg.log.Infof("reloaded %s", path)
				}

			case <-done:
				_ = w.Close()
				return
			}
		}
	}()

	return func() { close(done) }, nil
}
