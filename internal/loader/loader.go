// Package loader stores the native JavaScript modules the host ships and
// compiles them into callable functions on demand.
//
// Module sources are kept by name. LookupAndCompile wraps a source in a
// function whose parameters are supplied by the caller, so the same
// mechanism serves per-context scripts, bootstrap modules, public built-ins
// and ad-hoc main programs registered under a synthetic name.
package loader

import (
	"embed"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/envhost/internal/errors"
	"github.com/GriffinCanCode/envhost/internal/infrastructure/logging"
)

// DefaultPattern selects the files LoadDir registers.
const DefaultPattern = "**/*.js"

//go:embed lib
var builtins embed.FS

// Loader is a thread-safe module table. Compiled programs are shared across
// runtimes.
type Loader struct {
	logger *zap.Logger

	mu      sync.RWMutex
	sources map[string]string

	programs sync.Map // programKey -> *goja.Program
}

type programKey struct {
	name   string
	params string
}

// New returns a loader seeded with the built-in library.
func New(logger *zap.Logger) *Loader {
	l := &Loader{
		logger:  logging.OrNop(logger).Named("loader"),
		sources: make(map[string]string),
	}
	l.seed()
	return l
}

var (
	defaultOnce   sync.Once
	defaultLoader *Loader
)

// Default returns the process-wide loader.
func Default() *Loader {
	defaultOnce.Do(func() {
		defaultLoader = New(nil)
	})
	return defaultLoader
}

func (l *Loader) seed() {
	err := fs.WalkDir(builtins, "lib", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || path.Ext(p) != ".js" {
			return err
		}
		src, err := builtins.ReadFile(p)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(strings.TrimPrefix(p, "lib/"), ".js")
		l.sources[name] = string(src)
		return nil
	})
	if err != nil {
		// the embedded tree is fixed at build time
		panic(err)
	}
}

// Add registers source under name, replacing any previous module with that
// name.
func (l *Loader) Add(name, source string) {
	l.mu.Lock()
	l.sources[name] = source
	l.invalidate(name)
	l.mu.Unlock()
}

// Remove drops a module. Built-ins can be removed too.
func (l *Loader) Remove(name string) {
	l.mu.Lock()
	delete(l.sources, name)
	l.invalidate(name)
	l.mu.Unlock()
}

// invalidate drops the compiled programs of name. Callers hold l.mu.
func (l *Loader) invalidate(name string) {
	l.programs.Range(func(k, _ any) bool {
		if k.(programKey).name == name {
			l.programs.Delete(k)
		}
		return true
	})
}

// Exists reports whether a module is registered under name.
func (l *Loader) Exists(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.sources[name]
	return ok
}

// Source returns the source registered under name.
func (l *Loader) Source(name string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src, ok := l.sources[name]
	return src, ok
}

// Names returns the registered module names in sorted order.
func (l *Loader) Names() []string {
	l.mu.RLock()
	names := make([]string, 0, len(l.sources))
	for name := range l.sources {
		names = append(names, name)
	}
	l.mu.RUnlock()
	slices.Sort(names)
	return names
}

// IsInternal reports whether name belongs to the internal namespace that
// user code cannot require.
func IsInternal(name string) bool {
	return strings.HasPrefix(name, "internal/") || strings.HasPrefix(name, "embedder_main_")
}

// LookupAndCompile compiles the module registered under name as a function
// taking params and returns it bound to vm.
func (l *Loader) LookupAndCompile(vm *goja.Runtime, name string, params []string) (goja.Callable, error) {
	prog, err := l.program(name, params)
	if err != nil {
		return nil, err
	}

	v, err := vm.RunProgram(prog)
	if err != nil {
		return nil, errors.Execution(errors.PhaseLoader, name, err)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, errors.New(errors.PhaseLoader, errors.KindCompile).
			Module(name).
			Detail("module wrapper did not evaluate to a function").
			Build()
	}
	return fn, nil
}

func (l *Loader) program(name string, params []string) (*goja.Program, error) {
	key := programKey{name: name, params: strings.Join(params, ",")}
	if p, ok := l.programs.Load(key); ok {
		return p.(*goja.Program), nil
	}

	src, ok := l.Source(name)
	if !ok {
		return nil, errors.NotFound(errors.PhaseLoader, "module", name)
	}

	var b strings.Builder
	b.Grow(len(src) + len(key.params) + 32)
	b.WriteString("(function (")
	b.WriteString(key.params)
	b.WriteString(") {")
	b.WriteString(src)
	b.WriteString("\n})")

	prog, err := goja.Compile(name, b.String(), false)
	if err != nil {
		return nil, errors.Compile(errors.PhaseLoader, name, err)
	}
	// only cache what still matches the registered source
	l.mu.RLock()
	if cur, ok := l.sources[name]; ok && cur == src {
		l.programs.Store(key, prog)
	}
	l.mu.RUnlock()
	return prog, nil
}

// LoadDir registers every file under dir matching pattern. The module name
// is the slash-separated path relative to dir without the .js extension.
// It returns the number of modules registered.
func (l *Loader) LoadDir(dir, pattern string) (int, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return 0, errors.InvalidInput(errors.PhaseLoader, "invalid module pattern "+pattern)
	}

	var (
		mu    sync.Mutex
		found = make(map[string]string)
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		matched, err := doublestar.Match(pattern, rel)
		if err != nil || !matched {
			return err
		}
		src, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		mu.Lock()
		found[strings.TrimSuffix(rel, path.Ext(rel))] = string(src)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(errors.PhaseLoader, errors.KindNotFound, err, "walk "+dir)
	}

	for name, src := range found {
		l.Add(name, src)
		l.logger.Debug("Registered module", logging.Module(name))
	}
	return len(found), nil
}
