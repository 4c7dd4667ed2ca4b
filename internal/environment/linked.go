package environment

import (
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/envhost/internal/check"
	"github.com/GriffinCanCode/envhost/internal/errors"
)

// RegisterFunc populates exports for a linked binding. priv is the value
// given to AddLinkedBinding.
type RegisterFunc func(env *Environment, exports *goja.Object, priv any) error

// LinkedBinding is an embedder-supplied native module reachable from
// script through process._linkedBinding.
type LinkedBinding struct {
	Name     string
	Register RegisterFunc
	Private  any
}

// AddLinkedBinding registers a binding on env. Registering a name twice
// shadows the earlier entry. Safe to call from any goroutine.
func AddLinkedBinding(env *Environment, name string, fn RegisterFunc, priv any) {
	check.That(env != nil, "environment.add_linked_binding", "environment must not be nil")
	check.That(fn != nil, "environment.add_linked_binding", "register function must not be nil")

	env.linkedMu.Lock()
	env.linked = append(env.linked, &LinkedBinding{Name: name, Register: fn, Private: priv})
	env.linkedMu.Unlock()
}

// LookupLinkedBinding returns the most recently added binding called name.
func (env *Environment) LookupLinkedBinding(name string) (*LinkedBinding, bool) {
	env.linkedMu.Lock()
	defer env.linkedMu.Unlock()
	for i := len(env.linked) - 1; i >= 0; i-- {
		if env.linked[i].Name == name {
			return env.linked[i], true
		}
	}
	return nil, false
}

// LinkedBindings returns the registered bindings in registration order.
func (env *Environment) LinkedBindings() []LinkedBinding {
	env.linkedMu.Lock()
	defer env.linkedMu.Unlock()
	out := make([]LinkedBinding, len(env.linked))
	for i, b := range env.linked {
		out[i] = *b
	}
	return out
}

// linkedBindingExports builds, or returns the cached, exports object for
// name. Each binding's Register runs once per environment.
func (env *Environment) linkedBindingExports(name string) goja.Value {
	vm := env.iso.Runtime()
	b, ok := env.LookupLinkedBinding(name)
	if !ok {
		panic(vm.NewGoError(errors.NotFound(errors.PhaseRuntime, "linked binding", name)))
	}
	if exports, ok := env.linkedJS[b]; ok {
		return exports
	}

	exports := vm.NewObject()
	if err := b.Register(env, exports, b.Private); err != nil {
		env.logger.Warn("Linked binding registration failed", zap.String("binding", name), zap.Error(err))
		throw(vm, err)
	}
	env.linkedJS[b] = exports
	return exports
}
