package engine

import (
	"fmt"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/envhost/internal/errors"
	"github.com/GriffinCanCode/envhost/internal/loader"
)

func TestNewContextInitializesPrimordials(t *testing.T) {
	ctx := newTestContext(t)

	prim := ctx.Primordials()
	require.NotNil(t, prim)
	assert.Nil(t, prim.Prototype(), "primordials must not inherit from Object.prototype")
	assert.NotNil(t, prim.Get("ArrayPrototypePush"))
	assert.NotNil(t, prim.Get("ObjectFreeze"))

	exports := GetPerContextExports(ctx)
	assert.Same(t, exports, GetPerContextExports(ctx))
	assert.True(t, exports.Get("primordials").SameAs(prim))
	assert.NotNil(t, exports.Get("DOMException"))

	allowed, ok := ctx.EmbedderData(EmbedderAllowWasmCodeGeneration)
	assert.True(t, ok)
	assert.Equal(t, true, allowed)
}

func TestPrimordialsSurviveMonkeyPatching(t *testing.T) {
	ctx := newTestContext(t)
	iso := ctx.Isolate()

	_, err := iso.RunScript("patch.js", "Array.prototype.push = function () { throw new Error('patched') }")
	require.NoError(t, err)

	fn, err := iso.RunScript("use.js", "(function (p) { const a = []; p.ArrayPrototypePush(a, 1); return a.length })")
	require.NoError(t, err)
	call, _ := goja.AssertFunction(fn)
	v, err := iso.Call(call, nil, ctx.Primordials())
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.ToInteger())
}

func TestPerContextExportsAreNotGlobal(t *testing.T) {
	ctx := newTestContext(t)
	v, err := ctx.Isolate().RunScript("probe.js", "typeof primordials + ',' + typeof exports")
	require.NoError(t, err)
	assert.Equal(t, "undefined,undefined", v.String())
}

func TestDOMException(t *testing.T) {
	ctx := newTestContext(t)
	iso := ctx.Isolate()
	require.NoError(t, ctx.Global().Set("DOMException", GetPerContextExports(ctx).Get("DOMException")))

	v, err := iso.RunScript("dom.js", `
		const e = new DOMException('gone', 'NotFoundError');
		[e.name, e.message, e.code, e instanceof Error, DOMException.NOT_FOUND_ERR].join('|')
	`)
	require.NoError(t, err)
	assert.Equal(t, "NotFoundError|gone|8|true|8", v.String())
}

func TestSecondLiveContextIsRejected(t *testing.T) {
	ctx := newTestContext(t)

	_, err := NewContext(ctx.Isolate(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvalidState))

	ctx.Dispose()
	again, err := NewContext(ctx.Isolate(), nil)
	require.NoError(t, err)
	assert.Same(t, again, ctx.Isolate().MainContext())
}

func TestTemplateAppliesToGlobal(t *testing.T) {
	iso := newTestIsolate(t)
	ctx, err := NewContext(iso, func(vm *goja.Runtime, global *goja.Object) error {
		return global.Set("hostName", "envhost")
	})
	require.NoError(t, err)

	v, err := ctx.Isolate().RunScript("name.js", "hostName")
	require.NoError(t, err)
	assert.Equal(t, "envhost", v.String())
}

func TestTemplateFailureDiscardsContext(t *testing.T) {
	iso := newTestIsolate(t)
	_, err := NewContext(iso, func(*goja.Runtime, *goja.Object) error {
		return fmt.Errorf("template exploded")
	})
	require.Error(t, err)
	assert.True(t, errors.IsPhase(err, errors.PhaseContext))
	assert.Nil(t, iso.MainContext())
}

func TestPerContextScriptFailureDiscardsContext(t *testing.T) {
	tests := []struct {
		name   string
		source string
		kind   errors.Kind
	}{
		{name: "compile failure", source: "this is not javascript", kind: errors.KindCompile},
		{name: "runtime failure", source: "throw new Error('init failed')", kind: errors.KindExecution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := loader.New(nil)
			l.Add("internal/per_context/domexception", tt.source)
			iso := newTestIsolate(t, WithLoader(l))

			ctx, err := NewContext(iso, nil)
			require.Error(t, err)
			assert.Nil(t, ctx)
			assert.True(t, errors.IsPhase(err, errors.PhaseContext))
			assert.True(t, errors.IsKind(err, tt.kind))
			assert.Nil(t, iso.MainContext())
			assert.Equal(t, 0, iso.ScopeDepth())

			// the isolate stays usable once the script is fixed
			l.Add("internal/per_context/domexception", "exports.DOMException = Error;")
			_, err = NewContext(iso, nil)
			require.NoError(t, err)
		})
	}
}

func TestInitializeContextRuntimeStripsLegacyBuiltins(t *testing.T) {
	iso := newTestIsolate(t)
	ctx, err := NewContext(iso, func(vm *goja.Runtime, global *goja.Object) error {
		_, err := vm.RunString(`
			globalThis.Intl = { v8BreakIterator: function () {}, keep: 1 };
			globalThis.Atomics = { wake: function () {}, notify: function () {} };
		`)
		return err
	})
	require.NoError(t, err)

	v, err := iso.RunScript("check.js", `[
		'v8BreakIterator' in Intl, Intl.keep,
		'wake' in Atomics, typeof Atomics.notify,
	].join(',')`)
	require.NoError(t, err)
	assert.Equal(t, "false,1,false,function", v.String())

	// absence is not an error
	assert.NotPanics(t, func() { InitializeContextRuntime(ctx) })
}

func TestContextScopes(t *testing.T) {
	ctx := newTestContext(t)
	iso := ctx.Isolate()

	assert.Same(t, ctx, iso.CurrentContext())
	err := iso.WithContext(ctx, func() error {
		assert.Equal(t, 1, iso.ScopeDepth())
		return fmt.Errorf("inner")
	})
	assert.EqualError(t, err, "inner")
	assert.Equal(t, 0, iso.ScopeDepth())
}
