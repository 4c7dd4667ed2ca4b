package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolvePrefersOverrides(t *testing.T) {
	var got []string
	defaults := Handlers{
		FatalError:                   func(string, string) { got = append(got, "default fatal") },
		AllowWasmCodeGeneration:      func(*Context) bool { return false },
		HostCleanupFinalizationGroup: func(*Context, FinalizationGroup) { got = append(got, "default cleanup") },
	}
	s := Settings{
		FatalError: func(string, string) { got = append(got, "override fatal") },
	}

	h := Resolve(s, defaults)
	h.FatalError("here", "boom")
	h.HostCleanupFinalizationGroup(nil, FinalizationGroup{})

	assert.Equal(t, []string{"override fatal", "default cleanup"}, got)
	assert.False(t, h.AllowWasmCodeGeneration(nil))
	assert.Nil(t, h.PromiseReject, "slots unset on both sides stay unset")
}

func TestResolveIsPure(t *testing.T) {
	s := Settings{ShouldAbortOnUncaughtException: func(*Isolate) bool { return true }}
	defaults := Handlers{ShouldAbortOnUncaughtException: func(*Isolate) bool { return false }}

	first := Resolve(s, defaults)
	second := Resolve(s, defaults)
	assert.True(t, first.ShouldAbortOnUncaughtException(nil))
	assert.True(t, second.ShouldAbortOnUncaughtException(nil))
	assert.False(t, defaults.ShouldAbortOnUncaughtException(nil), "defaults are not modified")
}

func TestHandlersComplete(t *testing.T) {
	assert.False(t, Handlers{}.Complete())

	iso := &Isolate{}
	assert.True(t, builtinHandlers(iso).Complete())
}

func TestParseMicrotasksPolicy(t *testing.T) {
	tests := []struct {
		in   string
		want MicrotasksPolicy
	}{
		{"", MicrotasksAuto},
		{"auto", MicrotasksAuto},
		{"Explicit", MicrotasksExplicit},
		{"scoped", MicrotasksScoped},
	}
	for _, tt := range tests {
		got, err := ParseMicrotasksPolicy(tt.in)
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.NotEmpty(t, got.String())
	}

	_, err := ParseMicrotasksPolicy("eager")
	assert.Error(t, err)
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, DefaultFlags, s.Flags)
	assert.Equal(t, MicrotasksAuto, s.MicrotasksPolicy)
	assert.False(t, s.AbortOnUncaughtException)
}
