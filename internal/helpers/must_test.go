package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrPanic(t *testing.T) {
	assert.PanicsWithValue(t, "name is required", func() {
		StrPanic("", "name is required")
	})
	require.Equal(t, "auth", StrPanic("auth", "name is required"))
}

func TestNilPanic(t *testing.T) {
	t.Run("nil_interface", func(t *testing.T) {
		var v any
		assert.PanicsWithValue(t, "v is required", func() { NilPanic(v, "v is required") })
	})
	t.Run("typed_nil_pointer", func(t *testing.T) {
		var p *int
		assert.PanicsWithValue(t, "p is required", func() { NilPanic(p, "p is required") })
	})
	t.Run("nil_func", func(t *testing.T) {
		var f func()
		assert.PanicsWithValue(t, "f is required", func() { NilPanic(f, "f is required") })
	})
	t.Run("non_nil", func(t *testing.T) {
		n := 3
		assert.Equal(t, &n, NilPanic(&n, "n is required"))
		assert.Equal(t, 0, NilPanic(0, "zero is not nil"))
	})
}
