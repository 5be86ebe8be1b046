package pbui

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Run("emit calls listeners in registration order", func(t *testing.T) {
		r := newRegistry[int](zerolog.Nop())
		var order []string
		r.add("score", NewListener(func(v int) { order = append(order, "first") }))
		r.add("score", NewListener(func(v int) { order = append(order, "second") }))

		assert.Equal(t, 2, r.emit("score", 10))
		assert.Equal(t, []string{"first", "second"}, order)
	})

	t.Run("duplicate add is a no-op", func(t *testing.T) {
		r := newRegistry[int](zerolog.Nop())
		calls := 0
		l := NewListener(func(int) { calls++ })

		assert.True(t, r.add("score", l))
		assert.False(t, r.add("score", l))
		r.emit("score", 1)

		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, r.count("score"))
	})

	t.Run("same function wrapped twice is two listeners", func(t *testing.T) {
		r := newRegistry[int](zerolog.Nop())
		calls := 0
		fn := func(int) { calls++ }

		assert.True(t, r.add("score", NewListener(fn)))
		assert.True(t, r.add("score", NewListener(fn)))
		r.emit("score", 1)
		assert.Equal(t, 2, calls)
	})

	t.Run("removed listener is never called", func(t *testing.T) {
		r := newRegistry[int](zerolog.Nop())
		calls := 0
		l := NewListener(func(int) { calls++ })

		r.add("score", l)
		assert.True(t, r.remove("score", l))
		assert.Zero(t, r.emit("score", 1))
		assert.Zero(t, calls)
		assert.Zero(t, r.count("score"))
	})

	t.Run("remove reports unknown names and listeners", func(t *testing.T) {
		r := newRegistry[int](zerolog.Nop())
		l := NewListener(func(int) {})

		assert.False(t, r.remove("missing", l))
		r.add("score", NewListener(func(int) {}))
		assert.False(t, r.remove("score", l))
		assert.Equal(t, 1, r.count("score"))
	})

	t.Run("nil listeners are rejected", func(t *testing.T) {
		r := newRegistry[int](zerolog.Nop())
		assert.False(t, r.add("score", nil))
		assert.False(t, r.add("score", NewListener[int](nil)))
		assert.Zero(t, r.count("score"))
	})

	t.Run("removal during emit keeps the snapshot", func(t *testing.T) {
		r := newRegistry[int](zerolog.Nop())
		var second *Listener[int]
		calls := 0
		first := NewListener(func(int) {
			calls++
			r.remove("score", second)
		})
		second = NewListener(func(int) { calls++ })
		r.add("score", first)
		r.add("score", second)

		r.emit("score", 1)
		assert.Equal(t, 2, calls)
		r.emit("score", 1)
		assert.Equal(t, 3, calls)
	})

	t.Run("panicking listener does not stop the others", func(t *testing.T) {
		r := newRegistry[int](zerolog.Nop())
		called := false
		r.add("score", NewListener(func(int) { panic("boom") }))
		r.add("score", NewListener(func(int) { called = true }))

		require.NotPanics(t, func() { r.emit("score", 1) })
		assert.True(t, called)
	})
}
