package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTeardownHooks_AddContext(t *testing.T) {
	t.Run("adds hook successfully", func(t *testing.T) {
		hooks := &TeardownHooks{}
		called := false

		hooks.AddContext("test", func(ctx context.Context) error {
			called = true
			return nil
		})

		require.Len(t, hooks.hooks, 1)
		assert.Equal(t, "test", hooks.hooks[0].name)

		require.NoError(t, hooks.Execute(context.Background()))
		assert.True(t, called, "hook should have been called")
	})

	t.Run("ignores nil hook", func(t *testing.T) {
		hooks := &TeardownHooks{}
		hooks.AddContext("nil-hook", nil)
		require.Len(t, hooks.hooks, 0, "nil hook should not be added")
	})
}

func TestTeardownHooks_Add(t *testing.T) {
	t.Run("wrapped hook returns its error", func(t *testing.T) {
		hooks := &TeardownHooks{}
		expectedErr := errors.New("test error")

		hooks.Add("error-hook", func() error {
			return expectedErr
		})

		require.Len(t, hooks.hooks, 1)
		assert.Equal(t, expectedErr, hooks.hooks[0].fn(context.Background()))
	})

	t.Run("ignores nil hook", func(t *testing.T) {
		hooks := &TeardownHooks{}
		hooks.Add("nil-hook", nil)
		require.Len(t, hooks.hooks, 0)
	})
}

func TestTeardownHooks_Execute(t *testing.T) {
	t.Run("executes hooks in order", func(t *testing.T) {
		hooks := &TeardownHooks{}
		var order []string

		for _, name := range []string{"first", "second", "third"} {
			hooks.AddContext(name, func(ctx context.Context) error {
				order = append(order, name)
				return nil
			})
		}

		require.NoError(t, hooks.Execute(context.Background()))
		assert.Equal(t, []string{"first", "second", "third"}, order)
	})

	t.Run("continues past failures and reports them", func(t *testing.T) {
		hooks := &TeardownHooks{}
		var executed []string
		failure := errors.New("hook failed")

		hooks.AddContext("first", func(ctx context.Context) error {
			executed = append(executed, "first")
			return nil
		})
		hooks.AddContext("failing", func(ctx context.Context) error {
			executed = append(executed, "failing")
			return failure
		})
		hooks.AddContext("third", func(ctx context.Context) error {
			executed = append(executed, "third")
			return nil
		})

		err := hooks.Execute(context.Background())

		assert.Equal(t, []string{"first", "failing", "third"}, executed)
		require.ErrorIs(t, err, failure)
		assert.EqualError(t, err, "failing: hook failed")
	})

	t.Run("runs hooks once", func(t *testing.T) {
		hooks := &TeardownHooks{}
		calls := 0
		hooks.Add("once", func() error { calls++; return nil })

		require.NoError(t, hooks.Execute(context.Background()))
		require.NoError(t, hooks.Execute(context.Background()))
		assert.Equal(t, 1, calls)
	})

	t.Run("passes context to hooks", func(t *testing.T) {
		hooks := &TeardownHooks{}
		type ctxKey struct{}

		var received string
		hooks.AddContext("ctx-check", func(ctx context.Context) error {
			received, _ = ctx.Value(ctxKey{}).(string)
			return nil
		})

		ctx := context.WithValue(context.Background(), ctxKey{}, "test-value")
		require.NoError(t, hooks.Execute(ctx))
		assert.Equal(t, "test-value", received)
	})
}
