package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/camwatch/internal/errors"
)

func TestStreamSlots(t *testing.T) {
	t.Run("acquire and release", func(t *testing.T) {
		s := newStreamSlots(2)
		require.NoError(t, s.acquire(context.Background(), "1", "http://a"))
		require.NoError(t, s.acquire(context.Background(), "2", "http://a"))
		assert.Equal(t, 0, s.available())
		assert.Len(t, s.snapshot(), 2)

		s.release("1")
		assert.Equal(t, 1, s.available())
		s.release("1")
		assert.Equal(t, 1, s.available())
	})

	t.Run("waits for a free slot", func(t *testing.T) {
		s := newStreamSlots(1)
		require.NoError(t, s.acquire(context.Background(), "1", "http://a"))

		go func() {
			time.Sleep(20 * time.Millisecond)
			s.release("1")
		}()
		require.NoError(t, s.acquire(context.Background(), "2", "http://b"))
		assert.Equal(t, "http://b", s.snapshot()[0].URL)
	})

	t.Run("context ends the wait", func(t *testing.T) {
		s := newStreamSlots(1)
		require.NoError(t, s.acquire(context.Background(), "1", "http://a"))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := s.acquire(ctx, "2", "http://b")
		assert.True(t, errors.IsCode(err, errors.CodeCanceled))
	})

	t.Run("closed", func(t *testing.T) {
		s := newStreamSlots(0)
		assert.Equal(t, 1, s.available())
		s.close()
		err := s.acquire(context.Background(), "1", "http://a")
		assert.True(t, errors.IsCode(err, errors.CodePoolClosed))
	})

	t.Run("close wakes waiters", func(t *testing.T) {
		s := newStreamSlots(1)
		require.NoError(t, s.acquire(context.Background(), "1", "http://a"))

		errc := make(chan error, 1)
		go func() { errc <- s.acquire(context.Background(), "2", "http://b") }()
		time.Sleep(20 * time.Millisecond)
		s.close()
		s.close()

		select {
		case err := <-errc:
			assert.True(t, errors.IsCode(err, errors.CodePoolClosed))
		case <-time.After(2 * time.Second):
			t.Fatal("acquire still blocked after close")
		}
		assert.Len(t, s.snapshot(), 1)
	})
}
