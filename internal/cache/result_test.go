package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *ResultCache {
	t.Helper()
	c := New(Config{DefaultTTL: time.Minute, SweepInterval: time.Hour})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKey(t *testing.T) {
	t.Run("order independent for maps", func(t *testing.T) {
		a, err := Key("generation", map[string]any{"id": "m1", "lang": "en", "level": 3})
		require.NoError(t, err)
		b, err := Key("generation", map[string]any{"level": 3, "lang": "en", "id": "m1"})
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("category is part of the key", func(t *testing.T) {
		a, _ := Key("generation", map[string]any{"id": "m1"})
		b, _ := Key("response", map[string]any{"id": "m1"})
		assert.NotEqual(t, a, b)
		assert.True(t, strings.HasPrefix(a, "generation:"))
		assert.Len(t, strings.TrimPrefix(a, "generation:"), 64)
	})

	t.Run("unencodable params", func(t *testing.T) {
		_, err := Key("generation", map[string]any{"ch": make(chan int)})
		assert.Error(t, err)
	})
}

func TestResultCache_BasicOperations(t *testing.T) {
	c := newTestCache(t)
	params := map[string]any{"id": "m1"}

	_, ok := c.Get("generation", params)
	assert.False(t, ok)

	key, err := c.Set("generation", params, []byte("text"), 0)
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	val, ok := c.Get("generation", params)
	require.True(t, ok)
	assert.Equal(t, []byte("text"), val)
	assert.True(t, c.Has("generation", params))

	assert.True(t, c.Delete("generation", params))
	assert.False(t, c.Delete("generation", params))
	assert.False(t, c.Has("generation", params))

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, 50.0, st.HitRate)
}

func TestResultCache_TTL(t *testing.T) {
	c := newTestCache(t)
	params := map[string]any{"id": "short"}

	_, err := c.Set("generation", params, []byte("v"), 50*time.Millisecond)
	require.NoError(t, err)

	_, ok := c.Get("generation", params)
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)

	_, ok = c.Get("generation", params)
	assert.False(t, ok, "expired entry must be a miss without a sweep")
	assert.Equal(t, int64(1), c.Stats().Evictions)
	assert.Equal(t, 0, c.Stats().Size)
}

func TestResultCache_Sweep(t *testing.T) {
	c := newTestCache(t)
	for _, id := range []string{"a", "b", "c"} {
		_, err := c.Set("generation", map[string]any{"id": id}, []byte(id), 30*time.Millisecond)
		require.NoError(t, err)
	}
	_, err := c.Set("generation", map[string]any{"id": "keep"}, []byte("keep"), time.Minute)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, 3, c.Sweep())
	assert.Equal(t, 1, c.Stats().Size)
	assert.Equal(t, int64(3), c.Stats().Evictions)
}

func TestResultCache_BackgroundSweep(t *testing.T) {
	c := New(Config{DefaultTTL: time.Minute, SweepInterval: 20 * time.Millisecond})
	defer c.Close()

	_, err := c.Set("generation", map[string]any{"id": "x"}, []byte("x"), 10*time.Millisecond)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return c.Stats().Evictions == 1
	}, time.Second, 10*time.Millisecond)
}

func TestResultCache_Invalidate(t *testing.T) {
	c := newTestCache(t)
	for _, id := range []string{"a", "b"} {
		_, err := c.Set("generation", map[string]any{"id": id}, []byte(id), 0)
		require.NoError(t, err)
	}
	respKey, err := c.Set("response", map[string]any{"id": "a"}, []byte("r"), 0)
	require.NoError(t, err)

	t.Run("by category", func(t *testing.T) {
		assert.Equal(t, 2, c.InvalidateCategory("generation"))
		assert.Equal(t, 1, c.Stats().Size)
		assert.Zero(t, c.Stats().Evictions, "explicit invalidation is not an eviction")
	})

	t.Run("by key", func(t *testing.T) {
		assert.True(t, c.InvalidateKey(respKey))
		assert.False(t, c.InvalidateKey(respKey))
	})

	t.Run("by pattern", func(t *testing.T) {
		_, err := c.Set("embedding", map[string]any{"text": "x"}, []byte("1"), 0)
		require.NoError(t, err)
		n, err := c.InvalidatePattern("^embed")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = c.InvalidatePattern("(")
		assert.Error(t, err)
	})

	t.Run("clear", func(t *testing.T) {
		_, err := c.Set("generation", map[string]any{"id": "z"}, []byte("z"), 0)
		require.NoError(t, err)
		assert.Equal(t, 1, c.Clear())
		assert.Equal(t, 0, c.Stats().Size)
	})
}

func TestResultCache_HotKeys(t *testing.T) {
	c := newTestCache(t)
	for i, id := range []string{"cold", "warm", "hot"} {
		p := map[string]any{"id": id}
		_, err := c.Set("generation", p, []byte(id), 0)
		require.NoError(t, err)
		for j := 0; j < i*2; j++ {
			_, ok := c.Get("generation", p)
			require.True(t, ok)
		}
	}

	hot := c.HotKeys(2)
	require.Len(t, hot, 2)
	assert.Equal(t, int64(4), hot[0].Hits)
	assert.Equal(t, int64(2), hot[1].Hits)
	assert.True(t, strings.HasSuffix(hot[0].Key, "..."))
	assert.Len(t, hot[0].Key, 19)
}

func TestResultCache_GetOrCompute(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	params := map[string]any{"prompt": "explain photosynthesis"}

	var calls atomic.Int32
	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return []byte("result"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.GetOrCompute(ctx, "generation", params, 0, compute)
			assert.NoError(t, err)
			assert.Equal(t, []byte("result"), v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())

	v, hit, err := c.GetOrCompute(ctx, "generation", params, 0, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("result"), v)

	t.Run("errors are not cached", func(t *testing.T) {
		boom := errors.New("boom")
		_, _, err := c.GetOrCompute(ctx, "generation", map[string]any{"p": 1}, 0,
			func(context.Context) ([]byte, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
		assert.False(t, c.Has("generation", map[string]any{"p": 1}))
	})
}

func TestViews(t *testing.T) {
	c := newTestCache(t)

	t.Run("generation", func(t *testing.T) {
		g := c.Generation()
		meta := map[string]any{"type": "quiz"}
		require.NoError(t, g.Set("m1", meta, []byte("q1")))
		v, ok := g.Get("m1", map[string]any{"type": "quiz"})
		require.True(t, ok)
		assert.Equal(t, []byte("q1"), v)
		assert.True(t, g.Has("m1", meta))
		assert.False(t, g.Has("m1", map[string]any{"type": "summary"}))
	})

	t.Run("embedding keys on the first 100 characters", func(t *testing.T) {
		e := c.Embedding()
		base := strings.Repeat("a", 100)
		require.NoError(t, e.Set(base+"tail one", []float64{0.1, 0.2}))
		v, ok := e.Get(base + "different tail")
		require.True(t, ok)
		assert.Equal(t, []float64{0.1, 0.2}, v)
	})

	t.Run("response", func(t *testing.T) {
		r := c.Response()
		require.NoError(t, r.Set("openai", "/chat/completions", map[string]any{"model": "gpt-4"}, []byte("{}")))
		_, ok := r.Get("openai", "/chat/completions", map[string]any{"model": "gpt-4"})
		assert.True(t, ok)
		_, ok = r.Get("qwen", "/chat/completions", map[string]any{"model": "gpt-4"})
		assert.False(t, ok)
	})
}
