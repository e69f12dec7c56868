package proxypool

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, n int) *Pool {
	t.Helper()

	endpoints := make([]string, n)
	for i := range endpoints {
		endpoints[i] = fmt.Sprintf("http://p100.example.com:%d", 8900+i)
	}

	pool, err := New(endpoints, nil)
	require.NoError(t, err)
	return pool
}

func TestNew(t *testing.T) {
	t.Run("rejects empty list", func(t *testing.T) {
		_, err := New([]string{"", "  "}, nil)
		assert.ErrorIs(t, err, ErrEmptyPool)
	})

	t.Run("rejects endpoint without scheme", func(t *testing.T) {
		_, err := New([]string{"p100.example.com:8900"}, nil)
		assert.Error(t, err)
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		_, err := New([]string{"http://a:1", "http://a:1"}, nil)
		assert.Error(t, err)
	})

	t.Run("keeps configured order", func(t *testing.T) {
		pool, err := New([]string{"http://b:2", " http://a:1 "}, nil)
		require.NoError(t, err)
		assert.Equal(t, []Proxy{"http://b:2", "http://a:1"}, pool.Proxies())
	})
}

func TestPool_AssignRelease(t *testing.T) {
	pool := newTestPool(t, 2)
	first := pool.Proxies()[0]

	require.NoError(t, pool.Assign(first))
	assert.True(t, pool.IsAssigned(first))

	err := pool.Assign(first)
	assert.ErrorIs(t, err, ErrAlreadyAssigned)

	err = pool.Assign("http://unknown:1")
	assert.ErrorIs(t, err, ErrUnknownProxy)

	pool.Release(first)
	assert.False(t, pool.IsAssigned(first))

	// second release is a no-op
	pool.Release(first)
	assert.Equal(t, Stats{Total: 2, Assigned: 0, Free: 2}, pool.Stats())
}

func TestPool_NextAvailable(t *testing.T) {
	pool := newTestPool(t, 3)
	proxies := pool.Proxies()

	next, ok := pool.NextAvailable()
	require.True(t, ok)
	assert.Equal(t, proxies[0], next)

	require.NoError(t, pool.Assign(proxies[0]))
	next, ok = pool.NextAvailable(proxies[1])
	require.True(t, ok)
	assert.Equal(t, proxies[2], next)

	// NextAvailable does not assign
	assert.False(t, pool.IsAssigned(proxies[2]))

	_, ok = pool.NextAvailable(proxies[1], proxies[2])
	assert.False(t, ok)
}

func TestPool_Acquire(t *testing.T) {
	pool := newTestPool(t, 2)

	a, ok := pool.Acquire()
	require.True(t, ok)
	b, ok := pool.Acquire()
	require.True(t, ok)
	assert.NotEqual(t, a, b)

	_, ok = pool.Acquire()
	assert.False(t, ok)
}

func TestPool_Rotate(t *testing.T) {
	t.Run("replaces current with next free proxy", func(t *testing.T) {
		pool := newTestPool(t, 3)
		proxies := pool.Proxies()
		require.NoError(t, pool.Assign(proxies[0]))

		next, ok := pool.Rotate(proxies[0])
		require.True(t, ok)
		assert.Equal(t, proxies[1], next)
		assert.False(t, pool.IsAssigned(proxies[0]))
		assert.True(t, pool.IsAssigned(proxies[1]))
	})

	t.Run("honours exclusion set", func(t *testing.T) {
		pool := newTestPool(t, 3)
		proxies := pool.Proxies()
		require.NoError(t, pool.Assign(proxies[0]))

		next, ok := pool.Rotate(proxies[0], proxies[1])
		require.True(t, ok)
		assert.Equal(t, proxies[2], next)
	})

	t.Run("releases current on exhaustion", func(t *testing.T) {
		pool := newTestPool(t, 2)
		proxies := pool.Proxies()
		require.NoError(t, pool.Assign(proxies[0]))
		require.NoError(t, pool.Assign(proxies[1]))

		_, available := pool.NextAvailable(proxies[0])
		require.False(t, available)

		next, ok := pool.Rotate(proxies[0])
		assert.False(t, ok)
		assert.Empty(t, next)
		assert.False(t, pool.IsAssigned(proxies[0]))
		assert.True(t, pool.IsAssigned(proxies[1]))
	})

	t.Run("only current free and excluded", func(t *testing.T) {
		pool := newTestPool(t, 1)
		a := pool.Proxies()[0]
		require.NoError(t, pool.Assign(a))

		_, ok := pool.Rotate(a, a)
		assert.False(t, ok)
		assert.False(t, pool.IsAssigned(a))
	})
}

func TestPool_Snapshot(t *testing.T) {
	pool := newTestPool(t, 2)
	proxies := pool.Proxies()
	require.NoError(t, pool.Assign(proxies[1]))

	assert.Equal(t, []Status{
		{Proxy: proxies[0], State: "free"},
		{Proxy: proxies[1], State: "assigned"},
	}, pool.Snapshot())
}

// Many goroutines acquire, rotate and release concurrently. Each holder
// registers the proxy it owns; a second registration for the same proxy
// means two sessions held it at once.
func TestPool_ConcurrentInvariant(t *testing.T) {
	pool := newTestPool(t, 5)

	var (
		holders sync.Map
		wg      sync.WaitGroup
		mu      sync.Mutex
		errs    []string
	)

	claim := func(worker int, p Proxy) {
		if prev, loaded := holders.LoadOrStore(p, worker); loaded {
			mu.Lock()
			errs = append(errs, fmt.Sprintf("%s held by %v and %d", p, prev, worker))
			mu.Unlock()
		}
	}

	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(worker)))

			for i := 0; i < 500; i++ {
				current, ok := pool.Acquire()
				if !ok {
					continue
				}
				claim(worker, current)

				for r := 0; r < rng.Intn(3); r++ {
					holders.Delete(current)
					next, ok := pool.Rotate(current)
					if !ok {
						current = ""
						break
					}
					claim(worker, next)
					current = next
				}

				if current != "" {
					holders.Delete(current)
					pool.Release(current)
				}

				stats := pool.Stats()
				if stats.Assigned > stats.Total || stats.Free < 0 {
					mu.Lock()
					errs = append(errs, fmt.Sprintf("bad stats %+v", stats))
					mu.Unlock()
				}
			}
		}(w)
	}

	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 0, pool.Stats().Assigned)
}
