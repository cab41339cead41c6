package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	var m KeyedMutex
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("0xuser")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestKeyedMutex_LockContextCancelled(t *testing.T) {
	var m KeyedMutex
	unlock := m.Lock("session")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.LockContext(ctx, "session")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := m.LockContext(context.Background(), "session")
	require.NoError(t, err)
	unlock2()
}

func TestKeyedMutex_TryLock(t *testing.T) {
	var m KeyedMutex
	unlock, ok := m.TryLock("k")
	require.True(t, ok)
	_, ok = m.TryLock("k")
	assert.False(t, ok)
	unlock()
	unlock, ok = m.TryLock("k")
	require.True(t, ok)
	unlock()
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	var m KeyedMutex
	a := "a"
	b := "b"
	for m.shard(a) == m.shard(b) {
		b += "b"
	}
	unlockA := m.Lock(a)
	defer unlockA()
	unlockB, ok := m.TryLock(b)
	require.True(t, ok, "keys on different shards must not block each other")
	unlockB()
}
