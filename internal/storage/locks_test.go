package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameID(t *testing.T) {
	k := NewKeyedMutex()
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
}

func TestKeyedMutexIndependentIDs(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock("a")
	// a held; b must still be acquirable
	unlockB := k.Lock("b")
	unlockB()
	unlockA()
}

func TestKeyedMutexLockAll(t *testing.T) {
	k := NewKeyedMutex()
	unlock := k.LockAll([]string{"a", "b", "c"})
	unlock()
	// all released; re-acquisition must not block
	unlock = k.LockAll([]string{"a", "b", "c"})
	unlock()
}
