package keyed

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMutexSet_serializesSameKey(t *testing.T) {
	set := NewMutexSet()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := set.Lock("asset-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
}

func TestMutexSet_differentKeysIndependent(t *testing.T) {
	set := NewMutexSet()

	unlockA := set.Lock("a")
	// Locking b must not block while a is held.
	done := make(chan struct{})
	go func() {
		unlockB := set.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}

func TestMutexSet_entriesReleased(t *testing.T) {
	set := NewMutexSet()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			unlock := set.Lock(string(rune('a' + n%10)))
			unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, set.Len())
}
