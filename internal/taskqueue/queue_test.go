package taskqueue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDrainRunsInPushOrder(t *testing.T) {
	var q Queue
	var order []int

	for i := 0; i < 5; i++ {
		i := i
		q.Push(func() { order = append(order, i) })
	}

	q.Drain()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, q.Len())
}

func TestDrainIsEmptyAfterSwap(t *testing.T) {
	var q Queue
	q.Push(func() {})
	q.Drain()
	assert.Equal(t, 0, q.Len())
}

func TestConcurrentPushDoesNotRace(t *testing.T) {
	var q Queue
	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Push(func() {
				mu.Lock()
				count++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	q.Drain()
	assert.Equal(t, 100, count)
}
