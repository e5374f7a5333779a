package batch

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueue(t *testing.T) {
	q := NewQueue(10)
	var ran atomic.Int32
	var mu sync.Mutex
	var failures []error

	for i := range 10 {
		ok := q.Enqueue(Job{
			Run: func() error {
				ran.Add(1)
				if i%3 == 0 {
					return errors.New("boom")
				}
				return nil
			},
			OnFail: func(err error) {
				mu.Lock()
				defer mu.Unlock()
				failures = append(failures, err)
			},
		})
		assert.True(t, ok)
	}
	assert.False(t, q.Enqueue(Job{Run: func() error { return nil }}), "a full queue rejects jobs")

	q.StartRunners(3)
	q.Close()

	assert.EqualValues(t, 10, ran.Load())
	assert.Len(t, failures, 4)
}
