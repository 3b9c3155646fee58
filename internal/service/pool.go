package service

import (
	"sync"

	"github.com/panjf2000/ants/v2"
)

func NewWorkerPool(size int) (*ants.Pool, error) {
	if size <= 0 {
		size = 1
	}
	return ants.NewPool(size, ants.WithPreAlloc(false))
}

// runIndexed calls fn(i) for every i in [0, n) on the pool and waits for all
// of them. Callers write results into slot i, so output order never depends
// on completion order. A nil or closed pool runs the task inline.
func runIndexed(pool *ants.Pool, n int, fn func(i int)) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		if pool == nil {
			fn(i)
			continue
		}

		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			fn(i)
		})
		if err != nil {
			wg.Done()
			fn(i)
		}
	}
	wg.Wait()
}
