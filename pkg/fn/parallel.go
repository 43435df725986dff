package fn

import "sync"

// FanOutResult runs functions concurrently; returns first error (in argument
// order) or all values in argument order.
func FanOutResult[T any](fns ...func() Result[T]) Result[[]T] {
	results := make([]Result[T], len(fns))
	var wg sync.WaitGroup
	for i, f := range fns {
		wg.Add(1)
		go func(i int, f func() Result[T]) {
			defer wg.Done()
			results[i] = f()
		}(i, f)
	}
	wg.Wait()
	return Collect(results)
}
