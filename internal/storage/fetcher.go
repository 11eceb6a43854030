package storage

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Fetcher downloads many objects in parallel with bounded concurrency.
type Fetcher struct {
	storage     ObjectStorage
	concurrency int
}

// FetchResult contains the outcome of a batch fetch.
type FetchResult struct {
	Objects map[string][]byte
	Errors  map[string]error
}

// NewFetcher creates a fetcher that runs at most concurrency downloads at
// once.
func NewFetcher(storage ObjectStorage, concurrency int) *Fetcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Fetcher{storage: storage, concurrency: concurrency}
}

// Fetch downloads every path. Per-object failures are reported in the
// result; the returned error is only set when ctx is cancelled before all
// downloads could start.
func (f *Fetcher) Fetch(ctx context.Context, paths []string) (*FetchResult, error) {
	result := &FetchResult{
		Objects: make(map[string][]byte, len(paths)),
		Errors:  make(map[string]error),
	}
	if len(paths) == 0 {
		return result, nil
	}

	sem := semaphore.NewWeighted(int64(f.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var acquireErr error

	for _, p := range paths {
		if err := sem.Acquire(ctx, 1); err != nil {
			acquireErr = fmt.Errorf("semaphore acquire failed: %w", err)
			break
		}

		wg.Add(1)
		go func(path string) {
			defer sem.Release(1)
			defer wg.Done()

			data, err := f.storage.Get(ctx, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[path] = err
				return
			}
			result.Objects[path] = data
		}(p)
	}

	wg.Wait()
	return result, acquireErr
}
