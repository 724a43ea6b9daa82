package executor

import (
	"context"
	"sync"

	"github.com/Sternrassler/quota-batcher/pkg/request"
)

// fanOut runs fn once per request on at most FanOut workers and waits for
// all of them. It returns the number of requests processed, one backend call
// each. Workers keep draining after ctx is done so every request still
// reaches fn and gets completed through the backend error path.
func (e *Executor) fanOut(ctx context.Context, reqs []*request.Pending, fn func(ctx context.Context, p *request.Pending)) int {
	if len(reqs) == 0 {
		return 0
	}

	workers := e.cfg.FanOut
	if workers > len(reqs) {
		workers = len(reqs)
	}

	queue := make(chan *request.Pending, len(reqs))
	for _, p := range reqs {
		queue <- p
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go e.worker(ctx, queue, fn, &wg, i)
	}
	wg.Wait()

	return len(reqs)
}

// worker processes requests from the queue
func (e *Executor) worker(ctx context.Context, queue <-chan *request.Pending, fn func(ctx context.Context, p *request.Pending), wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for p := range queue {
		fn(ctx, p)
		processed++
	}

	if processed > 0 {
		e.logger.Debug().
			Int("worker_id", workerID).
			Int("requests_processed", processed).
			Msg("Worker completed")
	}
}
