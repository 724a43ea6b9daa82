// Package queue holds pending requests grouped by resource key until the
// scheduler drains them into batches.
package queue

import (
	"sort"
	"sync"

	"github.com/Sternrassler/quota-batcher/pkg/request"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "batcher_queue_depth",
	Help: "Number of requests waiting in the batching queue",
})

// Bucket is the ordered content of one resource key at drain time.
type Bucket struct {
	Key      request.ResourceKey
	Requests []*request.Pending
}

// Queue maps resource keys to requests ordered by priority (high first),
// then by EnqueuedAt. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	buckets map[request.ResourceKey][]*request.Pending
	keys    []request.ResourceKey // first-arrival order of keys
	size    int
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{buckets: make(map[request.ResourceKey][]*request.Pending)}
}

// Enqueue adds p to the bucket of its resource key and returns the total
// number of queued requests across all buckets. It never blocks on I/O.
func (q *Queue) Enqueue(p *request.Pending) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.insertLocked(p)
	q.size++
	queueDepth.Set(float64(q.size))
	return q.size
}

// Restore puts requests that were drained but not dispatched back into
// their buckets, keeping priority order.
func (q *Queue) Restore(reqs []*request.Pending) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range reqs {
		q.insertLocked(p)
	}
	q.size += len(reqs)
	queueDepth.Set(float64(q.size))
	return q.size
}

func (q *Queue) insertLocked(p *request.Pending) {
	bucket, ok := q.buckets[p.Key]
	if !ok {
		q.keys = append(q.keys, p.Key)
	}
	bucket = append(bucket, p)
	sortBucket(bucket)
	q.buckets[p.Key] = bucket
}

// sortBucket orders by priority descending, then EnqueuedAt ascending.
// Stable, so equal timestamps keep insertion order.
func sortBucket(bucket []*request.Pending) {
	sort.SliceStable(bucket, func(i, j int) bool {
		if bucket[i].Priority != bucket[j].Priority {
			return bucket[i].Priority > bucket[j].Priority
		}
		return bucket[i].EnqueuedAt.Before(bucket[j].EnqueuedAt)
	})
}

// DrainAll atomically removes and returns every bucket. Requests enqueued
// after the call start a fresh cycle.
func (q *Queue) DrainAll() []Bucket {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Bucket, 0, len(q.keys))
	for _, key := range q.keys {
		out = append(out, Bucket{Key: key, Requests: q.buckets[key]})
	}
	q.reset()
	return out
}

// Clear removes every queued request and returns them in bucket order so
// the caller can reject them.
func (q *Queue) Clear() []*request.Pending {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*request.Pending, 0, q.size)
	for _, key := range q.keys {
		out = append(out, q.buckets[key]...)
	}
	q.reset()
	return out
}

func (q *Queue) reset() {
	q.buckets = make(map[request.ResourceKey][]*request.Pending)
	q.keys = nil
	q.size = 0
	queueDepth.Set(0)
}

// Len returns the number of queued requests across all buckets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Depths returns the number of queued requests per resource key.
func (q *Queue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]int, len(q.buckets))
	for key, bucket := range q.buckets {
		out[key.String()] = len(bucket)
	}
	return out
}

// Chunk splits reqs into consecutive slices of at most size elements.
func Chunk(reqs []*request.Pending, size int) [][]*request.Pending {
	if size <= 0 {
		size = len(reqs)
	}
	var chunks [][]*request.Pending
	for start := 0; start < len(reqs); start += size {
		end := start + size
		if end > len(reqs) {
			end = len(reqs)
		}
		chunks = append(chunks, reqs[start:end])
	}
	return chunks
}
