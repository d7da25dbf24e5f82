package dataType

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultTrackerBuckets = 64

type trackerBucket struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// DeliveryTracker is the per-epoch set of message ids this node has processed.
// Entries never expire; the whole set is dropped by Reset.
type DeliveryTracker struct {
	buckets     []*trackerBucket
	bucketCount uint64
}

func NewDeliveryTracker(bucketCount int) *DeliveryTracker {
	if bucketCount <= 0 {
		bucketCount = defaultTrackerBuckets
	}
	dt := &DeliveryTracker{
		buckets:     make([]*trackerBucket, bucketCount),
		bucketCount: uint64(bucketCount),
	}
	for i := 0; i < bucketCount; i++ {
		dt.buckets[i] = &trackerBucket{seen: make(map[string]struct{})}
	}
	return dt
}

func (dt *DeliveryTracker) getBucket(id string) *trackerBucket {
	return dt.buckets[xxhash.Sum64String(id)%dt.bucketCount]
}

func (dt *DeliveryTracker) Seen(id string) bool {
	b := dt.getBucket(id)
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.seen[id]
	return ok
}

func (dt *DeliveryTracker) MarkSeen(id string) {
	b := dt.getBucket(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen[id] = struct{}{}
}

// MarkIfUnseen marks id and reports whether this call made the Unseen->Seen
// transition. Of any number of concurrent callers for one id, exactly one wins.
func (dt *DeliveryTracker) MarkIfUnseen(id string) bool {
	b := dt.getBucket(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seen[id]; ok {
		return false
	}
	b.seen[id] = struct{}{}
	return true
}

// Reset forgets every id, starting a new epoch.
func (dt *DeliveryTracker) Reset() {
	for _, b := range dt.buckets {
		b.mu.Lock()
		clear(b.seen)
		b.mu.Unlock()
	}
}

func (dt *DeliveryTracker) Len() int {
	n := 0
	for _, b := range dt.buckets {
		b.mu.RLock()
		n += len(b.seen)
		b.mu.RUnlock()
	}
	return n
}
