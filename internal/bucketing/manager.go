package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/config"
)

// BucketingManager assigns stable murmur3 buckets. Owner buckets spread
// subjects and their sessions across Scylla partitions; event buckets key
// follow-up work onto Kafka partitions so updates for one session stay
// ordered.
type BucketingManager struct {
	ownerBuckets int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		ownerBuckets: cfg.Bucketing.OwnerBuckets,
		eventBuckets: cfg.Bucketing.EventBuckets,
	}

	// Pool of hash functions to avoid allocation on every lookup
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// OwnerBucket returns the consistent partition bucket for a subject id
// (0 to ownerBuckets-1). Session rows and their by-owner lookup rows must use
// the same bucket, so this is the single source of that assignment.
func (bm *BucketingManager) OwnerBucket(subjectID string) int {
	return bm.getBucket(subjectID, bm.ownerBuckets)
}

// EventBucket returns the Kafka partition key bucket for a session.
func (bm *BucketingManager) EventBucket(sessionID string) int {
	return bm.getBucket(sessionID, bm.eventBuckets)
}

// DateBucket returns the day bucket used by the audit trail.
func (bm *BucketingManager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) OwnerBuckets() int { return bm.ownerBuckets }

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
