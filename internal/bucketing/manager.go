package bucketing

import (
	"hash"
	"strconv"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Manager assigns stable bucket labels to identities so security events can
// be partitioned without exposing raw identity IDs in analytics keys.
type Manager struct {
	bucketCount uint32
	hasherPool  sync.Pool
}

func NewManager(bucketCount uint32) *Manager {
	if bucketCount == 0 {
		bucketCount = 256
	}
	return &Manager{
		bucketCount: bucketCount,
		hasherPool: sync.Pool{
			New: func() interface{} {
				return murmur3.New32()
			},
		},
	}
}

// Bucket returns the bucket index for an identity ID.
func (m *Manager) Bucket(identityID string) uint32 {
	hasher := m.hasherPool.Get().(hash.Hash32)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(identityID))
	return hasher.Sum32() % m.bucketCount
}

// BucketLabel returns the bucket as a string, for use in event rows.
func (m *Manager) BucketLabel(identityID string) string {
	return strconv.FormatUint(uint64(m.Bucket(identityID)), 10)
}
