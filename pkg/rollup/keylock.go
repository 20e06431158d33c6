package rollup

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 64

// keyLock serializes work per key using a fixed set of striped mutexes.
// Distinct keys may share a stripe; that only costs parallelism.
type keyLock struct {
	stripes [lockStripes]sync.Mutex
}

func (l *keyLock) lock(key string) func() {
	m := &l.stripes[xxhash.Sum64String(key)%lockStripes]
	m.Lock()
	return m.Unlock
}
