package scheduler

import (
	"hash/fnv"
	"time"
)

const maxStartupSpread = 30 * time.Second

// reaperStartDelay spreads the first reaper run of each instance over
// min(every, 30s) so instances started together do not scan in lockstep.
// The offset is stable per worker identity.
func reaperStartDelay(every time.Duration, worker string) time.Duration {
	spread := min(every, maxStartupSpread)
	if spread <= 0 {
		return every
	}
	return every + time.Duration(fnv64a(worker)%uint64(spread))
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
