//go:build unix && !linux

package network

import (
	"sync/atomic"
	"time"
)

const futexPollInterval = 200 * time.Microsecond

// futexWait polls *addr until it differs from val or timeout elapses.
func futexWait(addr *uint32, val uint32, timeout time.Duration) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for atomic.LoadUint32(addr) == val {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return
		}
		time.Sleep(futexPollInterval)
	}
}

func futexWake(addr *uint32) {}
