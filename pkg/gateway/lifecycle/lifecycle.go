// Package lifecycle holds process-wide state shared by handlers: whether the
// bridge is draining and when draining began.
package lifecycle

import (
	"sync/atomic"
	"time"
)

type Lifecycle struct {
	draining     atomic.Bool
	drainStarted atomic.Int64
}

// StartDraining stops new calls from being accepted. Repeated calls keep the
// first drain time.
func (l *Lifecycle) StartDraining(now time.Time) {
	if l == nil {
		return
	}
	if l.draining.CompareAndSwap(false, true) {
		l.drainStarted.Store(now.UnixNano())
	}
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince returns the drain start time, or the zero time when the
// process is not draining.
func (l *Lifecycle) DrainingSince() time.Time {
	if !l.IsDraining() {
		return time.Time{}
	}
	return time.Unix(0, l.drainStarted.Load())
}
