package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle holds process state shared across handlers: when the hub started
// and whether it is draining for shutdown.
type Lifecycle struct {
	startedAt atomic.Int64
	draining  atomic.Bool
}

func New(now time.Time) *Lifecycle {
	l := &Lifecycle{}
	l.startedAt.Store(now.UnixNano())
	return l
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Uptime is zero for a Lifecycle built without New.
func (l *Lifecycle) Uptime(now time.Time) time.Duration {
	if l == nil {
		return 0
	}
	started := l.startedAt.Load()
	if started == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, started))
}
