package supervisor

import (
	"sync"
	"time"

	"github.com/ggoodman/botfleet/sessions"
)

// reconnectTimer signals the session goroutine every interval. It is rearmed
// explicitly after each reconnect and after each checkpoint success.
type reconnectTimer struct {
	d  time.Duration
	c  chan struct{}
	mu sync.Mutex
	t  *time.Timer
	// stopped is final; Reset after Stop is a no-op.
	stopped bool
}

func newReconnectTimer(d time.Duration) *reconnectTimer {
	rt := &reconnectTimer{d: d, c: make(chan struct{}, 1)}
	rt.t = time.AfterFunc(d, rt.fire)
	return rt
}

func (rt *reconnectTimer) fire() {
	select {
	case rt.c <- struct{}{}:
	default:
	}
}

// C delivers one value per expiry.
func (rt *reconnectTimer) C() <-chan struct{} { return rt.c }

// Reset rearms the timer for a full interval and discards a pending expiry.
func (rt *reconnectTimer) Reset() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.stopped {
		return
	}
	rt.t.Stop()
	select {
	case <-rt.c:
	default:
	}
	rt.t.Reset(rt.d)
}

func (rt *reconnectTimer) Stop() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.stopped = true
	rt.t.Stop()
}

var _ sessions.TimerHandle = (*reconnectTimer)(nil)
