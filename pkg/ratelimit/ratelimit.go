// Package ratelimit throttles bursts of expensive events, like process spawns.
package ratelimit

import (
	"math"
	"sync/atomic"
	"time"
)

// Limiter is a best-effort, lock-free, CloudFlare-style sliding window rate limiter.
//
// The rate is estimated from the current fixed window
// plus the previous window weighted by how much of it still overlaps.
//
// Algorithm: https://blog.cloudflare.com/counting-things-a-lot-of-different-things/
type Limiter struct {
	Target float64 // events per second
	Window int64   // window size in seconds

	epoch  int64 // index of the current window
	w0, w1 int64 // event counts of previous and current window
}

// New creates a limiter allowing target events per second, averaged over window.
// Windows shorter than a second are rounded up.
// For targets below one event per second, the window is widened until a single event fits.
func New(target float64, window time.Duration) *Limiter {
	secs := int64(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	if target > 0 {
		if minSecs := int64(math.Ceil(1 / target)); secs < minSecs {
			secs = minSecs
		}
	}
	return &Limiter{
		Target: target,
		Window: secs,
	}
}

// Count registers n events and returns the time to wait until the rate is met again.
// This function is safe to access from multiple goroutines at the same time.
func (l *Limiter) Count(now time.Time, n int64) time.Duration {
	unix := now.Unix()
	w0, w1 := l.shift(unix, n)
	return l.delay(unix, w0, w1)
}

// Allow registers a single event if it fits into the rate.
func (l *Limiter) Allow(now time.Time) bool {
	unix := now.Unix()
	w0, w1 := l.shift(unix, 1)
	if l.delay(unix, w0, w1) <= 0 {
		return true
	}
	// Take back the event, unless the window moved on already.
	if atomic.LoadInt64(&l.epoch) == unix/l.Window {
		atomic.AddInt64(&l.w1, -1)
	}
	return false
}

// shift moves the windows forward to the given time and adds n to the current window.
func (l *Limiter) shift(unix int64, n int64) (w0, w1 int64) {
	epoch := unix / l.Window
	for {
		saved := atomic.LoadInt64(&l.epoch)
		if saved >= epoch {
			break
		}
		if !atomic.CompareAndSwapInt64(&l.epoch, saved, epoch) {
			continue
		}
		if saved+1 == epoch {
			w0 = atomic.SwapInt64(&l.w1, n)
		} else {
			atomic.StoreInt64(&l.w1, n)
		}
		atomic.StoreInt64(&l.w0, w0)
		return w0, n
	}
	w1 = atomic.AddInt64(&l.w1, n)
	w0 = atomic.LoadInt64(&l.w0)
	return w0, w1
}

func (l *Limiter) delay(unix, w0, w1 int64) time.Duration {
	overlap := 1.0 - float64(unix%l.Window)/float64(l.Window)
	usage := overlap*float64(w0) + float64(w1)
	rate := usage / float64(l.Window)
	if rate <= l.Target {
		return 0
	}
	ban := float64(l.Window) * (rate - l.Target)
	return time.Duration(ban * float64(time.Second))
}
