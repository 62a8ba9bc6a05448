package heartbeat

import (
	"sync/atomic"
	"time"
)

// Loop emits periodic update pings while the supervised process is running.
type Loop struct {
	notifier *Notifier
	interval time.Duration

	alive atomic.Bool
	stop  chan struct{}
	done  chan struct{}
}

// StartLoop begins sending an update ping every interval.
func (n *Notifier) StartLoop(interval time.Duration) *Loop {
	l := &Loop{
		notifier: n,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	l.alive.Store(true)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}
		if !l.alive.Load() {
			return
		}
		l.notifier.Notify(StateUpdate)
	}
}

// Stop clears the liveness flag and waits for the loop to exit. No update is
// queued after Stop returns. Safe to call more than once.
func (l *Loop) Stop() {
	if l.alive.CompareAndSwap(true, false) {
		close(l.stop)
	}
	<-l.done
}

// Alive reports whether the loop is still allowed to ping.
func (l *Loop) Alive() bool {
	return l.alive.Load()
}
