package chipset

import (
	"sync"
	"time"
)

// timerHandle tracks a cancellable periodic callback.
type timerHandle interface {
	Stop()
}

type timerHandleFunc func()

func (f timerHandleFunc) Stop() {
	if f != nil {
		f()
	}
}

type timerFactory func(period time.Duration, cb func()) timerHandle

func defaultTimerFactory(period time.Duration, cb func()) timerHandle {
	if period <= 0 || cb == nil {
		return nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	var once sync.Once

	go func() {
		defer close(done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cb()
			case <-stop:
				return
			}
		}
	}()

	// Stop waits for an in-flight callback so callers can tear down state
	// the callback touches.
	return timerHandleFunc(func() {
		once.Do(func() { close(stop) })
		<-done
	})
}

// deviceClock is the background tick shared by the PIC and the PIT. The
// owning device guards it with its own mutex.
type deviceClock struct {
	factory timerFactory
	period  time.Duration
	handle  timerHandle
}

func newDeviceClock(period time.Duration) deviceClock {
	return deviceClock{factory: defaultTimerFactory, period: period}
}

func (c *deviceClock) running() bool { return c.handle != nil }

func (c *deviceClock) start(cb func()) {
	if c.handle != nil {
		return
	}
	c.handle = c.factory(c.period, cb)
}

// detach clears the handle and returns it so the caller can stop it
// without holding the device lock.
func (c *deviceClock) detach() timerHandle {
	h := c.handle
	c.handle = nil
	return h
}
