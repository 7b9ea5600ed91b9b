package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Tickers and timers fire only from Advance.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	timers  []*fakeTimer
}

// NewFake returns a Fake positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now reports the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NewTicker registers a ticker that fires every d of fake time.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{
		clock:  f,
		period: d,
		next:   f.now.Add(d),
		ch:     make(chan time.Time, 1),
	}
	f.tickers = append(f.tickers, t)
	return t
}

// After returns a channel that receives once d of fake time has elapsed.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.timers = append(f.timers, &fakeTimer{at: f.now.Add(d), ch: ch})
	return ch
}

// Waiters reports how many After timers are still pending.
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// Advance moves the clock forward, firing due tickers and timers. Like
// time.Ticker, a ticker whose previous tick was not consumed drops the new one.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)

	for _, t := range f.tickers {
		if t.stopped {
			continue
		}
		for !t.next.After(f.now) {
			select {
			case t.ch <- t.next:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}

	pending := f.timers[:0]
	for _, tm := range f.timers {
		if !tm.at.After(f.now) {
			tm.ch <- f.now
			continue
		}
		pending = append(pending, tm)
	}
	f.timers = pending
}

type fakeTicker struct {
	clock   *Fake
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}

type fakeTimer struct {
	at time.Time
	ch chan time.Time
}
