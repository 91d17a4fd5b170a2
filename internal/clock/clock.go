// Package clock abstracts time so that rate-limit windows, answer polls and
// the janitor can be driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by the server. Production
// code gets Real(); tests use Fake.
type Clock interface {
	Now() time.Time

	// After behaves like time.After. A non-positive duration fires
	// immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker behaves like time.NewTicker and panics on d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C until Stop is called.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}
