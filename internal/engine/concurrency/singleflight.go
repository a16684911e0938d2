// Package concurrency coalesces duplicate concurrent invocations of
// the same named operation. The engine is single-threaded cooperative
// with respect to hash structures, so the one place duplicate
// concurrent work is still possible is a host accidentally triggering
// two active-expire cycles at once (e.g. a manual admin trigger racing
// the periodic ticker). Coalescer exists for exactly that seam.
package concurrency

import "golang.org/x/sync/singleflight"

// Coalescer ensures that concurrent calls sharing the same key all wait
// for one underlying call instead of running redundant copies.
type Coalescer struct {
	g singleflight.Group
}

// NewCoalescer creates an empty Coalescer.
func NewCoalescer() *Coalescer {
	return &Coalescer{}
}

// Do runs fn if no call for key is already in flight, or waits for and
// shares the result of the in-flight call otherwise. shared reports
// whether this caller got a shared result rather than running fn
// itself.
func (c *Coalescer) Do(key string, fn func() (interface{}, error)) (result interface{}, err error, shared bool) {
	return c.g.Do(key, fn)
}

// Forget clears any in-flight or cached result for key, so the next Do
// call for it runs fresh.
func (c *Coalescer) Forget(key string) {
	c.g.Forget(key)
}
