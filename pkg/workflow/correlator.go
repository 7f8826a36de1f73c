package workflow

import (
	"sync"
	"time"
)

// Token routes an external signal to the instance waiting for it.
type Token struct {
	InstanceID string
	SignalName string
}

type wait struct {
	token    Token
	deadline *time.Time
	timer    *time.Timer
}

// Correlator maps correlation tokens to suspended instances. An instance waits
// on at most one token at a time. The durable copy of each wait lives on the
// instance row, so Recover can rebuild the correlator after a restart.
type Correlator struct {
	now func() time.Time

	mu     sync.Mutex
	waits  map[string]*wait
	closed bool
}

// NewCorrelator creates an empty correlator.
func NewCorrelator(now func() time.Time) *Correlator {
	if now == nil {
		now = time.Now
	}
	return &Correlator{now: now, waits: make(map[string]*wait)}
}

// Register records that tok's instance is suspended on tok. When deadline is
// set, expire runs once it passes unless the wait is removed first. A previous
// wait of the same instance is replaced.
func (c *Correlator) Register(tok Token, deadline *time.Time, expire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if old, ok := c.waits[tok.InstanceID]; ok && old.timer != nil {
		old.timer.Stop()
	}

	w := &wait{token: tok, deadline: deadline}
	if deadline != nil && expire != nil {
		delay := deadline.Sub(c.now())
		if delay < 0 {
			delay = 0
		}
		w.timer = time.AfterFunc(delay, expire)
	}
	c.waits[tok.InstanceID] = w
}

// Unregister removes the wait of an instance and stops its expiry timer.
func (c *Correlator) Unregister(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.waits[instanceID]; ok {
		if w.timer != nil {
			w.timer.Stop()
		}
		delete(c.waits, instanceID)
	}
}

// Waiting reports whether an instance is suspended on exactly tok.
func (c *Correlator) Waiting(tok Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.waits[tok.InstanceID]
	return ok && w.token == tok
}

// Len returns the number of registered waits.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waits)
}

// Close stops every expiry timer. Later registrations are ignored.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, w := range c.waits {
		if w.timer != nil {
			w.timer.Stop()
		}
		delete(c.waits, id)
	}
}
