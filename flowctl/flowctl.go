/*
Licensed to the Apache Software Foundation (ASF) under one
or more contributor license agreements.  See the NOTICE file
distributed with this work for additional information
regarding copyright ownership.  The ASF licenses this file
to you under the Apache License, Version 2.0 (the
"License"); you may not use this file except in compliance
with the License.  You may obtain a copy of the License at

  http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing,
software distributed under the License is distributed on an
"AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
KIND, either express or implied.  See the License for the
specific language governing permissions and limitations
under the License.
*/

// Package flowctl implements a per-session producer rate limiter. The ""
// (anonymous) destination it accounts for is the session's own default
// flow-controlled channel, addressed by flow mode CREDIT / unit MESSAGE,
// distinct from any named queue or exchange destination.
package flowctl

import (
	"sync"
	"time"
)

// Decision is what the controller tells the caller to do about one
// admitted content message.
type Decision struct {
	// Credit is new credit to announce via message.flow, or 0 if none is due yet.
	Credit int
	// Stop is true if the session must issue message.stop.
	Stop bool
}

// Controller is a per-session credit accountant, guarded by an internal
// mutex.
type Controller struct {
	mu sync.Mutex

	rate       int  // messages/sec
	window     int  // remaining credit before stop
	issued     int  // credit issued since the last flush, accumulates toward the flush threshold
	creditMode bool // set by the peer's own message.set-flow-mode("")

	lastIssue time.Time
	violated  bool

	timer     *time.Timer
	scheduled bool

	// FlushThreshold is the accumulated-new-credit threshold that triggers
	// a message.flow; onFlow/onStop/onRetry are the session's hooks for
	// emitting the corresponding wire commands, kept as plain function
	// values rather than a listener interface.
	flushThreshold int
	onFlow         func(credit int)
	onStop         func()
	onRetry        func()

	now func() time.Time
}

// Config configures a Controller.
type Config struct {
	Rate           int // messages/sec; 0 disables throttling
	FlushThreshold int // credit accumulation that triggers message.flow
	OnFlow         func(credit int)
	OnStop         func()
	OnRetry        func() // invoked by the broker timer when a throttled issue is retried
}

// New creates a Controller and issues the initial credit burst
// min(rate, 300); a rate of 0 (unthrottled) gets the full 300.
func New(cfg Config) *Controller {
	c := &Controller{
		rate:           cfg.Rate,
		flushThreshold: cfg.FlushThreshold,
		onFlow:         cfg.OnFlow,
		onStop:         cfg.OnStop,
		onRetry:        cfg.OnRetry,
		now:            time.Now,
	}
	initial := c.rate
	if initial > 300 || initial == 0 {
		initial = 300
	}
	c.window = initial
	if c.onFlow != nil && initial > 0 {
		c.onFlow(initial)
	}
	return c
}

// Admit is called on each content message admission. It consumes one unit
// of window, and if the window is exhausted, reports Stop.
func (c *Controller) Admit() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rate == 0 {
		return Decision{}
	}
	c.replenishLocked()

	if c.window <= 0 {
		c.violated = true
		if c.onStop != nil {
			c.onStop()
		}
		c.scheduleRetryLocked()
		return Decision{Stop: true}
	}
	c.window--
	return Decision{}
}

// replenishLocked adds back credit earned since lastIssue at the
// configured rate. It must be called with mu held.
func (c *Controller) replenishLocked() {
	now := c.now()
	if c.lastIssue.IsZero() {
		c.lastIssue = now
		return
	}
	elapsed := now.Sub(c.lastIssue).Seconds()
	if elapsed <= 0 {
		return
	}
	earned := int(elapsed * float64(c.rate))
	if earned <= 0 {
		return
	}
	c.lastIssue = now
	c.window += earned
	c.issued += earned
	if c.issued >= c.flushThreshold && c.flushThreshold > 0 {
		grant := c.issued
		c.issued = 0
		if c.onFlow != nil {
			c.onFlow(grant)
		}
	}
}

// scheduleRetryLocked arms the broker timer to retry issuing credit after
// min(50/rate seconds, 500ms).
func (c *Controller) scheduleRetryLocked() {
	if c.scheduled || c.rate == 0 {
		return
	}
	delay := 500 * time.Millisecond
	if d := time.Duration(float64(time.Second) * 50 / float64(c.rate)); d < delay {
		delay = d
	}
	c.scheduled = true
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.scheduled = false
		c.mu.Unlock()
		if c.onRetry != nil {
			c.onRetry()
		}
	})
}

// SetMode records the peer's chosen flow mode for the session's own
// anonymous destination. This controller only ever accounts credit-style,
// so window mode is recorded but doesn't change accounting.
func (c *Controller) SetMode(creditMode bool) {
	c.mu.Lock()
	c.creditMode = creditMode
	c.mu.Unlock()
}

// Grant adds credit directly, for a peer that flows credit to the
// session's own anonymous destination instead of a named one.
func (c *Controller) Grant(credit int) {
	c.mu.Lock()
	c.window += credit
	c.mu.Unlock()
}

// Stop zeroes the outstanding window so the next Admit reports Stop,
// mirroring an inbound message.stop("") from the peer.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.window = 0
	c.mu.Unlock()
}

// Cancel stops the retry timer; detaching a session cancels its
// flow-control timer.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.scheduled = false
}

// Violated reports whether the window was ever exhausted since the
// Controller was created, used to record producer-throttling violations
// for testing and diagnostics.
func (c *Controller) Violated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.violated
}
