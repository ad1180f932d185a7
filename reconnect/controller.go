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

// Package reconnect implements the client-side reconnect controller: URL-
// set merging, exponential backoff between attempts, and session re-attach
// via session.resume once a new transport is up.
package reconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/domcleal/qpid/amqperr"
)

// URL identifies one broker endpoint to try.
type URL struct {
	Scheme string // "amqp" or "amqps"
	Host   string
	Port   int
}

func (u URL) key() string { return u.Scheme + "://" + u.Host + ":" + itoa(u.Port) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// MergeURLs de-duplicates and concatenates the initially-configured URL set
// with any URL set the broker returns via connection.redirect, preserving
// first-seen order.
func MergeURLs(configured, redirected []URL) []URL {
	seen := make(map[string]bool, len(configured)+len(redirected))
	out := make([]URL, 0, len(configured)+len(redirected))
	for _, u := range append(append([]URL{}, configured...), redirected...) {
		k := u.key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, u)
	}
	return out
}

// Dialer opens a new session-capable connection to url. Kept as a plain
// function type collaborator rather than an interface with a single
// method.
type Dialer func(ctx context.Context, url URL) (Session, error)

// Session is the minimal shape the reconnect controller needs from a
// freshly dialed connection's default session in order to replay
// unacknowledged work, matching session.resume's contract.
type Session interface {
	Resume(replay [][]byte) error
	Close() error
}

// Config tunes backoff and failover policy.
type Config struct {
	BackoffBase              time.Duration
	BackoffMax               time.Duration
	MaxAttempts              int  // 0 means unlimited
	ReconnectOnLimitExceeded bool // whether flow-control Stop should trigger a reconnect
}

// DefaultConfig gives a message-broker client a fast-retry, capped-backoff
// baseline rather than a long-haul transport session's more patient one.
var DefaultConfig = Config{BackoffBase: time.Second, BackoffMax: 30 * time.Second, MaxAttempts: 0}

// Controller drives reconnection for one logical client connection.
type Controller struct {
	cfg    Config
	dial   Dialer
	mu     sync.Mutex
	urls   []URL
	cursor int

	replay [][]byte
}

// New creates a Controller over the initial URL set.
func New(cfg Config, dial Dialer, urls []URL) *Controller {
	return &Controller{cfg: cfg, dial: dial, urls: urls}
}

// Redirect merges a broker-supplied redirect URL set into the controller's
// working set.
func (c *Controller) Redirect(redirected []URL) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.urls = MergeURLs(c.urls, redirected)
}

// SetReplay records the outstanding sender-side command payloads a
// reconnect must resend via session.resume, handed over by
// session.State.Replay().
func (c *Controller) SetReplay(replay [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replay = replay
}

// isResourceLimitExceeded reports whether err (or something it wraps) is
// the broker telling the peer its flow-control limit was hit.
func isResourceLimitExceeded(err error) bool {
	var rle *amqperr.ResourceLimitExceededError
	return errors.As(err, &rle)
}

// nextURLLocked round-robins the URL set starting from cursor.
func (c *Controller) nextURLLocked() (URL, error) {
	if len(c.urls) == 0 {
		return URL{}, errors.New("no broker URLs configured")
	}
	u := c.urls[c.cursor%len(c.urls)]
	c.cursor++
	return u, nil
}

// Reconnect attempts to establish a new session, retrying with exponential
// backoff across the URL set until ctx is cancelled or MaxAttempts is
// exhausted. On success it replays outstanding commands via Session.Resume.
func (c *Controller) Reconnect(ctx context.Context) (Session, error) {
	delay := c.cfg.BackoffBase
	attempt := 0
	for {
		attempt++
		if c.cfg.MaxAttempts > 0 && attempt > c.cfg.MaxAttempts {
			return nil, amqperr.NewTransportFailure(errors.New("reconnect attempts exhausted"))
		}

		c.mu.Lock()
		url, err := c.nextURLLocked()
		replay := c.replay
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}

		sess, dialErr := c.dial(ctx, url)
		if dialErr == nil {
			if len(replay) == 0 {
				return sess, nil
			}
			switch err := sess.Resume(replay); {
			case err == nil:
				return sess, nil
			case c.cfg.ReconnectOnLimitExceeded && isResourceLimitExceeded(err):
				// The broker's flow control tripped mid-resume: detach this
				// attempt entirely and restart the cycle from the top rather
				// than surfacing a rolled-back transaction.
				_ = sess.Close()
			default:
				return nil, amqperr.NewTransactionRolledBack()
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.BackoffMax {
			delay = c.cfg.BackoffMax
		}
	}
}
