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

package reconnect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/domcleal/qpid/amqperr"
)

func TestMergeURLsDedupesPreservingOrder(t *testing.T) {
	a := []URL{{Scheme: "amqp", Host: "h1", Port: 5672}}
	b := []URL{{Scheme: "amqp", Host: "h1", Port: 5672}, {Scheme: "amqp", Host: "h2", Port: 5672}}
	got := MergeURLs(a, b)
	if len(got) != 2 || got[0].Host != "h1" || got[1].Host != "h2" {
		t.Fatalf("unexpected merge result: %+v", got)
	}
}

type fakeSession struct {
	resumed   [][]byte
	resumeErr error
	closed    bool
}

func (f *fakeSession) Resume(replay [][]byte) error { f.resumed = replay; return f.resumeErr }
func (f *fakeSession) Close() error                 { f.closed = true; return nil }

func TestReconnectRetriesUntilDialSucceeds(t *testing.T) {
	attempts := 0
	dial := func(ctx context.Context, url URL) (Session, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		return &fakeSession{}, nil
	}
	c := New(Config{BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond}, dial, []URL{{Host: "h1"}})
	sess, err := c.Reconnect(context.Background())
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if sess == nil {
		t.Fatal("expected a session")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestReconnectReplaysOutstandingCommands(t *testing.T) {
	var got *fakeSession
	dial := func(ctx context.Context, url URL) (Session, error) {
		got = &fakeSession{}
		return got, nil
	}
	c := New(Config{BackoffBase: time.Millisecond, BackoffMax: time.Millisecond}, dial, []URL{{Host: "h1"}})
	c.SetReplay([][]byte{[]byte("a"), []byte("b")})
	if _, err := c.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if len(got.resumed) != 2 {
		t.Fatalf("expected replay of 2 commands, got %d", len(got.resumed))
	}
}

func TestReconnectRestartsCycleOnResourceLimitExceededWhenEnabled(t *testing.T) {
	var sessions []*fakeSession
	dial := func(ctx context.Context, url URL) (Session, error) {
		s := &fakeSession{}
		if len(sessions) == 0 {
			s.resumeErr = amqperr.NewResourceLimitExceeded("stopped")
		}
		sessions = append(sessions, s)
		return s, nil
	}
	c := New(Config{BackoffBase: time.Millisecond, BackoffMax: time.Millisecond, ReconnectOnLimitExceeded: true}, dial, []URL{{Host: "h1"}})
	c.SetReplay([][]byte{[]byte("a")})

	sess, err := c.Reconnect(context.Background())
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if sess == nil {
		t.Fatal("expected a session")
	}
	if len(sessions) != 2 {
		t.Fatalf("expected the cycle to restart and dial again, got %d dials", len(sessions))
	}
	if !sessions[0].closed {
		t.Fatal("expected the resource-limited session to be closed before restarting")
	}
}

func TestReconnectRollsBackWhenLimitExceededDisabled(t *testing.T) {
	dial := func(ctx context.Context, url URL) (Session, error) {
		return &fakeSession{resumeErr: amqperr.NewResourceLimitExceeded("stopped")}, nil
	}
	c := New(Config{BackoffBase: time.Millisecond, BackoffMax: time.Millisecond}, dial, []URL{{Host: "h1"}})
	c.SetReplay([][]byte{[]byte("a")})

	_, err := c.Reconnect(context.Background())
	var rolledBack *amqperr.TransactionRolledBack
	if !errors.As(err, &rolledBack) {
		t.Fatalf("expected TransactionRolledBack when reconnectOnLimitExceeded is off, got %v", err)
	}
}

func TestReconnectRespectsMaxAttempts(t *testing.T) {
	dial := func(ctx context.Context, url URL) (Session, error) {
		return nil, errors.New("down")
	}
	c := New(Config{BackoffBase: time.Millisecond, BackoffMax: time.Millisecond, MaxAttempts: 2}, dial, []URL{{Host: "h1"}})
	if _, err := c.Reconnect(context.Background()); err == nil {
		t.Fatal("expected an error once attempts are exhausted")
	}
}
