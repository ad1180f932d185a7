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

package session

import "sync"

// incompleteRcvMsg tracks one inbound message handed to the MessageSink
// but not yet completed: created when the message enters the sink, removed
// on completion or on cancel(). cancel() clears the session back-reference
// so a completion callback racing with it becomes a no-op — a weak
// (handle, session) pair the worker callback holds, rather than a direct
// State<->Message cycle.
type incompleteRcvMsg struct {
	mu             sync.Mutex
	handle         uint64
	commandID      uint32
	requiresAccept bool
	sync           bool
	session        *State // cleared by cancel(); nil means "cancelled"
	executing      bool
	finished       chan struct{}
}

func newIncompleteRcvMsg(handle uint64, commandID uint32, requiresAccept, syncFlag bool, s *State) *incompleteRcvMsg {
	return &incompleteRcvMsg{
		handle:         handle,
		commandID:      commandID,
		requiresAccept: requiresAccept,
		sync:           syncFlag,
		session:        s,
		finished:       make(chan struct{}),
	}
}

// complete is the completion callback handed to the MessageSink. It may
// run on any goroutine. It schedules this record's handle onto the owning
// session's CompletionScheduler, which hands it back to the I/O goroutine.
func (m *incompleteRcvMsg) complete() {
	m.mu.Lock()
	s := m.session
	if s == nil {
		m.mu.Unlock()
		return // cancelled: no-op
	}
	m.executing = true
	m.mu.Unlock()

	s.scheduler.schedule(m.handle)

	m.mu.Lock()
	m.executing = false
	close(m.finished)
	m.mu.Unlock()
}

// cancel invalidates the record. If complete() is currently running on
// another goroutine, cancel blocks until it finishes, then clears the
// back-pointer. This is the one blocking call permitted on the I/O thread,
// and only at session-destruction time.
func (m *incompleteRcvMsg) cancel() {
	m.mu.Lock()
	if m.executing {
		m.mu.Unlock()
		<-m.finished
		m.mu.Lock()
	}
	m.session = nil
	m.mu.Unlock()
}

// completionScheduler is the cross-thread queue of completed message
// handles posted back to the I/O thread: the first enqueue schedules the
// drain, subsequent enqueues just append.
type completionScheduler struct {
	mu        sync.Mutex
	queued    []uint64
	scheduled bool
	inject    func(func())
	drain     func([]uint64)
}

func newCompletionScheduler(inject func(func()), drain func([]uint64)) *completionScheduler {
	return &completionScheduler{inject: inject, drain: drain}
}

func (c *completionScheduler) schedule(handle uint64) {
	c.mu.Lock()
	c.queued = append(c.queued, handle)
	first := !c.scheduled
	c.scheduled = true
	c.mu.Unlock()

	if first {
		c.inject(c.runDrain)
	}
}

// runDrain executes on the I/O thread (injected). It swaps out the queued
// batch under lock, then calls drain with the lock released: the lock is
// held only for map mutation, callbacks run with the lock released.
func (c *completionScheduler) runDrain() {
	c.mu.Lock()
	batch := c.queued
	c.queued = nil
	c.scheduled = false
	c.mu.Unlock()
	if len(batch) > 0 {
		c.drain(batch)
	}
}
