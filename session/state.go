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

// Package session implements the command-numbered session state machine —
// the heart of the engine. It tracks receiver/sender completion sets,
// drives command dispatch against an external semantic Adapter, hands
// content messages to a MessageSink and reconciles the sink's asynchronous
// completions back into the ordered completion sets a single I/O goroutine
// is allowed to touch directly.
package session

import (
	"sync"

	"github.com/domcleal/qpid/amqperr"
	"github.com/domcleal/qpid/flowctl"
	"github.com/domcleal/qpid/internal/safeq"
	"github.com/domcleal/qpid/sink"
	"github.com/domcleal/qpid/wireproto"
)

// CommandPoint is the session's sender-direction cursor: the next command
// id the peer must use, plus the byte offset within that command's
// frameset.
type CommandPoint struct {
	Command uint32
	Offset  uint32
}

// Config holds the tunables a session is constructed with.
type Config struct {
	ReplayBufferSize int
	AckFrequency     int
	IdleTimeoutSecs  uint32 // always reported as 0
}

// Adapter is the semantic layer session commands are dispatched against —
// queue/exchange operations, transactions, etc. — kept out of this
// package's scope. Dispatch returns handled=false for methods this session
// doesn't recognise (become execution.exception NotImplemented), and a
// non-nil result to be reported via execution.result.
type Adapter interface {
	Dispatch(ssn *State, m wireproto.Method, id uint32) (result interface{}, handled bool, err error)
}

// Listener receives session-scoped lifecycle notifications, a small
// capability struct rather than an add/remove-at-runtime interface.
type Listener struct {
	Exception func(ssn *State, err error)
	Detached  func(ssn *State)
}

// Wire is the small set of outbound operations State needs to emit
// frames; ChannelMux/SessionHandler implement it. Keeping this as an
// interface (rather than State writing frames itself) is what lets
// State's tests run without a real transport.
type Wire interface {
	SendExecutionResult(id uint32, value interface{})
	SendExecutionException(id uint32, cond amqperr.Condition, text string)
	SendAccept(ranges []wireproto.Range)
	SendCompleted(ranges []wireproto.Range)
	SendMessageFlow(credit int)
	SendMessageStop()
}

type replayEntry struct {
	id      uint32
	payload []byte
}

// State is the per-session protocol state machine.
type State struct {
	ID      ID
	adapter Adapter
	sinkImp sink.MessageSink
	wire    Wire
	inject  func(func())
	cfg     Config
	flow    *flowctl.Controller

	listener Listener

	mu       sync.Mutex // guards everything below; the "stateLock" analogue
	cond     *sync.Cond
	attached bool

	commandPoint     CommandPoint
	senderIncomplete wireproto.RangeSet
	replay           []replayEntry

	receiverHigh       uint32
	receiverIncomplete wireproto.RangeSet
	accepted           wireproto.RangeSet
	pendingSyncs       *safeq.Queue[uint32]

	incompleteRcvMsgs map[uint64]*incompleteRcvMsg
	nextHandle        uint64

	scheduler *completionScheduler

	exception error
}

// New creates an attached session. inject hands a func to the connection's
// I/O goroutine (see connection.Engine.Inject), the mechanism used to move
// work between goroutines.
func New(id ID, adapter Adapter, sinkImp sink.MessageSink, wire Wire, inject func(func()), cfg Config, listener Listener, flow *flowctl.Controller) *State {
	s := &State{
		ID:                id,
		adapter:           adapter,
		sinkImp:           sinkImp,
		wire:              wire,
		inject:            inject,
		cfg:               cfg,
		flow:              flow,
		listener:          listener,
		attached:          true,
		commandPoint:      CommandPoint{Command: 1},
		pendingSyncs:      safeq.NewQueue[uint32](),
		incompleteRcvMsgs: make(map[uint64]*incompleteRcvMsg),
	}
	s.cond = sync.NewCond(&s.mu)
	s.scheduler = newCompletionScheduler(inject, s.runDrain)
	return s
}

// Attached reports whether the session currently has a channel bound.
func (s *State) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// WaitAttached blocks until Attached() is true.
func (s *State) WaitAttached() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.attached {
		s.cond.Wait()
	}
}

// MarkAttached transitions the session to attached and wakes waiters.
func (s *State) MarkAttached() {
	s.mu.Lock()
	s.attached = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Detach cancels every in-flight incompleteRcvMsg (blocking to quiesce
// callbacks), cancels the flow-control timer, marks the session unattached
// and wakes waiters.
func (s *State) Detach() {
	s.mu.Lock()
	recs := make([]*incompleteRcvMsg, 0, len(s.incompleteRcvMsgs))
	for _, r := range s.incompleteRcvMsgs {
		recs = append(recs, r)
	}
	s.mu.Unlock()

	for _, r := range recs {
		r.cancel()
	}
	if s.flow != nil {
		s.flow.Cancel()
	}

	s.mu.Lock()
	for _, r := range recs {
		delete(s.incompleteRcvMsgs, r.handle)
	}
	s.attached = false
	s.mu.Unlock()
	s.cond.Broadcast()

	if s.listener.Detached != nil {
		s.listener.Detached(s)
	}
}

// Exception marks the session with a terminal fault and notifies the
// listener.
func (s *State) Exception(err error) {
	s.mu.Lock()
	if s.exception == nil {
		s.exception = err
	}
	s.mu.Unlock()
	if s.listener.Exception != nil {
		s.listener.Exception(s, err)
	}
}

func (s *State) Error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exception
}

// hasIncompleteBelowLocked reports whether any command id strictly less
// than id is still open in receiverIncomplete. Must be called with mu held.
func (s *State) hasIncompleteBelowLocked(id uint32) bool {
	for _, r := range s.receiverIncomplete.Ranges() {
		if r.Lower < id {
			return true
		}
	}
	return false
}

// NextReceiverCommandID assigns the id for the next inbound command,
// advancing past receiverHigh. Living on State rather than on the
// per-channel Handler is what makes command numbering survive a
// session.attach that resumes this session onto a different channel: the
// Handler is recreated on resume, but this counter isn't.
func (s *State) NextReceiverCommandID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiverHigh++
	return s.receiverHigh
}

// HandleCommand runs the command-dispatch algorithm: mark the command
// receiver-incomplete, dispatch it to the adapter, resolve any pending
// execution.sync barrier, report the result or exception, then mark the
// command complete and flush accept/completed state if needed.
func (s *State) HandleCommand(m wireproto.Method, id uint32) {
	s.mu.Lock()
	if id > s.receiverHigh {
		s.receiverHigh = id
	}
	s.receiverIncomplete.AddOne(id)
	s.mu.Unlock()

	currentComplete := true
	var result interface{}
	var handled bool
	var err error
	if s.interceptAnonymousFlow(m) {
		handled = true
	} else {
		result, handled, err = s.adapter.Dispatch(s, m, id)
	}

	if m.Code() == wireproto.ExecutionSync {
		s.mu.Lock()
		if s.hasIncompleteBelowLocked(id) {
			currentComplete = false
			s.pendingSyncs.Push(id)
		}
		s.mu.Unlock()
	}

	switch {
	case !handled:
		cerr := amqperr.NewCommandError(id, amqperr.CommandUnsupported, "not implemented: %s", m.Code())
		s.wire.SendExecutionException(id, cerr.Err.Condition, cerr.Err.Text)
	case err != nil:
		cerr := amqperr.NewCommandError(id, amqperr.IllegalArgument, "%s", err)
		s.wire.SendExecutionException(id, cerr.Err.Condition, cerr.Err.Text)
	case result != nil:
		s.wire.SendExecutionResult(id, result)
	}

	flushNeeded := false
	if currentComplete {
		s.mu.Lock()
		s.receiverIncomplete.Remove(id, id)
		if len(s.drainPendingSyncsLocked()) > 0 {
			flushNeeded = true
		}
		s.mu.Unlock()
	}

	if m.Sync() && currentComplete {
		flushNeeded = true
	}
	if flushNeeded {
		s.flushAcceptAndCompleted()
	}
}

// interceptAnonymousFlow handles message.set-flow-mode/flow/stop addressed
// to "" — the session's own default flow-controlled channel — before they
// ever reach the adapter. A named destination still falls through to
// generic command dispatch; only the anonymous one is this session's own
// business.
func (s *State) interceptAnonymousFlow(m wireproto.Method) bool {
	if s.flow == nil {
		return false
	}
	switch mm := m.(type) {
	case wireproto.MessageSetFlowModeMethod:
		if mm.Destination != "" {
			return false
		}
		s.flow.SetMode(mm.CreditMode)
		return true
	case wireproto.MessageFlowMethod:
		if mm.Destination != "" {
			return false
		}
		s.flow.Grant(int(mm.Value))
		return true
	case wireproto.MessageStopMethod:
		if mm.Destination != "" {
			return false
		}
		s.flow.Stop()
		return true
	default:
		return false
	}
}

// drainPendingSyncsLocked pops and completes every pendingSync whose id has
// no remaining incomplete predecessor. Must be called with mu held.
func (s *State) drainPendingSyncsLocked() []uint32 {
	var drained []uint32
	for {
		id, ok := s.pendingSyncs.Peek()
		if !ok || s.hasIncompleteBelowLocked(id) {
			return drained
		}
		s.pendingSyncs.Pop()
		s.receiverIncomplete.Remove(id, id)
		drained = append(drained, id)
	}
}

// AdmitMessage registers a fully-assembled content message for command id
// with the MessageSink and applies flow control.
func (s *State) AdmitMessage(id uint32, msg sink.Message) error {
	s.mu.Lock()
	if id > s.receiverHigh {
		s.receiverHigh = id
	}
	s.receiverIncomplete.AddOne(id)
	handle := s.nextHandle
	s.nextHandle++
	rec := newIncompleteRcvMsg(handle, id, msg.RequiresAccept, msg.Sync, s)
	s.incompleteRcvMsgs[handle] = rec
	s.mu.Unlock()

	if s.flow != nil {
		d := s.flow.Admit()
		if d.Stop {
			s.wire.SendMessageStop()
		} else if d.Credit > 0 {
			s.wire.SendMessageFlow(d.Credit)
		}
	}

	return s.sinkImp.Enqueue(msg, rec.complete)
}

// runDrain is invoked on the I/O goroutine once per completion batch.
func (s *State) runDrain(handles []uint64) {
	flushNeeded := false
	s.mu.Lock()
	for _, h := range handles {
		rec, ok := s.incompleteRcvMsgs[h]
		if !ok {
			continue // cancelled before this batch drained
		}
		delete(s.incompleteRcvMsgs, h)
		s.receiverIncomplete.Remove(rec.commandID, rec.commandID)
		if rec.requiresAccept {
			s.accepted.AddOne(rec.commandID)
		}
		if rec.sync {
			flushNeeded = true
		}
		if len(s.drainPendingSyncsLocked()) > 0 {
			flushNeeded = true
		}
	}
	s.mu.Unlock()
	if flushNeeded {
		s.flushAcceptAndCompleted()
	}
}

// Flush emits any pending message.accept entries and the current
// session.completed range set on demand, driven by an inbound
// session.flush rather than by a completed command.
func (s *State) Flush() { s.flushAcceptAndCompleted() }

// flushAcceptAndCompleted emits any pending message.accept entries and the
// current session.completed range set.
func (s *State) flushAcceptAndCompleted() {
	s.mu.Lock()
	var acceptRanges []wireproto.Range
	if !s.accepted.Empty() {
		acceptRanges = append(acceptRanges, s.accepted.Ranges()...)
		s.accepted = wireproto.RangeSet{}
	}
	completed := s.knownCompleteLocked()
	s.mu.Unlock()

	if len(acceptRanges) > 0 {
		s.wire.SendAccept(acceptRanges)
	}
	s.wire.SendCompleted(completed)
}

// knownCompleteLocked returns the complement of receiverIncomplete within
// [1, receiverHigh]: every command id received and completed so far. Must
// be called with mu held.
func (s *State) knownCompleteLocked() []wireproto.Range {
	if s.receiverHigh == 0 {
		return nil
	}
	var out []wireproto.Range
	cur := uint32(1)
	for _, r := range s.receiverIncomplete.Ranges() {
		if r.Lower > cur {
			out = append(out, wireproto.Range{Lower: cur, Upper: r.Lower - 1})
		}
		if r.Upper+1 > cur {
			cur = r.Upper + 1
		}
	}
	if cur <= s.receiverHigh {
		out = append(out, wireproto.Range{Lower: cur, Upper: s.receiverHigh})
	}
	return out
}

// ReceiverIncompleteEmpty reports whether every received command has
// completed; SenderIncompleteEmpty is the other half of the quiescence
// invariant a clean session close requires.
func (s *State) ReceiverIncompleteEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiverIncomplete.Empty()
}

// SenderIncompleteEmpty is the other half.
func (s *State) SenderIncompleteEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.senderIncomplete.Empty()
}

// SendCommand records a sender-side command in the replay buffer and
// returns the id it was assigned, advancing commandPoint.
func (s *State) SendCommand(payload []byte) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.commandPoint.Command
	s.commandPoint.Command++
	s.commandPoint.Offset = 0
	s.senderIncomplete.AddOne(id)
	s.replay = append(s.replay, replayEntry{id: id, payload: payload})
	if s.cfg.ReplayBufferSize > 0 && len(s.replay) > s.cfg.ReplayBufferSize {
		s.replay = s.replay[len(s.replay)-s.cfg.ReplayBufferSize:]
	}
	return id
}

// SenderCommandPoint returns the next id the peer must use when
// acknowledging us.
func (s *State) SenderCommandPoint() CommandPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commandPoint
}

// SenderCompleted narrows the sender-side incomplete set for the given
// ranges and releases the corresponding replay buffer entries. It returns
// only the sub-ranges that actually advanced something, which is what the
// caller should echo in session.known-completed.
func (s *State) SenderCompleted(ranges []wireproto.Range) []wireproto.Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	var advanced []wireproto.Range
	for _, r := range ranges {
		if !s.senderIncomplete.Contains(r.Lower) && !s.senderIncomplete.Contains(r.Upper) && s.rangeDisjointFromIncompleteLocked(r) {
			continue
		}
		before := s.senderIncomplete.Clone()
		s.senderIncomplete.Remove(r.Lower, r.Upper)
		if !rangesEqual(before.Ranges(), s.senderIncomplete.Ranges()) {
			advanced = append(advanced, r)
			s.releaseReplayLocked(r.Upper)
		}
	}
	return advanced
}

func (s *State) rangeDisjointFromIncompleteLocked(r wireproto.Range) bool {
	for _, ir := range s.senderIncomplete.Ranges() {
		if r.Lower <= ir.Upper && ir.Lower <= r.Upper {
			return false
		}
	}
	return true
}

func (s *State) releaseReplayLocked(upTo uint32) {
	kept := s.replay[:0]
	for _, e := range s.replay {
		if e.id > upTo {
			kept = append(kept, e)
		}
	}
	s.replay = kept
}

// Replay returns the sender-side commands recorded since the peer's
// last-known-complete mark, for SessionHandler.resume to retransmit.
func (s *State) Replay() []([]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.replay))
	for i, e := range s.replay {
		out[i] = e.payload
	}
	return out
}

func rangesEqual(a, b []wireproto.Range) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
