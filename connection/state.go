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

// Package connection implements the per-connection state machine and
// single I/O goroutine that drives it. Its dispatch table, keyed by
// (State, MethodCode), holds a null/wildcard state entry plus one map per
// named state, looked up by method code.
package connection

import "github.com/domcleal/qpid/wireproto"

// State is the connection lifecycle state.
type State int

const (
	Initial State = iota
	AwaitStartOk
	AwaitSecureOk
	AwaitTuneOk
	AwaitOpen
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case AwaitStartOk:
		return "await-start-ok"
	case AwaitSecureOk:
		return "await-secure-ok"
	case AwaitTuneOk:
		return "await-tune-ok"
	case AwaitOpen:
		return "await-open"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "state(?)"
	}
}

// stateHandler processes one method arriving while the engine is in a
// given state.
type stateHandler func(eng *Engine, m wireproto.Method) error

// dispatchTable holds a per-state map of method code to handler, plus a
// nil-keyed wildcard map consulted for methods legal in every state
// (connection.close, connection.close-ok).
type dispatchTable struct {
	byState  map[State]map[wireproto.MethodCode]stateHandler
	wildcard map[wireproto.MethodCode]stateHandler
}

func newDispatchTable() *dispatchTable {
	return &dispatchTable{
		byState:  make(map[State]map[wireproto.MethodCode]stateHandler),
		wildcard: make(map[wireproto.MethodCode]stateHandler),
	}
}

func (t *dispatchTable) on(state State, code wireproto.MethodCode, h stateHandler) {
	m, ok := t.byState[state]
	if !ok {
		m = make(map[wireproto.MethodCode]stateHandler)
		t.byState[state] = m
	}
	m[code] = h
}

func (t *dispatchTable) onAny(code wireproto.MethodCode, h stateHandler) {
	t.wildcard[code] = h
}

// lookup finds the handler for (state, code), falling back to the
// wildcard table when the per-state map has no entry.
func (t *dispatchTable) lookup(state State, code wireproto.MethodCode) (stateHandler, bool) {
	if m, ok := t.byState[state]; ok {
		if h, ok := m[code]; ok {
			return h, true
		}
	}
	h, ok := t.wildcard[code]
	return h, ok
}
