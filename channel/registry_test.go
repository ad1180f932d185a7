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

package channel

import (
	"testing"

	"github.com/domcleal/qpid/session"
	"github.com/domcleal/qpid/wireproto"
)

func newTestFactory() (SessionFactory, *int) {
	calls := 0
	factory := func(name []byte, wire session.Wire) *session.State {
		calls++
		return session.New(session.NewID(), recordingAdapter{}, nullSink{}, wire, func(f func()) { f() }, session.Config{}, session.Listener{}, nil)
	}
	return factory, &calls
}

func TestDispatchCreatesSessionOnUnboundChannelAttach(t *testing.T) {
	factory, calls := newTestFactory()
	mux := NewMux(&nullSender{}, 8, factory)

	f := wireproto.Frame{Channel: 2, Type: wireproto.FrameMethod, Method: wireproto.NewSessionAttach([]byte("s1"), false)}
	if err := mux.Dispatch(f); err != nil {
		t.Fatalf("dispatch attach: %v", err)
	}
	if *calls != 1 {
		t.Fatalf("expected the factory to be called once, got %d", *calls)
	}
	h, ok := mux.Lookup(2)
	if !ok || h.Session() == nil {
		t.Fatal("expected channel 2 bound to a session after attach")
	}
	if !h.Session().Attached() {
		t.Fatal("expected the new session marked attached")
	}
}

func TestDispatchRejectsNonAttachOnUnboundChannel(t *testing.T) {
	factory, _ := newTestFactory()
	mux := NewMux(&nullSender{}, 8, factory)

	f := wireproto.Frame{Channel: 2, Type: wireproto.FrameMethod, Method: wireproto.NewSessionFlush(false, false, false)}
	if err := mux.Dispatch(f); err == nil {
		t.Fatal("expected channel.error for a non-attach frame on an unbound channel")
	}
}

func TestAttachIsIdempotentByName(t *testing.T) {
	factory, calls := newTestFactory()
	mux := NewMux(&nullSender{}, 8, factory)

	attach := wireproto.NewSessionAttach([]byte("s1"), false)
	if err := mux.Dispatch(wireproto.Frame{Channel: 2, Type: wireproto.FrameMethod, Method: attach}); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if err := mux.Dispatch(wireproto.Frame{Channel: 2, Type: wireproto.FrameMethod, Method: attach}); err != nil {
		t.Fatalf("second attach: %v", err)
	}
	if *calls != 1 {
		t.Fatalf("expected the factory to be called once across two attaches with the same name, got %d", *calls)
	}
}

// idRecordingAdapter records the command id every dispatched command was
// assigned, so tests can check id continuity across a resume.
type idRecordingAdapter struct{ ids *[]uint32 }

func (a idRecordingAdapter) Dispatch(ssn *session.State, m wireproto.Method, id uint32) (interface{}, bool, error) {
	*a.ids = append(*a.ids, id)
	return nil, true, nil
}

func TestAttachResumesSessionOnDifferentChannel(t *testing.T) {
	var ids []uint32
	calls := 0
	factory := func(name []byte, wire session.Wire) *session.State {
		calls++
		return session.New(session.NewID(), idRecordingAdapter{&ids}, nullSink{}, wire, func(f func()) { f() }, session.Config{}, session.Listener{}, nil)
	}
	mux := NewMux(&nullSender{}, 8, factory)

	attach := wireproto.NewSessionAttach([]byte("s1"), false)
	if err := mux.Dispatch(wireproto.Frame{Channel: 2, Type: wireproto.FrameMethod, Method: attach}); err != nil {
		t.Fatalf("attach on channel 2: %v", err)
	}
	original, _ := mux.Lookup(2)
	originalSsn := original.Session()

	if err := original.handle(wireproto.Frame{Channel: 2, Type: wireproto.FrameMethod, Method: wireproto.NewMessageAccept(nil)}); err != nil {
		t.Fatalf("command on channel 2: %v", err)
	}

	mux.forgetChannel([]byte("s1"))
	mux.Unbind(2)

	if err := mux.Dispatch(wireproto.Frame{Channel: 5, Type: wireproto.FrameMethod, Method: attach}); err != nil {
		t.Fatalf("attach on channel 5: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no new session created on resume, got %d factory calls", calls)
	}
	resumed, ok := mux.Lookup(5)
	if !ok {
		t.Fatal("expected channel 5 bound after resume")
	}
	if resumed.Session() != originalSsn {
		t.Fatal("expected the same session instance to be resumed onto channel 5")
	}
	if _, stillBound := mux.Lookup(2); stillBound {
		t.Fatal("expected channel 2 unbound once the session moved to channel 5")
	}

	// The resumed Handler/assembler is brand new, but the underlying
	// session survived, so the next command's id must continue from where
	// channel 2 left off rather than restarting at 1.
	if err := resumed.handle(wireproto.Frame{Channel: 5, Type: wireproto.FrameMethod, Method: wireproto.NewMessageAccept(nil)}); err != nil {
		t.Fatalf("command on channel 5: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("expected command ids to continue across resume (1, 2), got %v", ids)
	}
}

func TestAttachAdoptsPreWiredSessionIntoRegistry(t *testing.T) {
	factory, calls := newTestFactory()
	mux := NewMux(&nullSender{}, 8, factory)

	ssn := session.New(session.NewID(), recordingAdapter{}, nullSink{}, nullWire{}, func(f func()) { f() }, session.Config{}, session.Listener{}, nil)
	h := NewHandler(ssn)
	if err := mux.Bind(1, h); err != nil {
		t.Fatalf("bind: %v", err)
	}

	attach := wireproto.NewSessionAttach([]byte("preexisting"), false)
	if err := h.handle(wireproto.Frame{Channel: 1, Type: wireproto.FrameMethod, Method: attach}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if *calls != 0 {
		t.Fatalf("expected the factory not to be called when adopting a pre-wired session, got %d calls", *calls)
	}

	mux.forgetChannel([]byte("preexisting"))
	mux.Unbind(1)
	if err := mux.Dispatch(wireproto.Frame{Channel: 3, Type: wireproto.FrameMethod, Method: attach}); err != nil {
		t.Fatalf("resume onto channel 3: %v", err)
	}
	resumed, ok := mux.Lookup(3)
	if !ok || resumed.Session() != ssn {
		t.Fatal("expected the adopted session to be resumable by name")
	}
}
