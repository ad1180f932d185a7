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

	"github.com/domcleal/qpid/amqperr"
	"github.com/domcleal/qpid/session"
	"github.com/domcleal/qpid/sink"
	"github.com/domcleal/qpid/wireproto"
)

type recordingAdapter struct{}

func (recordingAdapter) Dispatch(ssn *session.State, m wireproto.Method, id uint32) (interface{}, bool, error) {
	return nil, true, nil
}

type nullSink struct{}

func (nullSink) Enqueue(msg sink.Message, complete func()) error {
	complete()
	return nil
}

type nullWire struct{}

func (nullWire) SendExecutionResult(uint32, interface{})                  {}
func (nullWire) SendExecutionException(uint32, amqperr.Condition, string) {}
func (nullWire) SendAccept([]wireproto.Range)                             {}
func (nullWire) SendCompleted([]wireproto.Range)                          {}
func (nullWire) SendMessageFlow(int)                                      {}
func (nullWire) SendMessageStop()                                         {}

type nullSender struct{ frames []wireproto.Frame }

func (s *nullSender) WriteFrame(f wireproto.Frame) error {
	s.frames = append(s.frames, f)
	return nil
}

func newTestHandler() (*Mux, *Handler) {
	ssn := session.New(session.NewID(), recordingAdapter{}, nullSink{}, nullWire{}, func(f func()) { f() }, session.Config{}, session.Listener{}, nil)
	h := NewHandler(ssn)
	mux := NewMux(&nullSender{}, 8, nil)
	_ = mux.Bind(1, h)
	return mux, h
}

func TestMuxRejectsChannelAboveMax(t *testing.T) {
	ssn := session.New(session.NewID(), recordingAdapter{}, nullSink{}, nullWire{}, func(f func()) { f() }, session.Config{}, session.Listener{}, nil)
	h := NewHandler(ssn)
	mux := NewMux(&nullSender{}, 4, nil)
	if err := mux.Bind(9, h); err == nil {
		t.Fatal("expected an error binding a channel at or above channel-max")
	}
}

func TestHandlerAttachMarksSessionAttached(t *testing.T) {
	_, h := newTestHandler()
	if err := h.handle(wireproto.Frame{Channel: 1, Type: wireproto.FrameMethod, Method: wireproto.NewSessionAttach([]byte("s1"), false)}); err != nil {
		t.Fatalf("handle attach: %v", err)
	}
	if !h.Session().Attached() {
		t.Fatal("expected session attached after session.attach")
	}
}

func TestHandlerIgnoresFramesAfterDetach(t *testing.T) {
	mux, h := newTestHandler()
	if err := h.detach(wireproto.NewSessionDetach([]byte("s1"))); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if !h.Ignoring() {
		t.Fatal("expected ignoring after detach")
	}
	if _, ok := mux.Lookup(1); ok {
		t.Fatal("expected channel unbound after detach")
	}
}

func TestAssemblerCompletesOnEOS(t *testing.T) {
	_, h := newTestHandler()
	transfer := wireproto.NewMessageTransfer("q1", true, false)
	if err := h.handleMethod(wireproto.Frame{Method: transfer}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := h.handleAssembly(wireproto.Frame{Type: wireproto.FrameHeader, Flags: wireproto.BOS, Payload: []byte("he")}); err != nil {
		t.Fatalf("header: %v", err)
	}
	if err := h.handleAssembly(wireproto.Frame{Type: wireproto.FrameContent, Flags: wireproto.EOS, Payload: []byte("ad")}); err != nil {
		t.Fatalf("content: %v", err)
	}
}
