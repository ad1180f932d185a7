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

// Package wireproto defines the frame and method shapes the engine drives
// its state machines with. It deliberately stops short of a bit-level
// codec: FrameType, Flags and Payload describe the *contract* a codec must
// satisfy, not how bytes are laid out on the wire.
package wireproto

import "fmt"

// FrameType is the kind of payload a Frame carries.
type FrameType uint8

const (
	FrameMethod FrameType = iota
	FrameHeader
	FrameContent
	FrameHeartbeat
)

func (t FrameType) String() string {
	switch t {
	case FrameMethod:
		return "method"
	case FrameHeader:
		return "header"
	case FrameContent:
		return "content"
	case FrameHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("frame-type(%d)", int(t))
	}
}

// Flags marks a frame's position within a frameset and within a message: a
// frameset is one content-bearing METHOD frame followed by one HEADER and
// N CONTENT frames, with BOF on the first frame and EOF on the last, BOS on
// the first frame of the message body and EOS on the last.
type Flags uint8

const (
	BOF Flags = 1 << iota // beginning of frameset (segment)
	EOF                   // end of frameset (segment)
	BOS                   // beginning of message
	EOS                   // end of message
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Frame is one unit read from, or written to, a transport. The codec that
// produces/consumes these on the wire lives outside this module's scope;
// callers hand the engine already-decoded Frames and receive Frames to
// encode.
type Frame struct {
	Channel uint16
	Flags   Flags
	TrackID uint8
	Type    FrameType
	Method  Method   // set when Type == FrameMethod
	Payload []byte   // header/content bytes; nil for heartbeats and methods
}

// MethodCode names a protocol method independent of its wire encoding, the
// key a dispatch table looks methods up by instead of an if/switch chain.
type MethodCode uint16

const (
	MethodUnknown MethodCode = iota

	ConnectionStart
	ConnectionStartOk
	ConnectionSecure
	ConnectionSecureOk
	ConnectionTune
	ConnectionTuneOk
	ConnectionOpen
	ConnectionOpenOk
	ConnectionClose
	ConnectionCloseOk

	ChannelOpen
	ChannelOpenOk
	ChannelClose
	ChannelCloseOk

	SessionAttach
	SessionAttached
	SessionDetach
	SessionDetached
	SessionRequestTimeout
	SessionTimeout
	SessionCommandPoint
	SessionCompleted
	SessionKnownCompleted
	SessionFlush

	ExecutionSync
	ExecutionResult
	ExecutionException

	MessageTransfer
	MessageAccept
	MessageSetFlowMode
	MessageFlow
	MessageStop
)

func (m MethodCode) String() string {
	names := map[MethodCode]string{
		ConnectionStart:       "connection.start",
		ConnectionStartOk:     "connection.start-ok",
		ConnectionSecure:      "connection.secure",
		ConnectionSecureOk:    "connection.secure-ok",
		ConnectionTune:        "connection.tune",
		ConnectionTuneOk:      "connection.tune-ok",
		ConnectionOpen:        "connection.open",
		ConnectionOpenOk:      "connection.open-ok",
		ConnectionClose:       "connection.close",
		ConnectionCloseOk:     "connection.close-ok",
		ChannelOpen:           "channel.open",
		ChannelOpenOk:         "channel.open-ok",
		ChannelClose:          "channel.close",
		ChannelCloseOk:        "channel.close-ok",
		SessionAttach:         "session.attach",
		SessionAttached:       "session.attached",
		SessionDetach:         "session.detach",
		SessionDetached:       "session.detached",
		SessionRequestTimeout: "session.request-timeout",
		SessionTimeout:        "session.timeout",
		SessionCommandPoint:   "session.command-point",
		SessionCompleted:      "session.completed",
		SessionKnownCompleted: "session.known-completed",
		SessionFlush:          "session.flush",
		ExecutionSync:         "execution.sync",
		ExecutionResult:       "execution.result",
		ExecutionException:    "execution.exception",
		MessageTransfer:       "message.transfer",
		MessageAccept:         "message.accept",
		MessageSetFlowMode:    "message.set-flow-mode",
		MessageFlow:           "message.flow",
		MessageStop:           "message.stop",
	}
	if n, ok := names[m]; ok {
		return n
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// Method is a decoded method frame body. HasPayload distinguishes commands
// that carry a message body (message.transfer) from ones that don't; Sync
// reports whether the sender marked this command with the "sync" bit,
// meaning the receiver must flush completions once it finishes.
type Method interface {
	Code() MethodCode
	HasPayload() bool
	Sync() bool
}

// baseMethod is embedded by concrete method types to satisfy Method.
type baseMethod struct {
	code       MethodCode
	hasPayload bool
	sync       bool
}

func (b baseMethod) Code() MethodCode  { return b.code }
func (b baseMethod) HasPayload() bool  { return b.hasPayload }
func (b baseMethod) Sync() bool        { return b.sync }

// NewMethod builds a generic Method value; the concrete methods in
// methods.go embed baseMethod and add their own typed fields, while the
// connection package's methods implement Method directly.
func NewMethod(code MethodCode, hasPayload, sync bool) Method {
	return baseMethod{code: code, hasPayload: hasPayload, sync: sync}
}
