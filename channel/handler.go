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
	"sync"

	"github.com/domcleal/qpid/amqperr"
	"github.com/domcleal/qpid/session"
	"github.com/domcleal/qpid/sink"
	"github.com/domcleal/qpid/wireproto"
)

// Handler is the per-channel lifecycle wrapper around a session.State,
// responsible for attach/detach/resume/suspend/close and for assembling
// inbound framesets before handing completed commands to State.
type Handler struct {
	mux       *Mux
	channelID uint16

	mu        sync.Mutex
	ssn       *session.State
	ignoring  bool // true after a close/detach until the peer acks
	assembler *assembler
}

// NewHandler creates an unbound Handler; Mux.Bind assigns its channel.
func NewHandler(ssn *session.State) *Handler {
	return &Handler{ssn: ssn, assembler: newAssembler()}
}

// Session returns the underlying session state.
func (h *Handler) Session() *session.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ssn
}

// Ignoring reports whether this handler is discarding frames pending a
// close/detach acknowledgement: frames received after sending channel.close
// are ignored until channel.close-ok arrives.
func (h *Handler) Ignoring() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ignoring
}

// SetIgnoring toggles the ignoring flag.
func (h *Handler) SetIgnoring(v bool) {
	h.mu.Lock()
	h.ignoring = v
	h.mu.Unlock()
}

// handle processes one inbound frame already routed to this channel by
// Mux.Dispatch.
func (h *Handler) handle(f wireproto.Frame) error {
	if h.Ignoring() {
		return nil
	}
	if h.Session() == nil {
		if mm, ok := f.Method.(wireproto.SessionAttachMethod); f.Type == wireproto.FrameMethod && ok {
			return h.attach(mm)
		}
		return amqperr.Errorf(amqperr.ChannelError, "channel %d has no session attached", h.channelID)
	}

	switch f.Type {
	case wireproto.FrameMethod:
		return h.handleMethod(f)
	case wireproto.FrameHeader, wireproto.FrameContent:
		return h.handleAssembly(f)
	case wireproto.FrameHeartbeat:
		return nil
	default:
		return amqperr.Errorf(amqperr.FramingError, "unknown frame type on channel %d", h.channelID)
	}
}

func (h *Handler) handleMethod(f wireproto.Frame) error {
	m := f.Method
	if m == nil {
		return amqperr.Errorf(amqperr.FramingError, "method frame with no method on channel %d", h.channelID)
	}

	switch mm := m.(type) {
	case wireproto.SessionAttachMethod:
		return h.attach(mm)
	case wireproto.SessionDetachMethod:
		return h.detach(mm)
	case wireproto.SessionCommandPointMethod:
		// Sets the peer's expected-next-id watermark; the session tracks its
		// own command point independently on the sender side, so this is
		// informational only.
		return nil
	case wireproto.SessionCompletedMethod:
		h.ssn.SenderCompleted(mm.Ranges)
		return nil
	case wireproto.SessionFlushMethod:
		h.ssn.Flush()
		return nil
	case wireproto.SessionRequestTimeoutMethod:
		// The granted idle timeout is always 0, whatever was requested.
		return h.mux.WriteFrameset([]wireproto.Frame{{
			Channel: h.channelID,
			Flags:   wireproto.BOF | wireproto.EOF,
			Type:    wireproto.FrameMethod,
			Method:  wireproto.NewSessionTimeout(),
		}})
	case wireproto.MessageTransferMethod:
		h.assembler.begin(mm, h.ssn.NextReceiverCommandID())
		return nil
	default:
		return h.dispatchCommand(m, h.ssn.NextReceiverCommandID())
	}
}

// dispatchCommand runs a fully-received (non-message) command through the
// session's command-numbering algorithm.
func (h *Handler) dispatchCommand(m wireproto.Method, id uint32) error {
	h.ssn.HandleCommand(m, id)
	return nil
}

func (h *Handler) handleAssembly(f wireproto.Frame) error {
	msg, complete := h.assembler.feed(f)
	if !complete {
		return nil
	}
	return h.ssn.AdmitMessage(msg.CommandID, msg)
}

// attach creates or re-binds this channel's session by name: session.attach
// is idempotent, so re-sending it for a name already known to the Mux just
// re-marks that (possibly differently-channelled) session attached rather
// than erroring or creating a duplicate.
func (h *Handler) attach(m wireproto.SessionAttachMethod) error {
	_, err := h.mux.attach(h.channelID, m)
	return err
}

func (h *Handler) detach(m wireproto.SessionDetachMethod) error {
	h.SetIgnoring(true)
	h.ssn.Detach()
	h.mux.forgetChannel(m.Name)
	h.mux.Unbind(h.channelID)
	return nil
}

// assembler reconstructs a content message out of a message.transfer method
// frame, one header frame and N content frames. It is deliberately minimal:
// framing/segmentation bit decoding is a codec concern, so assembler only
// tracks BOF/EOF/BOS/EOS bookkeeping and buffers already-decoded bytes.
// Command numbering is not its business: the caller assigns the id (from
// session.State, so it survives a resume onto a fresh Handler/assembler)
// and hands it to begin.
type assembler struct {
	mu       sync.Mutex
	active   *wireproto.MessageTransferMethod
	activeID uint32
	body     []byte
	seenBOS  bool
}

func newAssembler() *assembler { return &assembler{} }

func (a *assembler) begin(m wireproto.MessageTransferMethod, id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = &m
	a.activeID = id
	a.body = nil
	a.seenBOS = false
}

// feed appends a header/content frame to the in-progress message and
// reports completion once EOS is seen.
func (a *assembler) feed(f wireproto.Frame) (sink.Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return sink.Message{}, false
	}
	if f.Flags.Has(wireproto.BOS) {
		a.seenBOS = true
		a.body = nil
	}
	a.body = append(a.body, f.Payload...)
	if !f.Flags.Has(wireproto.EOS) {
		return sink.Message{}, false
	}
	msg := sink.Message{
		CommandID:      a.activeID,
		Destination:    a.active.Destination,
		RequiresAccept: a.active.RequiresAccept,
		Sync:           a.active.Sync(),
		Body:           a.body,
	}
	a.active = nil
	a.body = nil
	return msg, true
}
