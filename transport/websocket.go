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

package transport

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/domcleal/qpid/handshake"
	"github.com/domcleal/qpid/wireproto"
)

// WebSocketTransport carries the AMQP frame stream as binary WebSocket
// messages, one message per AMQP frame or protocol header; it does not
// negotiate a WebSocket subprotocol. It uses gorilla/websocket as a raw
// binary-message carrier rather than a request/response API. gorilla's
// Conn supports only one concurrent writer, so wMu serializes writes the
// same way channel.Mux's per-channel locking allows them to arrive
// concurrently from the caller's side.
type WebSocketTransport struct {
	conn  *websocket.Conn
	codec MessageCodec
	wMu   sync.Mutex
}

// MessageCodec encodes/decodes a single frame or header to/from one
// WebSocket message payload, distinct from the stream Codec since a
// WebSocket message boundary already delimits frames for us.
type MessageCodec interface {
	DecodeHeader(payload []byte) ([handshake.HeaderLen]byte, error)
	EncodeHeader(h handshake.Header) ([]byte, error)
	DecodeFrame(payload []byte) (wireproto.Frame, error)
	EncodeFrame(f wireproto.Frame) ([]byte, error)
}

// NewWebSocketTransport wraps an established WebSocket connection.
func NewWebSocketTransport(conn *websocket.Conn, codec MessageCodec) *WebSocketTransport {
	return &WebSocketTransport{conn: conn, codec: codec}
}

func (t *WebSocketTransport) ReadHeader() ([handshake.HeaderLen]byte, error) {
	_, payload, err := t.conn.ReadMessage()
	if err != nil {
		return [handshake.HeaderLen]byte{}, err
	}
	return t.codec.DecodeHeader(payload)
}

func (t *WebSocketTransport) WriteHeader(h handshake.Header) error {
	payload, err := t.codec.EncodeHeader(h)
	if err != nil {
		return err
	}
	t.wMu.Lock()
	defer t.wMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (t *WebSocketTransport) ReadFrame() (wireproto.Frame, error) {
	_, payload, err := t.conn.ReadMessage()
	if err != nil {
		return wireproto.Frame{}, err
	}
	return t.codec.DecodeFrame(payload)
}

func (t *WebSocketTransport) WriteFrame(f wireproto.Frame) error {
	payload, err := t.codec.EncodeFrame(f)
	if err != nil {
		return err
	}
	t.wMu.Lock()
	defer t.wMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (t *WebSocketTransport) Close() error {
	t.wMu.Lock()
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.wMu.Unlock()
	return t.conn.Close()
}
