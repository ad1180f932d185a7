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

// Package transport adapts byte-stream carriers to connection.Transport.
// The frame codec itself is a separate concern; Codec is the seam a real
// bit-level encoder/decoder plugs into so both a plain TCP socket and a
// WebSocket carry the same frame stream.
package transport

import (
	"bufio"
	"net"
	"sync"

	"github.com/domcleal/qpid/handshake"
	"github.com/domcleal/qpid/wireproto"
)

// Codec encodes/decodes wireproto.Frame and handshake.Header values against
// a byte stream. Bit-level encoding is declared here as the extension
// point rather than implemented, so a real codec can be swapped in.
type Codec interface {
	ReadHeader(r *bufio.Reader) ([handshake.HeaderLen]byte, error)
	WriteHeader(w *bufio.Writer, h handshake.Header) error
	ReadFrame(r *bufio.Reader) (wireproto.Frame, error)
	WriteFrame(w *bufio.Writer, f wireproto.Frame) error
}

// StreamTransport implements connection.Transport over any net.Conn (plain
// TCP or TLS), buffering reads/writes the way a byte-oriented protocol
// engine typically does. wMu serializes writes at the byte level: callers
// above (channel.Mux) may legitimately call WriteFrame concurrently from
// different channels, and bufio.Writer itself is not safe for concurrent
// use.
type StreamTransport struct {
	conn  net.Conn
	codec Codec
	r     *bufio.Reader
	w     *bufio.Writer
	wMu   sync.Mutex
}

// NewStreamTransport wraps conn with codec.
func NewStreamTransport(conn net.Conn, codec Codec) *StreamTransport {
	return &StreamTransport{
		conn:  conn,
		codec: codec,
		r:     bufio.NewReader(conn),
		w:     bufio.NewWriter(conn),
	}
}

func (t *StreamTransport) ReadHeader() ([handshake.HeaderLen]byte, error) {
	return t.codec.ReadHeader(t.r)
}

func (t *StreamTransport) WriteHeader(h handshake.Header) error {
	t.wMu.Lock()
	defer t.wMu.Unlock()
	if err := t.codec.WriteHeader(t.w, h); err != nil {
		return err
	}
	return t.w.Flush()
}

func (t *StreamTransport) ReadFrame() (wireproto.Frame, error) {
	return t.codec.ReadFrame(t.r)
}

func (t *StreamTransport) WriteFrame(f wireproto.Frame) error {
	t.wMu.Lock()
	defer t.wMu.Unlock()
	if err := t.codec.WriteFrame(t.w, f); err != nil {
		return err
	}
	return t.w.Flush()
}

func (t *StreamTransport) Close() error { return t.conn.Close() }
