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

package main

import (
	"bufio"
	"errors"

	"github.com/domcleal/qpid/handshake"
	"github.com/domcleal/qpid/wireproto"
)

// unimplementedCodec satisfies transport.Codec without performing any
// actual bit-level frame encoding. A deployment links in a real codec
// (AMQP 0-10 XML-generated or hand-written) in place of this one; brokerd
// exists here to prove the engine wires up end to end.
type unimplementedCodec struct{}

var errCodecUnimplemented = errors.New("wire codec not linked into this build")

func (unimplementedCodec) ReadHeader(r *bufio.Reader) ([handshake.HeaderLen]byte, error) {
	return [handshake.HeaderLen]byte{}, errCodecUnimplemented
}

func (unimplementedCodec) WriteHeader(w *bufio.Writer, h handshake.Header) error {
	return errCodecUnimplemented
}

func (unimplementedCodec) ReadFrame(r *bufio.Reader) (wireproto.Frame, error) {
	return wireproto.Frame{}, errCodecUnimplemented
}

func (unimplementedCodec) WriteFrame(w *bufio.Writer, f wireproto.Frame) error {
	return errCodecUnimplemented
}
