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

// Package handshake implements the AMQP protocol-initiation exchange. It
// is deliberately codec-level and stateless — it only looks at the first 8
// bytes of a fresh transport and either confirms a version match or
// reports which field of the header was wrong, enumerating a distinct
// mismatch per field (class, instance, major, minor) rather than a single
// generic "bad header" error.
package handshake

import (
	"fmt"

	"github.com/domcleal/qpid/amqperr"
)

// HeaderLen is the fixed size of the protocol-initiation header.
const HeaderLen = 8

// Header is the decoded 8-byte handshake: {'A','M','Q','P', class,
// instance, major, minor}.
type Header struct {
	Class    byte
	Instance byte
	Major    byte
	Minor    byte
}

func (h Header) Bytes() [HeaderLen]byte {
	return [HeaderLen]byte{'A', 'M', 'Q', 'P', h.Class, h.Instance, h.Major, h.Minor}
}

func (h Header) String() string {
	return fmt.Sprintf("AMQP.%d.%d.%d.%d", h.Class, h.Instance, h.Major, h.Minor)
}

// Supported is the set of versions this broker accepts, in preference
// order. Preferred() is Supported[0], the header the broker echoes back on
// any mismatch.
type Supported []Header

func (s Supported) Preferred() Header {
	if len(s) == 0 {
		return Header{0, 10, 1, 0}
	}
	return s[0]
}

func (s Supported) matches(h Header) bool {
	for _, cand := range s {
		if cand == h {
			return true
		}
	}
	return false
}

// DefaultSupported is the broker's advertised version set: AMQP 0-10,
// class 0 instance 10. Kept as a single configuration value owned by the
// caller (connection.Engine) rather than a package-level global list.
var DefaultSupported = Supported{{Class: 0, Instance: 10, Major: 0, Minor: 10}}

// Result is the outcome of checking a peer's header against Supported.
type Result struct {
	// Matched is true if the peer's header exactly matches a supported version.
	Matched bool
	// Reply is the header to send back: on match, the peer's own header
	// (echoed, confirming agreement); on mismatch, the broker's Preferred().
	Reply Header
	// Err is non-nil on mismatch, typed per the specific field that failed.
	Err error
}

// Check validates raw against magic and Supported. It never returns an
// error for malformed input shorter than HeaderLen; callers must buffer
// until they have HeaderLen bytes before calling Check.
func Check(supported Supported, raw [HeaderLen]byte) Result {
	if raw[0] != 'A' || raw[1] != 'M' || raw[2] != 'Q' || raw[3] != 'P' {
		return Result{
			Reply: supported.Preferred(),
			Err:   amqperr.Errorf(amqperr.HeaderMismatch, "bad magic %q", raw[:4]),
		}
	}
	h := Header{Class: raw[4], Instance: raw[5], Major: raw[6], Minor: raw[7]}
	if supported.matches(h) {
		return Result{Matched: true, Reply: h}
	}

	// Report the first field that differs from the preferred version, in
	// class/instance/major/minor order, as four distinct mismatch
	// conditions rather than one generic error.
	pref := supported.Preferred()
	switch {
	case h.Class != pref.Class:
		return Result{Reply: pref, Err: amqperr.Errorf(amqperr.ProtocolClass, "unsupported protocol class %d", h.Class)}
	case h.Instance != pref.Instance:
		return Result{Reply: pref, Err: amqperr.Errorf(amqperr.ProtocolInstance, "unsupported protocol instance %d", h.Instance)}
	case h.Major != pref.Major:
		return Result{Reply: pref, Err: amqperr.Errorf(amqperr.ProtocolMajor, "unsupported protocol major %d", h.Major)}
	default:
		return Result{Reply: pref, Err: amqperr.Errorf(amqperr.ProtocolMinor, "unsupported protocol minor %d", h.Minor)}
	}
}
