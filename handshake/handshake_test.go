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

package handshake

import (
	"testing"

	"github.com/domcleal/qpid/amqperr"
)

func header(b string) [HeaderLen]byte {
	var h [HeaderLen]byte
	copy(h[:], b)
	return h
}

func TestCheckMagicMismatch(t *testing.T) {
	res := Check(DefaultSupported, header("PQMA\x00\x00\x00\x00"))
	if res.Matched {
		t.Fatal("expected mismatch")
	}
	var e *amqperr.Error
	if !castErr(res.Err, &e) || e.Condition != amqperr.HeaderMismatch {
		t.Fatalf("expected HeaderMismatch, got %v", res.Err)
	}
	if res.Reply != DefaultSupported.Preferred() {
		t.Fatalf("expected broker's preferred header in reply, got %v", res.Reply)
	}
}

func TestCheckValidHeaderMatches(t *testing.T) {
	pref := DefaultSupported.Preferred()
	raw := pref.Bytes()
	res := Check(DefaultSupported, raw)
	if !res.Matched || res.Err != nil {
		t.Fatalf("expected match, got %+v", res)
	}
	if res.Reply != pref {
		t.Fatalf("expected echoed header, got %v", res.Reply)
	}
}

func TestCheckFieldMismatches(t *testing.T) {
	pref := DefaultSupported.Preferred()
	cases := []struct {
		name string
		h    Header
		cond amqperr.Condition
	}{
		{"class", Header{Class: pref.Class + 1, Instance: pref.Instance, Major: pref.Major, Minor: pref.Minor}, amqperr.ProtocolClass},
		{"instance", Header{Class: pref.Class, Instance: pref.Instance + 1, Major: pref.Major, Minor: pref.Minor}, amqperr.ProtocolInstance},
		{"major", Header{Class: pref.Class, Instance: pref.Instance, Major: pref.Major + 1, Minor: pref.Minor}, amqperr.ProtocolMajor},
		{"minor", Header{Class: pref.Class, Instance: pref.Instance, Major: pref.Major, Minor: pref.Minor + 1}, amqperr.ProtocolMinor},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res := Check(DefaultSupported, c.h.Bytes())
			if res.Matched {
				t.Fatal("expected mismatch")
			}
			var e *amqperr.Error
			if !castErr(res.Err, &e) || e.Condition != c.cond {
				t.Fatalf("expected %v, got %v", c.cond, res.Err)
			}
			if res.Reply != pref {
				t.Fatalf("expected broker's preferred header in reply, got %v", res.Reply)
			}
		})
	}
}

func castErr(err error, target **amqperr.Error) bool {
	e, ok := err.(*amqperr.Error)
	if ok {
		*target = e
	}
	return ok
}
