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

// Package sasl implements the pluggable authentication exchange between
// connection.start-ok and connection.tune-ok. Mechanisms here are
// intentionally minimal: ANONYMOUS and PLAIN credential extraction only,
// deferring cryptographic mechanism details to a higher layer.
package sasl

import (
	"bytes"
	"errors"

	"github.com/domcleal/qpid/amqperr"
)

// Outcome is the terminal result of a SASL exchange.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeAuth
	OutcomeSys
)

// Mechanism authenticates one connection. Step is called once per
// start-ok/secure-ok round with the peer's response; it returns a
// challenge to send back (secure), or done=true when the exchange is
// finished.
type Mechanism interface {
	Name() string
	Step(response []byte) (challenge []byte, done bool, err error)
	// Principal is only meaningful after Step returns done=true with a nil error.
	Principal() string
}

// Server negotiates SASL for one connection, driven by the connection
// engine's AwaitStartOk/AwaitSecureOk states. It is created fresh per
// connection and never reused for a second round after failure.
type Server struct {
	allowed map[string]func() Mechanism
	mech    Mechanism
	failed  bool
	done    bool
}

// NewServer builds a Server offering the given mechanism factories. The
// broker's connection engine constructs one of these per connection with
// its configured mechanism set.
func NewServer(factories map[string]func() Mechanism) *Server {
	return &Server{allowed: factories}
}

// Mechanisms lists the offered mechanism names for connection.start, in
// map iteration order is not guaranteed so callers that need determinism
// should sort the result.
func (s *Server) Mechanisms() []string {
	names := make([]string, 0, len(s.allowed))
	for name := range s.allowed {
		names = append(names, name)
	}
	return names
}

// Start begins the exchange with the mechanism chosen by start-ok's
// "mech" field and the initial response. It returns a challenge to send
// via connection.secure, or done=true if authentication completed in one
// round (typical for ANONYMOUS).
func (s *Server) Start(mech string, response []byte) (challenge []byte, done bool, err error) {
	if s.failed {
		return nil, false, amqperr.Errorf(amqperr.ConnectionForced, "sasl already failed, no second round permitted")
	}
	factory, ok := s.allowed[mech]
	if !ok {
		s.failed = true
		return nil, false, amqperr.Errorf(amqperr.ConnectionForced, "mechanism %q not offered", mech)
	}
	s.mech = factory()
	return s.step(response)
}

// Secure continues the exchange with a secure-ok response.
func (s *Server) Secure(response []byte) (challenge []byte, done bool, err error) {
	if s.failed || s.mech == nil {
		return nil, false, amqperr.Errorf(amqperr.ConnectionForced, "sasl secure called out of sequence")
	}
	return s.step(response)
}

func (s *Server) step(response []byte) (challenge []byte, done bool, err error) {
	challenge, done, err = s.mech.Step(response)
	if err != nil {
		s.failed = true
		return nil, false, amqperr.Wrap(amqperr.ConnectionForced, err)
	}
	s.done = done
	return challenge, done, nil
}

// Principal returns the authenticated user name once the exchange
// completed successfully.
func (s *Server) Principal() string {
	if !s.done || s.mech == nil {
		return ""
	}
	return s.mech.Principal()
}

// anonymousMechanism authenticates any peer as "anonymous" in a single
// round, no credentials checked.
type anonymousMechanism struct{}

// NewAnonymous returns a factory for the ANONYMOUS mechanism.
func NewAnonymous() func() Mechanism {
	return func() Mechanism { return &anonymousMechanism{} }
}

func (*anonymousMechanism) Name() string { return "ANONYMOUS" }
func (*anonymousMechanism) Step(response []byte) ([]byte, bool, error) {
	return nil, true, nil
}
func (*anonymousMechanism) Principal() string { return "anonymous" }

// plainMechanism implements SASL PLAIN: a single response of the form
// "authzid\x00authcid\x00password" (RFC 4616, minus authzid support
// beyond ignoring it).
type plainMechanism struct {
	authenticate func(user, password string) error
	principal    string
}

// NewPlain returns a factory for the PLAIN mechanism, validating
// credentials with authenticate.
func NewPlain(authenticate func(user, password string) error) func() Mechanism {
	return func() Mechanism { return &plainMechanism{authenticate: authenticate} }
}

func (*plainMechanism) Name() string { return "PLAIN" }

func (m *plainMechanism) Step(response []byte) ([]byte, bool, error) {
	parts := bytes.SplitN(response, []byte{0}, 3)
	if len(parts) != 3 {
		return nil, false, errors.New("malformed PLAIN response")
	}
	user, password := string(parts[1]), string(parts[2])
	if m.authenticate != nil {
		if err := m.authenticate(user, password); err != nil {
			return nil, false, err
		}
	}
	m.principal = user
	return nil, true, nil
}

func (m *plainMechanism) Principal() string { return m.principal }
