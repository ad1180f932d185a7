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

package flowctl

import (
	"testing"
	"time"
)

func TestInitialCreditCapped(t *testing.T) {
	var got int
	New(Config{Rate: 1000, OnFlow: func(c int) { got = c }})
	if got != 300 {
		t.Fatalf("expected initial credit capped at 300, got %d", got)
	}
}

func TestInitialCreditBelowCap(t *testing.T) {
	var got int
	New(Config{Rate: 10, OnFlow: func(c int) { got = c }})
	if got != 10 {
		t.Fatalf("expected initial credit 10, got %d", got)
	}
}

func TestAdmitStopsWhenWindowExhausted(t *testing.T) {
	stopped := false
	c := New(Config{Rate: 2, OnFlow: func(int) {}, OnStop: func() { stopped = true }})
	fake := time.Now()
	c.now = func() time.Time { return fake }

	for i := 0; i < 2; i++ {
		if d := c.Admit(); d.Stop {
			t.Fatalf("unexpected stop on message %d", i)
		}
	}
	if d := c.Admit(); !d.Stop {
		t.Fatal("expected stop once window exhausted")
	}
	if !stopped {
		t.Fatal("expected OnStop to fire")
	}
}

func TestAdmitReplenishesOverTime(t *testing.T) {
	c := New(Config{Rate: 10, OnFlow: func(int) {}})
	fake := time.Now()
	c.now = func() time.Time { return fake }

	for i := 0; i < 10; i++ {
		c.Admit()
	}
	if d := c.Admit(); !d.Stop {
		t.Fatal("expected window exhausted")
	}

	fake = fake.Add(time.Second)
	if d := c.Admit(); d.Stop {
		t.Fatal("expected replenished window after 1s at rate 10")
	}
}

func TestRateZeroNeverStops(t *testing.T) {
	c := New(Config{Rate: 0})
	for i := 0; i < 10000; i++ {
		if d := c.Admit(); d.Stop {
			t.Fatal("rate 0 must never stop")
		}
	}
}

func TestStopExhaustsWindowImmediately(t *testing.T) {
	c := New(Config{Rate: 5, OnFlow: func(int) {}})
	fake := time.Now()
	c.now = func() time.Time { return fake }

	c.Stop()
	if d := c.Admit(); !d.Stop {
		t.Fatal("expected Stop to zero the window immediately")
	}
}

func TestGrantAddsCreditAfterStop(t *testing.T) {
	c := New(Config{Rate: 5, OnFlow: func(int) {}})
	fake := time.Now()
	c.now = func() time.Time { return fake }

	c.Stop()
	c.Grant(3)
	for i := 0; i < 3; i++ {
		if d := c.Admit(); d.Stop {
			t.Fatalf("unexpected stop on granted message %d", i)
		}
	}
	if d := c.Admit(); !d.Stop {
		t.Fatal("expected window exhausted after consuming granted credit")
	}
}

func TestSetModeRecordsCreditMode(t *testing.T) {
	c := New(Config{Rate: 5, OnFlow: func(int) {}})
	c.SetMode(true)
	if !c.creditMode {
		t.Fatal("expected creditMode true after SetMode(true)")
	}
	c.SetMode(false)
	if c.creditMode {
		t.Fatal("expected creditMode false after SetMode(false)")
	}
}
