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

package wireproto

import "testing"

func TestRangeSetCoalesce(t *testing.T) {
	var rs RangeSet
	rs.AddOne(1)
	rs.AddOne(2)
	rs.Add(4, 5)
	rs.AddOne(3)

	if got := rs.Ranges(); len(got) != 1 || got[0] != (Range{1, 5}) {
		t.Fatalf("expected single coalesced range [1,5], got %v", got)
	}
}

func TestRangeSetLowestOpenAbove(t *testing.T) {
	var rs RangeSet
	rs.Add(1, 3)
	rs.Add(5, 5)

	if got := rs.LowestOpenAbove(1); got != 4 {
		t.Fatalf("expected 4, got %d", got)
	}
	if got := rs.LowestOpenAbove(4); got != 4 {
		t.Fatalf("expected 4, got %d", got)
	}
	if got := rs.LowestOpenAbove(5); got != 6 {
		t.Fatalf("expected 6, got %d", got)
	}
}

func TestRangeSetRemove(t *testing.T) {
	var rs RangeSet
	rs.Add(1, 10)
	rs.Remove(3, 5)

	want := []Range{{1, 2}, {6, 10}}
	got := rs.Ranges()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRangeSetContains(t *testing.T) {
	var rs RangeSet
	rs.Add(2, 4)
	for _, id := range []uint32{2, 3, 4} {
		if !rs.Contains(id) {
			t.Fatalf("expected %d to be contained", id)
		}
	}
	for _, id := range []uint32{0, 1, 5, 100} {
		if rs.Contains(id) {
			t.Fatalf("expected %d to not be contained", id)
		}
	}
}
