// Copyright 2022 IBM Corp. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package membership

import "testing"

func TestParseHost(t *testing.T) {
	h, err := ParseHost("10.0.0.1:5000")
	if err != nil {
		t.Fatal(err)
	}
	if h.String() != "10.0.0.1:5000" {
		t.Errorf("unexpected host string: %s", h)
	}

	for _, bad := range []string{"", "10.0.0.1", "nonsense:5000", "10.0.0.1:70000", "::1:5000"} {
		if _, err := ParseHost(bad); err == nil {
			t.Errorf("expected error parsing %q", bad)
		}
	}
}

func TestParseMembership(t *testing.T) {
	hosts, err := ParseMembership("10.0.0.1:5000, 10.0.0.2:5000,10.0.0.3:5000,10.0.0.4:5000")
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 4 {
		t.Fatalf("expected 4 hosts, got %d", len(hosts))
	}
	// Input order must be preserved: it defines the initial view.
	if hosts[0].String() != "10.0.0.1:5000" || hosts[3].String() != "10.0.0.4:5000" {
		t.Errorf("membership order not preserved: %v", hosts)
	}
}

func TestHostOrder(t *testing.T) {
	a, _ := ParseHost("10.0.0.1:5000")
	b, _ := ParseHost("10.0.0.1:5001")
	c, _ := ParseHost("10.0.0.2:4000")

	if !a.Less(b) || !b.Less(c) || !a.Less(c) {
		t.Error("host order is not transitive over address then port")
	}
	if c.Less(a) || a.Less(a) {
		t.Error("host order is not strict")
	}
}

func TestSeqNOrder(t *testing.T) {
	a, _ := ParseHost("10.0.0.1:5000")
	b, _ := ParseHost("10.0.0.2:5000")

	low := SeqN{Counter: 1, Node: b}
	high := SeqN{Counter: 2, Node: a}
	if !low.Less(high) {
		t.Error("counter must dominate the order")
	}

	tieLow := SeqN{Counter: 2, Node: a}
	tieHigh := SeqN{Counter: 2, Node: b}
	if !tieLow.Less(tieHigh) {
		t.Error("node order must break counter ties")
	}
	if tieLow.Less(tieLow) || !tieHigh.Greater(tieLow) {
		t.Error("order predicates disagree")
	}
}

func TestSeqNNext(t *testing.T) {
	a, _ := ParseHost("10.0.0.1:5000")
	b, _ := ParseHost("10.0.0.2:5000")

	s := SeqN{Counter: 0, Node: a}
	n := s.Next(b)
	if n.Counter != 1 || n.Node != b {
		t.Errorf("unexpected successor: %v", n)
	}
	if !s.Less(n) {
		t.Error("successor must be greater")
	}
}

func TestViewLeaderRotation(t *testing.T) {
	hosts, _ := ParseMembership("10.0.0.1:5000,10.0.0.2:5000,10.0.0.3:5000,10.0.0.4:5000")
	v := NewView(hosts, 1)

	if v.Leader() != hosts[1] {
		t.Errorf("leader of view 1 should be member 1, got %s", v.Leader())
	}
	if !v.IsLeader(hosts[1]) || v.IsLeader(hosts[0]) {
		t.Error("IsLeader disagrees with Leader")
	}
	if !v.IsLeaderInView(hosts[3], 3) || !v.IsLeaderInView(hosts[0], 4) {
		t.Error("IsLeaderInView does not wrap around the member list")
	}

	v.IncrementViewNumber()
	if v.ViewNumber() != 2 || v.Leader() != hosts[2] {
		t.Error("incrementing the view number must advance the leader")
	}
}

func TestViewQuorums(t *testing.T) {
	hosts, _ := ParseMembership("10.0.0.1:5000,10.0.0.2:5000,10.0.0.3:5000,10.0.0.4:5000")
	v := NewView(hosts, 1)

	if v.Faults() != 1 {
		t.Errorf("expected f=1 for n=4, got %d", v.Faults())
	}
	if v.Quorum() != 3 || v.WeakQuorum() != 2 {
		t.Errorf("unexpected quorums: %d, %d", v.Quorum(), v.WeakQuorum())
	}
}

func TestViewMembersIsACopy(t *testing.T) {
	hosts, _ := ParseMembership("10.0.0.1:5000,10.0.0.2:5000,10.0.0.3:5000,10.0.0.4:5000")
	v := NewView(hosts, 1)

	m := v.Members()
	m[0], m[1] = m[1], m[0]
	if v.Leader() != hosts[1] {
		t.Error("mutating the returned member slice must not affect the view")
	}
}
