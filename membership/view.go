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

import "fmt"

// View is an epoch of the protocol: an ordered list of members and a view
// number. The leader of view v is members[v mod len(members)]. The member
// list order is fixed at construction; every replica must use the same order.
type View struct {
	members    []Host
	viewNumber uint32
}

func NewView(members []Host, viewNumber uint32) *View {
	m := make([]Host, len(members))
	copy(m, members)
	return &View{members: m, viewNumber: viewNumber}
}

// Members returns a copy of the member list, so the caller cannot change the
// ordering.
func (v *View) Members() []Host {
	m := make([]Host, len(v.members))
	copy(m, v.members)
	return m
}

func (v *View) Leader() Host {
	return v.members[int(v.viewNumber)%len(v.members)]
}

func (v *View) IsLeader(h Host) bool {
	return v.Leader() == h
}

// IsLeaderInView reports whether h would lead view number n under the current
// member list.
func (v *View) IsLeaderInView(h Host, n uint32) bool {
	return v.members[int(n)%len(v.members)] == h
}

func (v *View) ViewNumber() uint32 {
	return v.viewNumber
}

func (v *View) IncrementViewNumber() {
	v.viewNumber++
}

func (v *View) SetViewNumber(n uint32) {
	v.viewNumber = n
}

func (v *View) IsMember(h Host) bool {
	for _, m := range v.members {
		if m == h {
			return true
		}
	}
	return false
}

// AddMember appends a host to the member list. Supported for view
// installation; not used after initialization in the steady state.
func (v *View) AddMember(h Host) {
	v.members = append(v.members, h)
}

func (v *View) Size() int {
	return len(v.members)
}

// Faults returns the maximum number of Byzantine members tolerated.
func (v *View) Faults() int {
	return (len(v.members) - 1) / 3
}

// Quorum is the prepare-phase threshold, 2f+1.
func (v *View) Quorum() int {
	return 2*v.Faults() + 1
}

// WeakQuorum is the commit-phase threshold, f+1.
func (v *View) WeakQuorum() int {
	return v.Faults() + 1
}

func (v *View) String() string {
	return fmt.Sprintf("View{members=%v, viewNumber=%d}", v.members, v.viewNumber)
}
