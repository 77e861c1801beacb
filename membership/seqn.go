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

// SeqN is a totally ordered sequence identifier: a counter paired with the
// node that issued it. The order is lexicographic by counter, ties broken by
// the deterministic host order.
type SeqN struct {
	Counter uint32
	Node    Host
}

// Next returns the successor of s, issued by node.
func (s SeqN) Next(node Host) SeqN {
	return SeqN{Counter: s.Counter + 1, Node: node}
}

func (s SeqN) Less(o SeqN) bool {
	if s.Counter != o.Counter {
		return s.Counter < o.Counter
	}
	return s.Node.Less(o.Node)
}

func (s SeqN) Greater(o SeqN) bool {
	return o.Less(s)
}

func (s SeqN) String() string {
	return fmt.Sprintf("%d@%s", s.Counter, s.Node)
}
