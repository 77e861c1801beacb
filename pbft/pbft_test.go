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

package pbft_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/consensus-labs/pbftcore/announcer"
	"github.com/consensus-labs/pbftcore/crypto"
	"github.com/consensus-labs/pbftcore/membership"
	"github.com/consensus-labs/pbftcore/opsmap"
	"github.com/consensus-labs/pbftcore/wire"
)

var _ = Describe("PBFT replication", func() {
	var (
		net   *testNetwork
		nodes []*testNode
	)

	BeforeEach(func() {
		net = newTestNetwork()
		nodes = nil
	})

	AfterEach(func() {
		stopCluster(nodes)
	})

	// A long leader timeout keeps the watchdog quiet in the scenarios that
	// are not about leader liveness.
	startDefault := func() {
		nodes = startCluster(net, 2*time.Second)
	}

	prepareSendsFrom := func(h membership.Host) func() int {
		return func() int {
			return len(net.sentMatching(func(r sentRecord) bool {
				return r.from == h && r.msg.ID() == wire.PrepareID
			}))
		}
	}

	It("installs the first view at initialization", func() {
		startDefault()
		for _, node := range nodes {
			var initial announcer.InitialNotification
			Eventually(node.initials, "2s").Should(Receive(&initial))
			Expect(initial.Self).To(Equal(node.host))

			var vc announcer.ViewChange
			Eventually(node.views, "2s").Should(Receive(&vc))
			Expect(vc.ViewNumber).To(Equal(uint32(1)))
			Expect(vc.Members).To(HaveLen(4))
		}
	})

	It("delivers exactly one committed notification per replica", func() {
		startDefault()
		nodes[0].protocol.Propose([]byte("x"), 1)

		for _, node := range nodes {
			var n announcer.CommittedNotification
			Eventually(node.committed, "5s").Should(Receive(&n))
			Expect(n.Block).To(Equal([]byte("x")))
			// The notification carries the local replica's signature over the
			// payload.
			Expect(crypto.CheckSig(crypto.Hash(n.Block), node.pubKey, n.Signature)).To(Succeed())
			Consistently(node.committed, "300ms").ShouldNot(Receive())
		}

		// Each replica broadcast its commit exactly once (one send per peer).
		for _, node := range nodes {
			commits := net.sentMatching(func(r sentRecord) bool {
				return r.from == node.host && r.msg.ID() == wire.CommitID
			})
			Expect(commits).To(HaveLen(3))
		}
	})

	It("drops a duplicate request at the leader", func() {
		startDefault()
		nodes[0].protocol.Propose([]byte("x"), 1)
		nodes[0].protocol.Propose([]byte("x"), 1)

		for _, node := range nodes {
			Eventually(node.committed, "5s").Should(Receive())
			Consistently(node.committed, "500ms").ShouldNot(Receive())
		}

		// The duplicate never produced a second proposal.
		preprepares := net.sentMatching(func(r sentRecord) bool {
			return r.msg.ID() == wire.PrePrepareID
		})
		Expect(preprepares).To(HaveLen(3))
	})

	It("ignores proposals at a non-leader", func() {
		startDefault()
		nodes[1].protocol.Propose([]byte("y"), 1)

		Consistently(func() int {
			return len(net.sentMatching(func(r sentRecord) bool {
				return r.msg.ID() == wire.PrePrepareID
			}))
		}, "500ms").Should(BeZero())

		for _, node := range nodes {
			Consistently(node.committed, "200ms").ShouldNot(Receive())
		}
	})

	It("commits with one replica missing its prepares", func() {
		startDefault()
		d := nodes[3]
		net.setDrop(func(msg wire.Message, from, to membership.Host) bool {
			return msg.ID() == wire.PrepareID && to == d.host
		})

		nodes[0].protocol.Propose([]byte("x"), 1)

		for _, node := range nodes[:3] {
			Eventually(node.committed, "5s").Should(Receive())
		}
		Consistently(d.committed, "500ms").ShouldNot(Receive())
	})

	It("rejects a forged pre-prepare signature", func() {
		startDefault()
		a, b := nodes[0], nodes[1]

		forged := &wire.PrePrepare{
			BatchKey: wire.BatchKey{
				OpsHash: opsmap.NewOpsMapKey(1, []byte("forged")).Hash(),
				SeqN:    membership.SeqN{Counter: 1, Node: a.host},
				View:    1,
			},
			Operation:  []byte("forged"),
			SenderName: a.name,
			Signature:  []byte("random bytes, not a signature"),
		}
		b.protocol.Deliver(forged, a.host)

		// No slot is opened: no prepare goes out and nothing commits.
		Consistently(prepareSendsFrom(b.host), "500ms").Should(BeZero())
		Consistently(b.committed, "200ms").ShouldNot(Receive())
	})

	It("suspects a silent leader", func() {
		nodes = startCluster(net, 400*time.Millisecond)
		net.setDrop(func(msg wire.Message, from, to membership.Host) bool {
			return from == nodes[0].host || to == nodes[0].host
		})

		for _, node := range nodes[1:] {
			Eventually(node.suspects, "3s").Should(Receive())
			// The watchdog keeps firing while the leader stays silent.
			Eventually(node.suspects, "3s").Should(Receive())
		}
		Consistently(nodes[0].suspects, "500ms").ShouldNot(Receive())
	})

	It("accepts at most one of two equivocating pre-prepares", func() {
		startDefault()
		a, b := nodes[0], nodes[1]

		equivocation := func(payload string) *wire.PrePrepare {
			m := &wire.PrePrepare{
				BatchKey: wire.BatchKey{
					OpsHash: opsmap.NewOpsMapKey(1, []byte(payload)).Hash(),
					SeqN:    membership.SeqN{Counter: 1, Node: a.host},
					View:    1,
				},
				Operation:  []byte(payload),
				SenderName: a.name,
			}
			Expect(m.Sign(a.privKey)).To(Succeed())
			return m
		}

		b.protocol.Deliver(equivocation("first"), a.host)
		b.protocol.Deliver(equivocation("second"), a.host)

		// One accepted proposal means exactly one prepare broadcast.
		Eventually(prepareSendsFrom(b.host), "2s").Should(Equal(3))
		Consistently(prepareSendsFrom(b.host), "500ms").Should(Equal(3))
	})

	It("stamps strictly increasing sequence numbers at the leader", func() {
		startDefault()
		nodes[0].protocol.Propose([]byte("one"), 1)
		nodes[0].protocol.Propose([]byte("two"), 2)

		preprepares := func() []sentRecord {
			return net.sentMatching(func(r sentRecord) bool {
				return r.from == nodes[0].host && r.msg.ID() == wire.PrePrepareID
			})
		}
		Eventually(func() int { return len(preprepares()) }, "2s").Should(Equal(6))

		counters := make([]uint32, 0, 6)
		for _, r := range preprepares() {
			counters = append(counters, r.msg.Key().SeqN.Counter)
		}
		// Two broadcasts of three sends each, in proposal order.
		Expect(counters).To(Equal([]uint32{1, 1, 1, 2, 2, 2}))

		// Both slots are delivered everywhere with the same payloads.
		for _, node := range nodes {
			blocks := map[string]bool{}
			for i := 0; i < 2; i++ {
				var n announcer.CommittedNotification
				Eventually(node.committed, "5s").Should(Receive(&n))
				blocks[string(n.Block)] = true
			}
			Expect(blocks).To(HaveKey("one"))
			Expect(blocks).To(HaveKey("two"))
		}
	})
})
