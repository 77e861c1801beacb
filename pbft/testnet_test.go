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
	"fmt"
	"sync"
	"time"

	"github.com/consensus-labs/pbftcore/announcer"
	"github.com/consensus-labs/pbftcore/crypto"
	"github.com/consensus-labs/pbftcore/membership"
	"github.com/consensus-labs/pbftcore/opsmap"
	"github.com/consensus-labs/pbftcore/pbft"
	"github.com/consensus-labs/pbftcore/wire"
)

// The scenarios run over an in-process network: Send encodes the message,
// decodes it on the other side (exercising the codec like the real transport
// does) and hands it to the destination engine. A drop filter simulates
// partitions and selective message loss, and every send is recorded for the
// quorum and monotonicity assertions.

type sentRecord struct {
	msg  wire.Message
	from membership.Host
	to   membership.Host
}

type testNetwork struct {
	mu    sync.Mutex
	nodes map[membership.Host]*pbft.Protocol
	drop  func(msg wire.Message, from, to membership.Host) bool
	sent  []sentRecord
}

func newTestNetwork() *testNetwork {
	return &testNetwork{nodes: make(map[membership.Host]*pbft.Protocol)}
}

func (n *testNetwork) setDrop(drop func(msg wire.Message, from, to membership.Host) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = drop
}

func (n *testNetwork) sentMatching(filter func(r sentRecord) bool) []sentRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentRecord
	for _, r := range n.sent {
		if filter(r) {
			out = append(out, r)
		}
	}
	return out
}

type nodeTransport struct {
	net  *testNetwork
	self membership.Host
}

func (t *nodeTransport) Send(msg wire.Message, dest membership.Host) {
	n := t.net
	n.mu.Lock()
	n.sent = append(n.sent, sentRecord{msg: msg, from: t.self, to: dest})
	dropped := n.drop != nil && n.drop(msg, t.self, dest)
	node := n.nodes[dest]
	n.mu.Unlock()

	if dropped || node == nil {
		return
	}
	decoded, err := wire.Decode(msg.Encode())
	if err != nil {
		panic(fmt.Sprintf("test network cannot decode sent message: %v", err))
	}
	node.Deliver(decoded, t.self)
}

func (t *nodeTransport) Connect(dest membership.Host) {}

type testNode struct {
	host    membership.Host
	name    string
	privKey interface{}
	pubKey  interface{}

	protocol *pbft.Protocol
	ops      *opsmap.OpsMap

	initials  <-chan announcer.InitialNotification
	views     <-chan announcer.ViewChange
	committed <-chan announcer.CommittedNotification
	suspects  <-chan announcer.SuspectedLeader
}

// startCluster brings up a four-replica group (f=1) over the test network.
// Member 0 is the initial leader.
func startCluster(net *testNetwork, leaderTimeout time.Duration) []*testNode {
	const n = 4

	hosts := make([]membership.Host, n)
	for i := range hosts {
		h, err := membership.ParseHost(fmt.Sprintf("10.0.0.%d:5000", i+1))
		if err != nil {
			panic(err)
		}
		hosts[i] = h
	}

	keys := make(map[string]interface{}, n)
	nodes := make([]*testNode, n)
	for i := range nodes {
		sk, pk, err := crypto.GenerateKeyPair()
		if err != nil {
			panic(err)
		}
		nodes[i] = &testNode{
			host:    hosts[i],
			name:    fmt.Sprintf("node%d", i),
			privKey: sk,
			pubKey:  pk,
		}
		keys[nodes[i].name] = pk
	}
	truststore := crypto.NewTruststore(keys)

	for _, node := range nodes {
		ops, err := opsmap.Open("")
		if err != nil {
			panic(err)
		}
		node.ops = ops

		an := announcer.New()
		node.initials = an.InitialNotifications()
		node.views = an.ViewChanges()
		node.committed = an.CommittedNotifications()
		node.suspects = an.LeaderSuspicions()

		p, err := pbft.New(pbft.Params{
			Self:          node.host,
			Members:       hosts,
			CryptoName:    node.name,
			PrivKey:       node.privKey,
			Truststore:    truststore,
			ReconnectTime: 50 * time.Millisecond,
			LeaderTimeout: leaderTimeout,
			ChannelID:     5000,
		}, ops, &nodeTransport{net: net, self: node.host}, an)
		if err != nil {
			panic(err)
		}
		node.protocol = p

		net.mu.Lock()
		net.nodes[node.host] = p
		net.mu.Unlock()
	}

	for _, node := range nodes {
		node.protocol.Start()
	}
	return nodes
}

func stopCluster(nodes []*testNode) {
	for _, node := range nodes {
		node.protocol.Stop()
		node.ops.Close()
	}
}
