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

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Host identifies a replica by its IPv4 address and port. The zero value is
// not a valid host. Host is comparable and can be used as a map key; the
// ordering defined by Less is the same on every replica and determines the
// initial leader.
type Host struct {
	Addr [4]byte
	Port uint16
}

// ParseHost parses a "ip:port" string into a Host.
func ParseHost(s string) (Host, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return Host{}, errors.Errorf("malformed host %q: missing port separator", s)
	}
	ip := net.ParseIP(s[:idx])
	if ip == nil {
		return Host{}, errors.Errorf("malformed host %q: invalid address", s)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return Host{}, errors.Errorf("malformed host %q: not an IPv4 address", s)
	}
	port, err := strconv.ParseUint(s[idx+1:], 10, 16)
	if err != nil {
		return Host{}, errors.WithMessagef(err, "malformed host %q", s)
	}

	var h Host
	copy(h.Addr[:], ip4)
	h.Port = uint16(port)
	return h, nil
}

// ParseMembership parses a comma-separated "ip:port,ip:port,..." list.
// The order of the result is the order of the input.
func ParseMembership(s string) ([]Host, error) {
	parts := strings.Split(s, ",")
	hosts := make([]Host, 0, len(parts))
	for _, p := range parts {
		h, err := ParseHost(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

func (h Host) IP() net.IP {
	return net.IPv4(h.Addr[0], h.Addr[1], h.Addr[2], h.Addr[3])
}

func (h Host) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", h.Addr[0], h.Addr[1], h.Addr[2], h.Addr[3], h.Port)
}

// Less defines the deterministic total order over hosts: lexicographic by
// address bytes, then by port.
func (h Host) Less(o Host) bool {
	if c := bytes.Compare(h.Addr[:], o.Addr[:]); c != 0 {
		return c < 0
	}
	return h.Port < o.Port
}
