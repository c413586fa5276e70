// Copyright 2025 Probemesh Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package probe defines the probe descriptor, its validation boundary and the
// binary wire format used to ship probes to measurement agents.
package probe

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"

	"github.com/probemesh/gateway/pkg/private/serrors"
)

// ErrMalformed indicates a probe that failed validation or a wire record that
// cannot be decoded.
var ErrMalformed = serrors.New("malformed probe")

// Protocol is the closed set of probing protocols an agent can emit.
type Protocol uint8

// Valid protocol tags. Tag 0 is deliberately unused so that a zeroed buffer
// never decodes as a valid probe.
const (
	ProtoTCP Protocol = iota + 1
	ProtoUDP
	ProtoICMP
	ProtoICMPv6
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMP:
		return "icmp"
	case ProtoICMPv6:
		return "icmpv6"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

func (p Protocol) valid() bool {
	return p >= ProtoTCP && p <= ProtoICMPv6
}

// ParseProtocol maps a textual protocol name to its tag. Unknown names are
// rejected at this boundary; no raw protocol strings travel downstream.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	case "icmp":
		return ProtoICMP, nil
	case "icmpv6":
		return ProtoICMPv6, nil
	default:
		return 0, serrors.Join(ErrMalformed, nil, "protocol", s)
	}
}

// Probe is one target specification to be sent by an agent. Probes are
// transient: they exist in request payloads and on the wire, and are only ever
// counted, never persisted individually.
type Probe struct {
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16
	TTL     uint8
	Proto   Protocol
}

// Validate checks that the descriptor is encodable.
func (p Probe) Validate() error {
	if !p.DstAddr.IsValid() {
		return serrors.Join(ErrMalformed, nil, "reason", "invalid destination address")
	}
	if p.SrcPort == 0 {
		return serrors.Join(ErrMalformed, nil, "reason", "source port must be non-zero")
	}
	if p.DstPort == 0 {
		return serrors.Join(ErrMalformed, nil, "reason", "destination port must be non-zero")
	}
	if p.TTL == 0 {
		return serrors.Join(ErrMalformed, nil, "reason", "ttl must be non-zero")
	}
	if !p.Proto.valid() {
		return serrors.Join(ErrMalformed, nil, "protocol", uint8(p.Proto))
	}
	return nil
}

func (p Probe) String() string {
	return fmt.Sprintf("%s,%d,%d,%d,%s", p.DstAddr, p.SrcPort, p.DstPort, p.TTL, p.Proto)
}

// Tuple is the submission wire form of a probe, a five element JSON array:
// [dst_addr, src_port, dst_port, ttl, protocol]. Unmarshaling performs full
// validation; a Tuple that unmarshals successfully carries a valid Probe.
type Tuple struct {
	Probe
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Tuple) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return serrors.Join(ErrMalformed, err, "reason", "probe must be a JSON array")
	}
	if len(raw) != 5 {
		return serrors.Join(ErrMalformed, nil,
			"reason", "expected 5 elements in array", "have", len(raw))
	}

	var addrStr string
	if err := json.Unmarshal(raw[0], &addrStr); err != nil {
		return serrors.Join(ErrMalformed, err, "reason", "address must be a string")
	}
	addr, err := netip.ParseAddr(addrStr)
	if err != nil {
		return serrors.Join(ErrMalformed, err, "address", addrStr)
	}

	srcPort, err := parsePort(raw[1], "source port")
	if err != nil {
		return err
	}
	dstPort, err := parsePort(raw[2], "destination port")
	if err != nil {
		return err
	}

	var ttl uint64
	if err := json.Unmarshal(raw[3], &ttl); err != nil {
		return serrors.Join(ErrMalformed, err, "reason", "ttl must be a number")
	}
	if ttl == 0 || ttl > 255 {
		return serrors.Join(ErrMalformed, nil, "ttl", ttl)
	}

	var protoStr string
	if err := json.Unmarshal(raw[4], &protoStr); err != nil {
		return serrors.Join(ErrMalformed, err, "reason", "protocol must be a string")
	}
	proto, err := ParseProtocol(protoStr)
	if err != nil {
		return err
	}

	// IPv4-mapped IPv6 input collapses to its 4-byte form so the wire encoding
	// is canonical per destination.
	t.Probe = Probe{
		DstAddr: addr.Unmap(),
		SrcPort: srcPort,
		DstPort: dstPort,
		TTL:     uint8(ttl),
		Proto:   proto,
	}
	return nil
}

// MarshalJSON implements json.Marshaler, producing the array form.
func (t Tuple) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		t.DstAddr.String(), t.SrcPort, t.DstPort, t.TTL, t.Proto.String(),
	})
}

func parsePort(raw json.RawMessage, field string) (uint16, error) {
	var port uint64
	if err := json.Unmarshal(raw, &port); err != nil {
		return 0, serrors.Join(ErrMalformed, err, "reason", field+" must be a number")
	}
	if port == 0 || port > 65535 {
		return 0, serrors.Join(ErrMalformed, nil, field, port)
	}
	return uint16(port), nil
}

// ValidateTuples validates a batch and reports the index of the first
// offending probe.
func ValidateTuples(tuples []Tuple) error {
	for i, t := range tuples {
		if err := t.Validate(); err != nil {
			return serrors.Wrap("validating probe", err, "index", i)
		}
	}
	return nil
}

// Probes extracts the descriptors from a batch of tuples.
func Probes(tuples []Tuple) []Probe {
	probes := make([]Probe, len(tuples))
	for i, t := range tuples {
		probes[i] = t.Probe
	}
	return probes
}
