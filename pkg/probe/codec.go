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

package probe

import (
	"encoding/binary"
	"net/netip"

	"github.com/probemesh/gateway/pkg/private/serrors"
)

// Wire format, version 1. All integers are big endian.
//
// Message:
//
//	 0      1       2        4
//	+------+-------+--------+----------------
//	| 'P'  | 0x01  | count  | records ...
//	+------+-------+--------+----------------
//
// Record:
//
//	 0         1            1+alen    3+alen    5+alen  6+alen
//	+---------+------------+---------+---------+-------+-------+
//	| addrLen | addr bytes | srcPort | dstPort |  ttl  | proto |
//	+---------+------------+---------+---------+-------+-------+
//
// addrLen is 4 or 16; the address length implies the family. The format has
// fixed offsets past the address field so agents decode without framing
// metadata per record.
const (
	wireMagic   = 'P'
	wireVersion = 0x01

	msgHdrLen = 4
	// recFixedLen is the record length without the address bytes.
	recFixedLen = 7

	// MaxBatchLen is the maximum number of probes in one message, bounded by
	// the uint16 count field.
	MaxBatchLen = 1<<16 - 1
)

// EncodedLen returns the wire length of the record for p.
func (p Probe) EncodedLen() int {
	if p.DstAddr.Is4() {
		return recFixedLen + 4
	}
	return recFixedLen + 16
}

// AppendRecord appends the wire record for p to b. The descriptor must be
// valid; encoding a valid descriptor never fails.
func (p Probe) AppendRecord(b []byte) []byte {
	if p.DstAddr.Is4() {
		a := p.DstAddr.As4()
		b = append(b, 4)
		b = append(b, a[:]...)
	} else {
		a := p.DstAddr.As16()
		b = append(b, 16)
		b = append(b, a[:]...)
	}
	b = binary.BigEndian.AppendUint16(b, p.SrcPort)
	b = binary.BigEndian.AppendUint16(b, p.DstPort)
	b = append(b, p.TTL, uint8(p.Proto))
	return b
}

// decodeRecord decodes one record from the front of data and returns the
// number of bytes consumed.
func decodeRecord(data []byte) (Probe, int, error) {
	if len(data) < 1 {
		return Probe{}, 0, serrors.Join(ErrMalformed, nil, "reason", "truncated record")
	}
	alen := int(data[0])
	if alen != 4 && alen != 16 {
		return Probe{}, 0, serrors.Join(ErrMalformed, nil, "addrLen", alen)
	}
	recLen := recFixedLen + alen
	if len(data) < recLen {
		return Probe{}, 0, serrors.Join(ErrMalformed, nil,
			"reason", "truncated record", "want", recLen, "have", len(data))
	}
	addr, _ := netip.AddrFromSlice(data[1 : 1+alen])
	p := Probe{
		DstAddr: addr,
		SrcPort: binary.BigEndian.Uint16(data[1+alen:]),
		DstPort: binary.BigEndian.Uint16(data[3+alen:]),
		TTL:     data[5+alen],
		Proto:   Protocol(data[6+alen]),
	}
	if !p.Proto.valid() {
		return Probe{}, 0, serrors.Join(ErrMalformed, nil, "protocol", data[6+alen])
	}
	return p, recLen, nil
}

// EncodeBatch encodes a list of probes into one wire message. Every probe
// must pass Validate; descriptors with an unset address or protocol are
// rejected rather than silently encoded.
func EncodeBatch(probes []Probe) ([]byte, error) {
	if len(probes) > MaxBatchLen {
		return nil, serrors.New("batch too large", "probes", len(probes), "max", MaxBatchLen)
	}
	size := msgHdrLen
	for _, p := range probes {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		size += p.EncodedLen()
	}
	b := make([]byte, 0, size)
	b = append(b, wireMagic, wireVersion)
	b = binary.BigEndian.AppendUint16(b, uint16(len(probes)))
	for _, p := range probes {
		b = p.AppendRecord(b)
	}
	return b, nil
}

// DecodeBatch decodes a wire message produced by EncodeBatch. It fails with an
// error wrapping ErrMalformed on bad magic or version, on truncated input, and
// on trailing garbage after the last record.
func DecodeBatch(data []byte) ([]Probe, error) {
	if len(data) < msgHdrLen {
		return nil, serrors.Join(ErrMalformed, nil, "reason", "truncated header")
	}
	if data[0] != wireMagic {
		return nil, serrors.Join(ErrMalformed, nil, "magic", data[0])
	}
	if data[1] != wireVersion {
		return nil, serrors.Join(ErrMalformed, nil, "version", data[1])
	}
	count := int(binary.BigEndian.Uint16(data[2:4]))
	data = data[msgHdrLen:]

	probes := make([]Probe, 0, count)
	for i := 0; i < count; i++ {
		p, n, err := decodeRecord(data)
		if err != nil {
			return nil, serrors.Wrap("decoding record", err, "index", i)
		}
		probes = append(probes, p)
		data = data[n:]
	}
	if len(data) != 0 {
		return nil, serrors.Join(ErrMalformed, nil, "reason", "trailing bytes", "count", len(data))
	}
	return probes, nil
}
