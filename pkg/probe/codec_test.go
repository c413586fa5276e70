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

package probe_test

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probemesh/gateway/pkg/probe"
)

var (
	addrsV4 = []string{"1.1.1.1", "8.8.8.8", "192.168.255.254"}
	addrsV6 = []string{"2001:4860:4860::8888", "::1", "2001:db8::1"}
)

func TestBatchRoundTrip(t *testing.T) {
	protocols := []probe.Protocol{
		probe.ProtoTCP, probe.ProtoUDP, probe.ProtoICMP, probe.ProtoICMPv6,
	}
	for _, addrStr := range append(addrsV4, addrsV6...) {
		for _, proto := range protocols {
			name := fmt.Sprintf("%s_%s", addrStr, proto)
			t.Run(name, func(t *testing.T) {
				in := []probe.Probe{{
					DstAddr: netip.MustParseAddr(addrStr),
					SrcPort: 12345,
					DstPort: 53,
					TTL:     64,
					Proto:   proto,
				}}
				raw, err := probe.EncodeBatch(in)
				require.NoError(t, err)
				out, err := probe.DecodeBatch(raw)
				require.NoError(t, err)
				assert.Equal(t, in, out)
			})
		}
	}
}

func TestBatchRoundTripMixed(t *testing.T) {
	in := []probe.Probe{
		{DstAddr: netip.MustParseAddr("1.1.1.1"), SrcPort: 1, DstPort: 2, TTL: 3,
			Proto: probe.ProtoICMP},
		{DstAddr: netip.MustParseAddr("2001:db8::1"), SrcPort: 65535, DstPort: 65535,
			TTL: 255, Proto: probe.ProtoICMPv6},
		{DstAddr: netip.MustParseAddr("8.8.8.8"), SrcPort: 53, DstPort: 80, TTL: 30,
			Proto: probe.ProtoUDP},
	}
	raw, err := probe.EncodeBatch(in)
	require.NoError(t, err)
	out, err := probe.DecodeBatch(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncodeEmptyBatch(t *testing.T) {
	raw, err := probe.EncodeBatch(nil)
	require.NoError(t, err)
	out, err := probe.DecodeBatch(raw)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestEncodeInvalidProbe(t *testing.T) {
	_, err := probe.EncodeBatch([]probe.Probe{{}})
	assert.ErrorIs(t, err, probe.ErrMalformed)
}

func TestDecodeErrors(t *testing.T) {
	valid, err := probe.EncodeBatch([]probe.Probe{{
		DstAddr: netip.MustParseAddr("1.1.1.1"),
		SrcPort: 1, DstPort: 2, TTL: 3, Proto: probe.ProtoTCP,
	}})
	require.NoError(t, err)

	testCases := map[string]func() []byte{
		"empty": func() []byte { return nil },
		"short header": func() []byte {
			return valid[:3]
		},
		"bad magic": func() []byte {
			raw := append([]byte{}, valid...)
			raw[0] = 'X'
			return raw
		},
		"bad version": func() []byte {
			raw := append([]byte{}, valid...)
			raw[1] = 0x02
			return raw
		},
		"truncated record": func() []byte {
			return valid[:len(valid)-2]
		},
		"bad address length": func() []byte {
			raw := append([]byte{}, valid...)
			raw[4] = 7
			return raw
		},
		"bad protocol tag": func() []byte {
			raw := append([]byte{}, valid...)
			raw[len(raw)-1] = 0
			return raw
		},
		"trailing bytes": func() []byte {
			return append(append([]byte{}, valid...), 0xde, 0xad)
		},
	}
	for name, mutate := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := probe.DecodeBatch(mutate())
			assert.ErrorIs(t, err, probe.ErrMalformed)
		})
	}
}

func TestRecordLayout(t *testing.T) {
	p := probe.Probe{
		DstAddr: netip.MustParseAddr("1.2.3.4"),
		SrcPort: 0x1234,
		DstPort: 0x5678,
		TTL:     64,
		Proto:   probe.ProtoUDP,
	}
	raw, err := probe.EncodeBatch([]probe.Probe{p})
	require.NoError(t, err)
	want := []byte{
		'P', 0x01, 0x00, 0x01, // header
		4, 1, 2, 3, 4, // addrLen, addr
		0x12, 0x34, // src port
		0x56, 0x78, // dst port
		64,        // ttl
		0x02,      // udp
	}
	assert.Equal(t, want, raw)
}
