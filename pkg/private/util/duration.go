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

// Package util contains small helpers shared across packages.
package util

import (
	"encoding"
	"strconv"
	"strings"
	"time"

	"github.com/probemesh/gateway/pkg/private/serrors"
)

const day = 24 * time.Hour

var _ encoding.TextUnmarshaler = (*DurWrap)(nil)
var _ encoding.TextMarshaler = DurWrap{}

// DurWrap wraps a duration for config files. On top of the standard
// duration units it accepts a "d" (day) suffix, so windows like "30d" can
// be written directly.
type DurWrap struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DurWrap) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d DurWrap) MarshalText() ([]byte, error) {
	return []byte(FmtDuration(d.Duration)), nil
}

func (d DurWrap) String() string {
	return FmtDuration(d.Duration)
}

// ParseDuration parses a duration, additionally accepting a whole number of
// days ("30d").
func ParseDuration(s string) (time.Duration, error) {
	if raw, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return 0, serrors.Wrap("parsing day duration", err, "input", s)
		}
		return time.Duration(days) * day, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, serrors.Wrap("parsing duration", err, "input", s)
	}
	return d, nil
}

// FmtDuration formats a duration, using the day suffix when the value is a
// whole number of days.
func FmtDuration(d time.Duration) string {
	if d != 0 && d%day == 0 {
		return strconv.FormatInt(int64(d/day), 10) + "d"
	}
	return d.String()
}
