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

// Package identity derives the opaque handles under which callers are
// accounted. The raw identity (subject or client id) is never persisted or
// logged; every ledger and tracker row is keyed by the handle.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
)

// HandleLen is the length of a handle in characters.
const HandleLen = sha256.Size * 2

// Handle is the one-way hashed representation of a caller identity.
type Handle string

// Hash derives the handle for a raw identity. It is deterministic and total;
// the raw identity cannot be recovered from the handle.
func Hash(rawIdentity string) Handle {
	sum := sha256.Sum256([]byte(rawIdentity))
	return Handle(hex.EncodeToString(sum[:]))
}

func (h Handle) String() string {
	return string(h)
}
