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

package identity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/probemesh/gateway/gateway/identity"
)

func TestHashDeterministic(t *testing.T) {
	h1 := identity.Hash("test-user-123")
	h2 := identity.Hash("test-user-123")
	assert.Equal(t, h1, h2)
	assert.Len(t, string(h1), identity.HandleLen)
	assert.NotEqual(t, h1, identity.Hash("different-user"))
}

func TestHashEmptyInput(t *testing.T) {
	// Any input string is acceptable, including empty.
	assert.Len(t, string(identity.Hash("")), identity.HandleLen)
}
