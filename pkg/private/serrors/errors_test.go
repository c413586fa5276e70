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

package serrors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/probemesh/gateway/pkg/private/serrors"
)

func TestNewIsSelf(t *testing.T) {
	err := serrors.New("some error", "key", "value")
	assert.True(t, errors.Is(err, err))
	other := serrors.New("some error", "key", "value")
	assert.False(t, errors.Is(err, other))
}

func TestWrapIsCause(t *testing.T) {
	cause := errors.New("cause")
	err := serrors.Wrap("failed", cause, "ctx", 1)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "failed {ctx=1}: cause", err.Error())
}

func TestJoinIsSentinelAndCause(t *testing.T) {
	sentinel := errors.New("db: write failed")
	cause := errors.New("disk full")
	err := serrors.Join(sentinel, cause, "table", "measurements")
	assert.True(t, errors.Is(err, sentinel))
	assert.True(t, errors.Is(err, cause))
}

func TestJoinNilNil(t *testing.T) {
	assert.NoError(t, serrors.Join(nil, nil))
}

func TestContextSorted(t *testing.T) {
	err := serrors.New("msg", "b", 2, "a", 1)
	assert.Equal(t, "msg {a=1; b=2}", err.Error())
}

func TestList(t *testing.T) {
	var errs serrors.List
	assert.NoError(t, errs.ToError())
	errs = append(errs, errors.New("one"), errors.New("two"))
	assert.Error(t, errs.ToError())
	assert.Equal(t, "[ one; two ]", errs.Error())
}
