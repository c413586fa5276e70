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

package tracker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/probemesh/gateway/gateway/tracker"
)

func TestAggregateEmpty(t *testing.T) {
	// A measurement with zero assigned agents is immediately complete.
	s := tracker.Aggregate("m1", nil)
	assert.True(t, s.Complete)
	assert.Zero(t, s.AgentsTotal)
	assert.Zero(t, s.ExpectedProbes)
}

func TestAggregate(t *testing.T) {
	rows := []tracker.Row{
		{MeasurementID: "m1", AgentID: "a", ExpectedProbes: 2, SentProbes: 2, IsComplete: true},
		{MeasurementID: "m1", AgentID: "b", ExpectedProbes: 3, SentProbes: 1},
	}
	s := tracker.Aggregate("m1", rows)
	assert.Equal(t, 2, s.AgentsTotal)
	assert.Equal(t, 1, s.AgentsComplete)
	assert.Equal(t, int64(5), s.ExpectedProbes)
	assert.Equal(t, int64(3), s.SentProbes)
	assert.False(t, s.Complete)

	rows[1].SentProbes = 3
	rows[1].IsComplete = true
	s = tracker.Aggregate("m1", rows)
	assert.Equal(t, 2, s.AgentsComplete)
	assert.True(t, s.Complete)
}

func TestNewMeasurementID(t *testing.T) {
	assert.NotEqual(t, tracker.NewMeasurementID(), tracker.NewMeasurementID())
}
