/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package clock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yukihamada/solusync-x/protocol"
)

func TestQualityEstimatorEmpty(t *testing.T) {
	q := NewQualityEstimator()
	require.Equal(t, protocol.QualityGood, q.Quality())
	require.Equal(t, 0.0, q.AvgRTTMS())
	require.Equal(t, 0.0, q.LossPercent())
}

func TestQualityEstimatorRTT(t *testing.T) {
	q := NewQualityEstimator()

	// 5ms RTTs, no loss: excellent
	for i := 0; i < 20; i++ {
		q.AddRTT(0.005)
	}
	require.InDelta(t, 5.0, q.AvgRTTMS(), 0.001)
	require.Equal(t, protocol.QualityExcellent, q.Quality())

	// degrade to ~150ms mean
	for i := 0; i < 100; i++ {
		q.AddRTT(0.180)
	}
	require.Equal(t, protocol.QualityPoor, q.Quality())
}

func TestQualityEstimatorLoss(t *testing.T) {
	q := NewQualityEstimator()
	q.AddRTT(0.005)

	q.AddLoss(100, 10)
	require.InDelta(t, 10.0, q.LossPercent(), 1e-9)
	// 10% loss is critical regardless of RTT
	require.Equal(t, protocol.QualityCritical, q.Quality())
}

func TestQualityEstimatorIgnoresNegativeRTT(t *testing.T) {
	q := NewQualityEstimator()
	q.AddRTT(-0.5)
	require.Equal(t, 0.0, q.AvgRTTMS())
}

func TestQualityEstimatorReset(t *testing.T) {
	q := NewQualityEstimator()
	q.AddRTT(0.3)
	q.AddLoss(10, 5)
	q.Reset()
	require.Equal(t, 0.0, q.AvgRTTMS())
	require.Equal(t, 0.0, q.LossPercent())
	require.Equal(t, protocol.QualityGood, q.Quality())
}
