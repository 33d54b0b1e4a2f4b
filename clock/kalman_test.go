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
)

func TestKalmanFilterConvergence(t *testing.T) {
	filter := NewKalmanFilter()

	// noisy measurements around a true offset of 0.1, one second apart
	trueOffset := 0.1
	measurements := []float64{
		0.095, 0.103, 0.098, 0.102, 0.099,
		0.101, 0.097, 0.100, 0.099, 0.101,
	}

	for i, measurement := range measurements {
		filtered := filter.Update(measurement, 0.01, float64(i))

		if i > 5 {
			require.InDelta(t, trueOffset, filtered, 0.005)
		}
	}
}

func TestKalmanFilterConvergesWithNoise(t *testing.T) {
	filter := NewKalmanFilter()

	// deterministic noise pattern, sigma well under 5ms
	noise := []float64{0.003, -0.004, 0.002, -0.001, 0.004, -0.003, 0.0, 0.001, -0.002, 0.003}
	for i, n := range noise {
		filter.Update(0.05+n, 0.01, float64(i))
	}
	require.InDelta(t, 0.05, filter.Offset(), 0.005)
}

func TestKalmanFilterDrift(t *testing.T) {
	filter := NewKalmanFilter()

	// linear drift of 1ms per second plus a small extra ramp of
	// 0.1ms per second, samples one second apart
	baseOffset := 0.1
	driftRate := 0.001

	for i := 0; i < 20; i++ {
		time := float64(i)
		trueOffset := baseOffset + driftRate*time
		measurement := trueOffset + float64(i)*0.0001

		filter.Update(measurement, 0.01, time)
	}

	require.InDelta(t, driftRate, filter.DriftRate(), 0.0005)
}

func TestKalmanFilterFirstSample(t *testing.T) {
	filter := NewKalmanFilter()

	filtered := filter.Update(0.42, 0.01, 100.0)
	require.Equal(t, 0.42, filtered)
	require.Equal(t, 0.42, filter.Offset())
	require.Equal(t, 0.0, filter.DriftRate())
}

func TestKalmanFilterZeroDT(t *testing.T) {
	filter := NewKalmanFilter()

	// two samples on the same clock reading must not blow up
	filter.Update(0.1, 0.01, 50.0)
	filtered := filter.Update(0.1, 0.01, 50.0)
	require.InDelta(t, 0.1, filtered, 0.01)
}

func TestKalmanFilterHighRTTDownweighted(t *testing.T) {
	settle := func(rtt float64) float64 {
		filter := NewKalmanFilter()
		for i := 0; i < 10; i++ {
			filter.Update(0.1, 0.001, float64(i))
		}
		// one wild outlier, with the given RTT
		return filter.Update(0.5, rtt, 10.0)
	}

	cleanJump := settle(0.001) - 0.1
	noisyJump := settle(1.0) - 0.1

	// the same outlier moves the estimate less when RTT is high
	require.Less(t, noisyJump, cleanJump)
}

func TestKalmanFilterCovarianceSymmetric(t *testing.T) {
	filter := NewKalmanFilter()

	for i := 0; i < 100; i++ {
		filter.Update(0.1+float64(i%7)*0.001, 0.02, float64(i)*0.5)
		require.Equal(t, filter.p[0][1], filter.p[1][0])
		require.GreaterOrEqual(t, filter.p[0][0], 0.0)
		require.GreaterOrEqual(t, filter.p[1][1], 0.0)
	}
}

func TestKalmanFilterReset(t *testing.T) {
	filter := NewKalmanFilter()

	filter.Update(0.3, 0.01, 1.0)
	filter.Update(0.31, 0.01, 2.0)
	require.NotEqual(t, 0.0, filter.Offset())

	filter.Reset()
	require.Equal(t, 0.0, filter.Offset())
	require.Equal(t, 0.0, filter.DriftRate())
	require.False(t, filter.hasUpdate)

	// first sample after reset initializes again
	require.Equal(t, 0.2, filter.Update(0.2, 0.01, 3.0))
}
