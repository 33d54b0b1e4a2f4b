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

import "math"

const (
	// process noise per second for offset and drift
	processNoiseOffset = 1e-6
	processNoiseDrift  = 1e-8

	// floor for the measurement noise variance, keeps the gain
	// well-conditioned even at zero RTT
	measurementNoiseFloor = 1e-4

	// cap for the RTT-derived measurement noise contribution
	measurementNoiseCap = 0.01

	// minimum dt between updates, keeps F well-conditioned when two
	// samples land on the same clock reading
	dtEpsilon = 1e-6
)

// KalmanFilter smooths noisy clock offset measurements and estimates
// drift. State vector is [offset, drift_rate], only the offset is
// measured. Like servo.PiServo it takes timestamps explicitly rather
// than reading a clock, so callers control the timeline.
type KalmanFilter struct {
	// state estimate: x[0] offset seconds, x[1] drift seconds/second
	x [2]float64

	// error covariance
	p [2][2]float64

	// measurement noise variance, recomputed per sample from RTT
	measurementNoise float64

	lastUpdate float64
	hasUpdate  bool
}

// NewKalmanFilter creates a filter in its initial state: zero
// estimates and identity covariance
func NewKalmanFilter() *KalmanFilter {
	k := &KalmanFilter{}
	k.Reset()
	return k
}

// Update feeds one offset measurement taken at time now and returns
// the filtered offset. Higher RTT widens the measurement noise so
// noisy samples weigh less.
func (k *KalmanFilter) Update(measuredOffset, rtt, now float64) float64 {
	k.measurementNoise = measurementNoiseFloor + math.Min(measurementNoiseCap, 0.1*rtt*rtt)

	if k.hasUpdate {
		dt := now - k.lastUpdate
		if dt < dtEpsilon {
			dt = dtEpsilon
		}
		k.predict(dt)
		k.correct(measuredOffset)
	} else {
		// first measurement initializes the state directly
		k.x[0] = measuredOffset
		k.x[1] = 0.0
		k.hasUpdate = true
	}

	k.lastUpdate = now
	return k.x[0]
}

// predict advances state and covariance by dt seconds with the
// transition F = [[1, dt], [0, 1]] and Q = diag(1e-6, 1e-8)*dt
func (k *KalmanFilter) predict(dt float64) {
	k.x[0] += dt * k.x[1]

	p00 := k.p[0][0] + dt*(k.p[0][1]+k.p[1][0]) + dt*dt*k.p[1][1]
	p01 := k.p[0][1] + dt*k.p[1][1]
	p10 := k.p[1][0] + dt*k.p[1][1]
	p11 := k.p[1][1]

	k.p[0][0] = p00 + processNoiseOffset*dt
	k.p[0][1] = p01
	k.p[1][0] = p10
	k.p[1][1] = p11 + processNoiseDrift*dt
}

// correct folds one measurement into the state, H = [1, 0]
func (k *KalmanFilter) correct(measurement float64) {
	innovation := measurement - k.x[0]
	s := k.p[0][0] + k.measurementNoise

	k0 := k.p[0][0] / s
	k1 := k.p[1][0] / s

	k.x[0] += k0 * innovation
	k.x[1] += k1 * innovation

	// P = (I - KH)P
	p00 := (1 - k0) * k.p[0][0]
	p01 := (1 - k0) * k.p[0][1]
	p10 := k.p[1][0] - k1*k.p[0][0]
	p11 := k.p[1][1] - k1*k.p[0][1]

	// keep the covariance symmetric against rounding
	off := (p01 + p10) / 2
	k.p[0][0] = p00
	k.p[0][1] = off
	k.p[1][0] = off
	k.p[1][1] = p11
}

// Offset returns the current offset estimate in seconds
func (k *KalmanFilter) Offset() float64 {
	return k.x[0]
}

// DriftRate returns the drift estimate in seconds of offset change
// per second of real time
func (k *KalmanFilter) DriftRate() float64 {
	return k.x[1]
}

// Reset restores the initial filter state unconditionally
func (k *KalmanFilter) Reset() {
	k.x = [2]float64{}
	k.p = [2][2]float64{{1, 0}, {0, 1}}
	k.measurementNoise = 1e-3
	k.lastUpdate = 0
	k.hasUpdate = false
}
