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
	"sync"

	"github.com/eclesh/welford"

	"github.com/yukihamada/solusync-x/protocol"
)

// QualityEstimator derives a client's network quality from RTT
// samples observed during clock sync and from reported packet loss.
// RTT statistics run through a Welford accumulator so memory stays
// constant regardless of sample count.
type QualityEstimator struct {
	mu sync.Mutex

	rtts     *welford.Stats
	rttCount uint64

	sent uint64
	lost uint64
}

// NewQualityEstimator creates an estimator with no samples
func NewQualityEstimator() *QualityEstimator {
	return &QualityEstimator{rtts: welford.New()}
}

// AddRTT records one round trip time in seconds. Negative RTTs come
// from skewed clocks and carry no usable delay information.
func (q *QualityEstimator) AddRTT(rtt float64) {
	if rtt < 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rtts.Add(rtt * 1000.0)
	q.rttCount++
}

// AddLoss records delivery counts from a status report
func (q *QualityEstimator) AddLoss(sent, lost uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent += sent
	q.lost += lost
}

// AvgRTTMS returns the mean observed RTT in milliseconds
func (q *QualityEstimator) AvgRTTMS() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.rttCount == 0 {
		return 0
	}
	return q.rtts.Mean()
}

// LossPercent returns the observed packet loss percentage
func (q *QualityEstimator) LossPercent() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sent == 0 {
		return 0
	}
	return float64(q.lost) / float64(q.sent) * 100.0
}

// Quality maps the current statistics through the standard quality
// table. With no RTT samples yet it reports Good, the neutral
// starting level.
func (q *QualityEstimator) Quality() protocol.NetworkQuality {
	q.mu.Lock()
	count := q.rttCount
	var rttMS float64
	if count > 0 {
		rttMS = q.rtts.Mean()
	}
	sent, lost := q.sent, q.lost
	q.mu.Unlock()

	if count == 0 {
		return protocol.QualityGood
	}
	var lossPercent float64
	if sent > 0 {
		lossPercent = float64(lost) / float64(sent) * 100.0
	}
	return protocol.QualityFromMetrics(rttMS, lossPercent)
}

// Reset clears all accumulated statistics
func (q *QualityEstimator) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rtts = welford.New()
	q.rttCount = 0
	q.sent = 0
	q.lost = 0
}
