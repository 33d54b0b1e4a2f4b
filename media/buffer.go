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

package media

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/yukihamada/solusync-x/protocol"
)

const (
	minLatency = 30 * time.Millisecond
	maxLatency = 500 * time.Millisecond

	// fraction of the way the target moves per adjustment
	adjustmentRate = 0.1

	// minimum spacing between quality driven adjustments, prevents
	// oscillation when quality reports flap
	adjustmentDebounce = 500 * time.Millisecond
)

// DynamicFutureBuffer adjusts a client's target presentation latency
// to network conditions. Underruns grow the buffer immediately at
// rate adjustmentRate; overruns shrink it at half that rate, since
// starvation is audible and extra latency is not. The target always
// stays within [minLatency, maxLatency].
type DynamicFutureBuffer struct {
	// target latency in nanoseconds; atomic so the frame scheduling
	// path reads it without taking the lock
	target atomic.Int64

	mu             sync.Mutex
	networkQuality protocol.NetworkQuality
	lastAdjustment time.Time
	underrunCount  uint64
	overrunCount   uint64
}

// BufferStats is a snapshot of buffer state for monitoring
type BufferStats struct {
	TargetLatencyMS uint64
	UnderrunCount   uint64
	OverrunCount    uint64
	NetworkQuality  protocol.NetworkQuality
}

// NewDynamicFutureBuffer creates a buffer with the given starting
// latency, clamped into the allowed range
func NewDynamicFutureBuffer(initialLatency time.Duration, quality protocol.NetworkQuality) *DynamicFutureBuffer {
	b := &DynamicFutureBuffer{
		networkQuality: quality,
		lastAdjustment: time.Now(),
	}
	b.store(clampLatency(initialLatency))
	return b
}

func clampLatency(d time.Duration) time.Duration {
	if d < minLatency {
		return minLatency
	}
	if d > maxLatency {
		return maxLatency
	}
	return d
}

func (b *DynamicFutureBuffer) store(d time.Duration) {
	b.target.Store(int64(d))
}

func (b *DynamicFutureBuffer) load() time.Duration {
	return time.Duration(b.target.Load())
}

// TargetLatency returns the current target latency in seconds.
// Lock-free, safe to call on every frame.
func (b *DynamicFutureBuffer) TargetLatency() float64 {
	return b.load().Seconds()
}

// UpdateNetworkQuality records a quality change and, at most every
// 500ms, moves the target toward the recommended buffer for that
// quality with an exponential moving average step
func (b *DynamicFutureBuffer) UpdateNetworkQuality(quality protocol.NetworkQuality) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.networkQuality = quality

	if time.Since(b.lastAdjustment) < adjustmentDebounce {
		return
	}

	current := b.load().Seconds()
	recommended := (time.Duration(quality.RecommendedBufferMS()) * time.Millisecond).Seconds()

	next := current*(1.0-adjustmentRate) + recommended*adjustmentRate
	b.store(clampLatency(time.Duration(next * float64(time.Second))))
	b.lastAdjustment = time.Now()

	log.Debugf("adjusted buffer latency: %dms -> %dms (recommended: %dms)",
		int64(current*1000), b.load().Milliseconds(), int64(recommended*1000))
}

// ReportUnderrun reacts to playback starvation: the target grows
// right away, no debounce
func (b *DynamicFutureBuffer) ReportUnderrun() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.underrunCount++
	next := time.Duration(float64(b.load()) * (1.0 + adjustmentRate))
	b.store(clampLatency(next))

	log.Warningf("buffer underrun, increasing latency to %dms", b.load().Milliseconds())
}

// ReportOverrun shrinks the target at half the underrun rate
func (b *DynamicFutureBuffer) ReportOverrun() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.overrunCount++
	next := time.Duration(float64(b.load()) * (1.0 - adjustmentRate/2))
	b.store(clampLatency(next))

	log.Debugf("buffer overrun, decreasing latency to %dms", b.load().Milliseconds())
}

// JitterBuffer returns the transport jitter buffer depth for the
// current quality level
func (b *DynamicFutureBuffer) JitterBuffer() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(b.networkQuality.JitterBufferMS()) * time.Millisecond
}

// Stats returns a snapshot of the buffer state
func (b *DynamicFutureBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		TargetLatencyMS: uint64(b.load().Milliseconds()),
		UnderrunCount:   b.underrunCount,
		OverrunCount:    b.overrunCount,
		NetworkQuality:  b.networkQuality,
	}
}
