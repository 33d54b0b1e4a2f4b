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
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/yukihamada/solusync-x/timestamp"
)

// ManagerConfig tunes the clock manager
type ManagerConfig struct {
	// SampleQueueSize bounds the ingestion channel
	SampleQueueSize int
	// ReapInterval is how often stale peers are checked
	ReapInterval time.Duration
	// StaleAfter is the idle time after which a peer is removed
	StaleAfter time.Duration
}

// DefaultManagerConfig generates the default manager config
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		SampleQueueSize: 1000,
		ReapInterval:    10 * time.Second,
		StaleAfter:      30 * time.Second,
	}
}

// PeerClock is the filtered clock state of a single peer
type PeerClock struct {
	filter *KalmanFilter

	// latest filter outputs, cached for lock-free-ish reads
	offset float64
	rtt    float64

	lastUpdate  time.Time
	sampleCount uint64
	driftPPM    float64
}

// PeerStats is a snapshot of one peer's clock state
type PeerStats struct {
	PeerID      uuid.UUID
	Offset      float64
	RTT         float64
	SampleCount uint64
	DriftPPM    float64
	LastUpdate  time.Time
}

type peerSample struct {
	peerID uuid.UUID
	sample Sample
}

// ClockManager owns the peer clock registry and publishes the network
// clock: local monotonic time plus the master peer offset. Now is
// synchronous and safe to call from any goroutine on every frame.
type ClockManager struct {
	nodeID uuid.UUID
	cfg    ManagerConfig

	mu    sync.RWMutex
	peers map[uuid.UUID]*PeerClock

	// nil until master election wires a master in
	masterPeer atomic.Pointer[uuid.UUID]

	// master offset as float bits, 0 when no master is known
	masterOffset atomic.Uint64
	masterSet    atomic.Bool

	samples chan peerSample

	// counts samples dropped on queue overflow, for monitoring
	dropped atomic.Uint64
}

// NewClockManager creates a clock manager for this node
func NewClockManager(nodeID uuid.UUID, cfg ManagerConfig) *ClockManager {
	return &ClockManager{
		nodeID:  nodeID,
		cfg:     cfg,
		peers:   map[uuid.UUID]*PeerClock{},
		samples: make(chan peerSample, cfg.SampleQueueSize),
	}
}

// NodeID returns the id of this node
func (m *ClockManager) NodeID() uuid.UUID {
	return m.nodeID
}

// Now returns the current network clock reading: local time plus the
// master offset if one is known
func (m *ClockManager) Now() float64 {
	return timestamp.Now() + math.Float64frombits(m.masterOffset.Load())
}

// SetMasterOffset publishes a new master offset. Single writer, read
// on every scheduling hop.
func (m *ClockManager) SetMasterOffset(offset float64) {
	m.masterOffset.Store(math.Float64bits(offset))
	m.masterSet.Store(true)
}

// MasterOffset returns the current master offset and whether one has
// been published
func (m *ClockManager) MasterOffset() (float64, bool) {
	return math.Float64frombits(m.masterOffset.Load()), m.masterSet.Load()
}

// SetMasterPeer designates the peer whose filtered offset drives the
// network clock. Master election lives outside the core; until it
// calls this, no peer is master and the clock runs on local time.
func (m *ClockManager) SetMasterPeer(peerID uuid.UUID) {
	m.masterPeer.Store(&peerID)
}

func (m *ClockManager) isMasterPeer(peerID uuid.UUID) bool {
	master := m.masterPeer.Load()
	return master != nil && *master == peerID
}

// AddSample queues a clock sample from a peer. Never blocks: when the
// queue is full the sample is dropped and counted.
func (m *ClockManager) AddSample(peerID uuid.UUID, sample Sample) {
	select {
	case m.samples <- peerSample{peerID: peerID, sample: sample}:
	default:
		m.dropped.Add(1)
		log.Warningf("clock sample queue full, dropping sample from %s", peerID)
	}
}

// DroppedSamples returns the number of samples lost to queue overflow
func (m *ClockManager) DroppedSamples() uint64 {
	return m.dropped.Load()
}

// GetPeerOffset returns the filtered offset for a peer
func (m *ClockManager) GetPeerOffset(peerID uuid.UUID) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[peerID]
	if !ok {
		return 0, false
	}
	return p.offset, true
}

// GetPeerStats returns a snapshot of a peer's clock state
func (m *ClockManager) GetPeerStats(peerID uuid.UUID) (PeerStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[peerID]
	if !ok {
		return PeerStats{}, false
	}
	return PeerStats{
		PeerID:      peerID,
		Offset:      p.offset,
		RTT:         p.rtt,
		SampleCount: p.sampleCount,
		DriftPPM:    p.driftPPM,
		LastUpdate:  p.lastUpdate,
	}, true
}

// Peers returns snapshots of all tracked peers
func (m *ClockManager) Peers() []PeerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerStats, 0, len(m.peers))
	for id, p := range m.peers {
		out = append(out, PeerStats{
			PeerID:      id,
			Offset:      p.offset,
			RTT:         p.rtt,
			SampleCount: p.sampleCount,
			DriftPPM:    p.driftPPM,
			LastUpdate:  p.lastUpdate,
		})
	}
	return out
}

// PeerCount returns the number of tracked peers
func (m *ClockManager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// Run drains the sample queue and reaps stale peers until the context
// is cancelled
func (m *ClockManager) Run(ctx context.Context) {
	log.Infof("clock manager started for node %s", m.nodeID)

	reapTicker := time.NewTicker(m.cfg.ReapInterval)
	defer reapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof("clock manager stopped")
			return
		case <-reapTicker.C:
			m.reapStalePeers()
		case ps := <-m.samples:
			m.updatePeerClock(ps.peerID, ps.sample)
		}
	}
}

// updatePeerClock folds one sample into a peer's filter state.
// Samples for one peer arrive in order through the single queue.
func (m *ClockManager) updatePeerClock(peerID uuid.UUID, sample Sample) {
	m.mu.Lock()

	peer, ok := m.peers[peerID]
	if !ok {
		log.Infof("new peer clock: %s", peerID)
		peer = &PeerClock{filter: NewKalmanFilter(), lastUpdate: time.Now()}
		m.peers[peerID] = peer
	}

	prevOffset := peer.offset
	prevUpdate := peer.lastUpdate

	filtered := peer.filter.Update(sample.Offset, sample.RTT, timestamp.Now())
	if math.IsNaN(filtered) || math.IsInf(filtered, 0) {
		// should be prevented by the noise floor and dt epsilon;
		// treat it as a bug and start this peer over
		log.Errorf("degenerate filter state for peer %s, resetting", peerID)
		peer.filter.Reset()
		m.mu.Unlock()
		return
	}

	// drift bookkeeping only once the filter has settled; dt measured
	// against the previous update, before it is overwritten
	if peer.sampleCount > 10 {
		dt := time.Since(prevUpdate).Seconds()
		if dt > 0 {
			peer.driftPPM = (filtered - prevOffset) / dt * 1e6
		}
	}

	peer.offset = filtered
	peer.rtt = sample.RTT
	peer.lastUpdate = time.Now()
	peer.sampleCount++

	isMaster := m.isMasterPeer(peerID)
	m.mu.Unlock()

	log.Debugf("clock update for %s: offset=%.3fms, rtt=%.3fms, drift=%.1fppm",
		peerID, filtered*1000.0, sample.RTT*1000.0, peer.driftPPM)

	if isMaster {
		m.SetMasterOffset(filtered)
	}
}

// reapStalePeers drops peers with no sample for StaleAfter. A sample
// racing the removal simply recreates the peer with a cold filter.
func (m *ClockManager) reapStalePeers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, peer := range m.peers {
		if time.Since(peer.lastUpdate) > m.cfg.StaleAfter {
			log.Warningf("removing stale peer clock: %s", id)
			delete(m.peers, id)
		}
	}
}
