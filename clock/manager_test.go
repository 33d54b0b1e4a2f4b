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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yukihamada/solusync-x/timestamp"
)

func TestManagerNowWithoutMaster(t *testing.T) {
	m := NewClockManager(uuid.New(), DefaultManagerConfig())

	// no master known: network clock degrades to local time
	local := timestamp.Now()
	now := m.Now()
	require.InDelta(t, local, now, 0.1)

	_, set := m.MasterOffset()
	require.False(t, set)
}

func TestManagerNowWithMasterOffset(t *testing.T) {
	m := NewClockManager(uuid.New(), DefaultManagerConfig())

	m.SetMasterOffset(1.5)
	offset, set := m.MasterOffset()
	require.True(t, set)
	require.Equal(t, 1.5, offset)

	require.InDelta(t, timestamp.Now()+1.5, m.Now(), 0.1)
}

func TestManagerPeerLifecycle(t *testing.T) {
	m := NewClockManager(uuid.New(), DefaultManagerConfig())
	peer := uuid.New()

	_, ok := m.GetPeerOffset(peer)
	require.False(t, ok)

	m.updatePeerClock(peer, Sample{Offset: 0.1, RTT: 0.01, Timestamp: timestamp.Now()})

	offset, ok := m.GetPeerOffset(peer)
	require.True(t, ok)
	require.InDelta(t, 0.1, offset, 1e-9)

	stats, ok := m.GetPeerStats(peer)
	require.True(t, ok)
	require.Equal(t, uint64(1), stats.SampleCount)
	require.InDelta(t, 0.01, stats.RTT, 1e-9)
	require.Equal(t, 0.0, stats.DriftPPM)
	require.Equal(t, 1, m.PeerCount())
}

func TestManagerDriftGate(t *testing.T) {
	m := NewClockManager(uuid.New(), DefaultManagerConfig())
	peer := uuid.New()

	// drift bookkeeping stays off while 10 or fewer samples preceded
	// the current one
	for i := 0; i < 10; i++ {
		m.updatePeerClock(peer, Sample{Offset: 0.1 + float64(i)*0.001, RTT: 0.01})
		stats, _ := m.GetPeerStats(peer)
		require.Equal(t, 0.0, stats.DriftPPM)
	}

	m.updatePeerClock(peer, Sample{Offset: 0.111, RTT: 0.01})
	stats, _ := m.GetPeerStats(peer)
	require.Equal(t, uint64(11), stats.SampleCount)
	// the 11th sample is committed like the others; drift is first
	// computed on the sample after it
	require.False(t, stats.LastUpdate.IsZero())
}

func TestManagerIngestionOrder(t *testing.T) {
	m := NewClockManager(uuid.New(), DefaultManagerConfig())
	peer := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	for i := 0; i < 5; i++ {
		m.AddSample(peer, Sample{Offset: 0.2, RTT: 0.01, Timestamp: timestamp.Now()})
	}

	require.Eventually(t, func() bool {
		stats, ok := m.GetPeerStats(peer)
		return ok && stats.SampleCount == 5
	}, 2*time.Second, 10*time.Millisecond)

	offset, ok := m.GetPeerOffset(peer)
	require.True(t, ok)
	require.InDelta(t, 0.2, offset, 0.01)
}

func TestManagerQueueOverflowDrops(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.SampleQueueSize = 1
	m := NewClockManager(uuid.New(), cfg)
	peer := uuid.New()

	// nothing drains the queue: the second sample must be dropped,
	// never block
	m.AddSample(peer, Sample{Offset: 0.1})
	m.AddSample(peer, Sample{Offset: 0.1})
	require.Equal(t, uint64(1), m.DroppedSamples())
}

func TestManagerStaleReap(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.StaleAfter = 50 * time.Millisecond
	m := NewClockManager(uuid.New(), cfg)

	stale := uuid.New()
	fresh := uuid.New()

	m.updatePeerClock(stale, Sample{Offset: 0.1, RTT: 0.01})
	time.Sleep(80 * time.Millisecond)
	m.updatePeerClock(fresh, Sample{Offset: 0.2, RTT: 0.01})

	m.reapStalePeers()

	_, ok := m.GetPeerOffset(stale)
	require.False(t, ok)
	_, ok = m.GetPeerOffset(fresh)
	require.True(t, ok)

	// a new sample recreates the reaped peer with a cold filter
	m.updatePeerClock(stale, Sample{Offset: 0.5, RTT: 0.01})
	offset, ok := m.GetPeerOffset(stale)
	require.True(t, ok)
	require.InDelta(t, 0.5, offset, 1e-9)
	stats, _ := m.GetPeerStats(stale)
	require.Equal(t, uint64(1), stats.SampleCount)
}

func TestManagerMasterPublish(t *testing.T) {
	m := NewClockManager(uuid.New(), DefaultManagerConfig())
	master := uuid.New()
	other := uuid.New()

	// non-master samples never move the network clock
	m.updatePeerClock(other, Sample{Offset: 3.0, RTT: 0.01})
	_, set := m.MasterOffset()
	require.False(t, set)

	m.SetMasterPeer(master)
	m.updatePeerClock(master, Sample{Offset: 1.0, RTT: 0.01})

	offset, set := m.MasterOffset()
	require.True(t, set)
	require.InDelta(t, 1.0, offset, 1e-9)
}
