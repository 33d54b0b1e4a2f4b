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

/*
Package clock implements clock synchronization between nodes: the
four-timestamp offset estimator, a Kalman filter smoothing offset and
drift, the per-peer clock registry and the network clock that all
schedulers read.
*/
package clock

import (
	"github.com/google/uuid"

	"github.com/yukihamada/solusync-x/protocol"
)

// Sample is a single clock measurement derived from one sync exchange
type Sample struct {
	// Offset is the signed seconds the remote clock is ahead of local
	Offset float64
	// RTT is the round trip time excluding remote processing
	RTT float64
	// Timestamp is when the sample was taken
	Timestamp float64
}

// CalculateOffset computes offset and RTT from the four timestamps of
// a sync exchange:
//
//	t1: client send, t2: server receive, t3: server send, t4: client receive
//	offset = ((t2 - t1) + (t3 - t4)) / 2
//	rtt    = (t4 - t1) - (t3 - t2)
//
// The RTT can come out negative when the clocks are badly skewed; it
// is still reported so the filter can widen its measurement noise.
func CalculateOffset(t1, t2, t3, t4 float64) Sample {
	rtt := (t4 - t1) - (t3 - t2)
	offset := ((t2 - t1) + (t3 - t4)) / 2.0

	return Sample{
		Offset:    offset,
		RTT:       rtt,
		Timestamp: t4,
	}
}

// BuildResponse answers a sync request. t2 is captured from the
// network clock first, t3 as late as possible before emission.
func BuildResponse(nc *ClockManager, req *protocol.ClockSyncMessage, nodeID uuid.UUID, seq uint64) *protocol.ClockSyncResponse {
	t2 := nc.Now()
	return &protocol.ClockSyncResponse{
		Head: protocol.NewHeader(nodeID, seq),
		T1:   req.T1,
		T2:   t2,
		T3:   nc.Now(),
	}
}

// ProcessResponse turns a sync response into a sample. t4 is the
// arrival timestamp of the response on the requesting side.
func ProcessResponse(t1 float64, resp *protocol.ClockSyncResponse, t4 float64) Sample {
	return CalculateOffset(t1, resp.T2, resp.T3, t4)
}
