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

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testHeader() MessageHeader {
	return NewHeader(uuid.New(), 42)
}

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	data, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, m.MsgType(), decoded.MsgType())
	require.Equal(t, m, decoded)
	return decoded
}

func TestHeaderRoundTrip(t *testing.T) {
	head := testHeader()
	data, err := json.Marshal(head)
	require.NoError(t, err)

	var back MessageHeader
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, head, back)
}

func TestEveryVariantRoundTrips(t *testing.T) {
	token := "secret"
	battery := float32(0.8)
	volume := float32(0.5)
	loops := uint32(2)
	seek := 3.25
	master := uuid.New()
	server := 100.5

	messages := []Message{
		&HelloMessage{
			Head:            testHeader(),
			ProtocolVersion: Version,
			Capabilities:    []string{"clock_sync", "media_streaming"},
			NodeType:        NodeClient,
			AuthToken:       &token,
		},
		&ClockSyncMessage{Head: testHeader(), T1: 100.25},
		&ClockSyncResponse{Head: testHeader(), T1: 100.25, T2: 101.5, T3: 101.5625},
		&MediaControlMessage{
			Head:    testHeader(),
			Action:  ActionPlay,
			TrackID: "bgm",
			StartAt: 1000.5,
			Params: MediaParams{
				Volume:       &volume,
				LoopCount:    &loops,
				SeekPosition: &seek,
			},
		},
		&MediaDataMessage{
			Head:       testHeader(),
			TrackID:    "bgm",
			ChunkIndex: 7,
			Timestamp:  12.5,
			Duration:   0.02,
			Data:       []byte{0xde, 0xad, 0xbe, 0xef},
			Codec:      "opus",
			IsKeyframe: false,
		},
		&NodeAnnounceMessage{
			Head:         testHeader(),
			NodeType:     NodeReplica,
			Capabilities: []string{"cluster"},
			Endpoint:     "10.0.0.2:8080",
			PublicKey:    []byte{1, 2, 3},
		},
		&NodeStatusMessage{
			Head:              testHeader(),
			NodeType:          NodeClient,
			ConnectedClients:  3,
			CPUUsage:          0.25,
			MemoryUsage:       0.5,
			BatteryLevel:      &battery,
			NetworkQuality:    QualityFair,
			AvgRTTMS:          12.5,
			PacketLossPercent: 0.25,
			UptimeSeconds:     3600,
		},
		&MasterElectionMessage{
			Head:           testHeader(),
			ElectionID:     uuid.New(),
			CandidateScore: 0.75,
			CurrentMaster:  &master,
		},
		&HeartbeatMessage{Head: testHeader(), ClientTime: 50.5, ServerTime: &server},
		&ErrorMessage{
			Head:    testHeader(),
			Code:    ErrNotFound,
			Message: "track not found",
			Details: json.RawMessage(`{"track_id":"bgm"}`),
		},
	}

	for _, m := range messages {
		roundTrip(t, m)
	}
}

func TestEncodeAddsTypeTag(t *testing.T) {
	data, err := Encode(&ClockSyncMessage{Head: testHeader(), T1: 1.5})
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	require.JSONEq(t, `"clock_sync"`, string(raw["type"]))
	require.Contains(t, raw, "header")
	require.Contains(t, raw, "t1")
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"teleport","header":{}}`))
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, ErrProtocolError, perr.Code)
}

func TestDecodeMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"header":{}}`))
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, ErrProtocolError, perr.Code)
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":"clock_sync",`))
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, ErrProtocolError, perr.Code)
}

func TestDecodeMissingHeader(t *testing.T) {
	_, err := Decode([]byte(`{"type":"clock_sync","t1":1.5}`))
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, ErrProtocolError, perr.Code)
}

func TestDecodeBadFieldType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"clock_sync","header":{"id":"x"},"t1":"soon"}`))
	require.Error(t, err)
}

func TestQualityFromMetrics(t *testing.T) {
	require.Equal(t, QualityExcellent, QualityFromMetrics(5, 0))
	require.Equal(t, QualityGood, QualityFromMetrics(5, 0.05))
	require.Equal(t, QualityGood, QualityFromMetrics(30, 0))
	require.Equal(t, QualityFair, QualityFromMetrics(80, 0.5))
	require.Equal(t, QualityPoor, QualityFromMetrics(150, 2))
	require.Equal(t, QualityCritical, QualityFromMetrics(300, 0))
	require.Equal(t, QualityCritical, QualityFromMetrics(5, 10))
}

func TestQualityBuffers(t *testing.T) {
	require.Equal(t, uint64(30), QualityExcellent.RecommendedBufferMS())
	require.Equal(t, uint64(80), QualityGood.RecommendedBufferMS())
	require.Equal(t, uint64(120), QualityFair.RecommendedBufferMS())
	require.Equal(t, uint64(180), QualityPoor.RecommendedBufferMS())
	require.Equal(t, uint64(250), QualityCritical.RecommendedBufferMS())

	require.Equal(t, uint64(5), QualityExcellent.JitterBufferMS())
	require.Equal(t, uint64(80), QualityCritical.JitterBufferMS())
}

func TestQualityOrdering(t *testing.T) {
	require.Less(t, QualityExcellent, QualityGood)
	require.Less(t, QualityGood, QualityFair)
	require.Less(t, QualityFair, QualityPoor)
	require.Less(t, QualityPoor, QualityCritical)
}

func TestErrorCodes(t *testing.T) {
	codes := map[ErrorCode]string{
		ErrAuthenticationFailed: "AuthenticationFailed",
		ErrUnauthorized:         "Unauthorized",
		ErrNotFound:             "NotFound",
		ErrRateLimited:          "RateLimited",
		ErrInternalError:        "InternalError",
		ErrProtocolError:        "ProtocolError",
		ErrNetworkError:         "NetworkError",
		ErrClockSyncFailed:      "ClockSyncFailed",
		ErrMediaError:           "MediaError",
		ErrClusterError:         "ClusterError",
	}
	for code, name := range codes {
		require.Equal(t, name, code.String())
	}
	require.Equal(t, 404, int(ErrNotFound))
	require.Equal(t, 510, int(ErrClockSyncFailed))

	err := Errorf(ErrNotFound, "track not found: %s", "bgm")
	require.Equal(t, "404 NotFound: track not found: bgm", err.Error())
}

func TestHeaderStamping(t *testing.T) {
	nodeID := uuid.New()
	head := NewHeader(nodeID, 7)
	require.Equal(t, nodeID, head.NodeID)
	require.Equal(t, uint64(7), head.Sequence)
	require.NotEqual(t, uuid.Nil, head.ID)
	require.Greater(t, head.Timestamp, 0.0)
}
