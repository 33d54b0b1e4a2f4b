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
	"fmt"

	"github.com/google/uuid"
)

// Message type discriminators, snake_case on the wire
const (
	TypeHello             = "hello"
	TypeClockSync         = "clock_sync"
	TypeClockSyncResponse = "clock_sync_response"
	TypeMediaControl      = "media_control"
	TypeMediaData         = "media_data"
	TypeNodeAnnounce      = "node_announce"
	TypeNodeStatus        = "node_status"
	TypeMasterElection    = "master_election"
	TypeHeartbeat         = "heartbeat"
	TypeError             = "error"
)

// Message is any protocol message variant
type Message interface {
	// MsgType returns the wire discriminator of the variant
	MsgType() string
	// Header returns the common message header
	Header() *MessageHeader
}

// HelloMessage is the initial handshake in both directions
type HelloMessage struct {
	Head            MessageHeader `json:"header"`
	ProtocolVersion string        `json:"protocol_version"`
	Capabilities    []string      `json:"capabilities"`
	NodeType        NodeType      `json:"node_type"`
	AuthToken       *string       `json:"auth_token"`
}

// ClockSyncMessage is a clock synchronization request carrying the
// client departure timestamp
type ClockSyncMessage struct {
	Head MessageHeader `json:"header"`
	T1   float64       `json:"t1"`
}

// ClockSyncResponse carries the server receive and send timestamps
// along with the echoed client timestamp
type ClockSyncResponse struct {
	Head MessageHeader `json:"header"`
	T1   float64       `json:"t1"`
	T2   float64       `json:"t2"`
	T3   float64       `json:"t3"`
}

// MediaAction is the playback control verb
type MediaAction int

// All the media actions
const (
	ActionPlay MediaAction = iota
	ActionPause
	ActionStop
	ActionSeek
	ActionLoad
	ActionUnload
)

var mediaActionNames = map[MediaAction]string{
	ActionPlay:   "play",
	ActionPause:  "pause",
	ActionStop:   "stop",
	ActionSeek:   "seek",
	ActionLoad:   "load",
	ActionUnload: "unload",
}

func (a MediaAction) String() string {
	if s, ok := mediaActionNames[a]; ok {
		return s
	}
	return "UNSUPPORTED"
}

// MarshalJSON marshals MediaAction as its snake_case name
func (a MediaAction) MarshalJSON() ([]byte, error) {
	s, ok := mediaActionNames[a]
	if !ok {
		return nil, fmt.Errorf("unsupported media action %d", int(a))
	}
	return json.Marshal(s)
}

// UnmarshalJSON unmarshals MediaAction from its snake_case name
func (a *MediaAction) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for v, name := range mediaActionNames {
		if name == s {
			*a = v
			return nil
		}
	}
	return fmt.Errorf("unknown media action %q", s)
}

// MediaParams are optional knobs attached to a control command
type MediaParams struct {
	Volume       *float32 `json:"volume"`
	LoopCount    *uint32  `json:"loop_count"`
	FadeInMS     *uint32  `json:"fade_in_ms"`
	FadeOutMS    *uint32  `json:"fade_out_ms"`
	SeekPosition *float64 `json:"seek_position"`
}

// MediaControlMessage commands playback of a track at a network clock
// instant
type MediaControlMessage struct {
	Head    MessageHeader `json:"header"`
	Action  MediaAction   `json:"action"`
	TrackID string        `json:"track_id"`
	StartAt float64       `json:"start_at"`
	Params  MediaParams   `json:"params"`
}

// MediaDataMessage carries one encoded media chunk for a track
type MediaDataMessage struct {
	Head       MessageHeader `json:"header"`
	TrackID    string        `json:"track_id"`
	ChunkIndex uint64        `json:"chunk_index"`
	Timestamp  float64       `json:"timestamp"`
	Duration   float64       `json:"duration"`
	Data       []byte        `json:"data"`
	Codec      string        `json:"codec"`
	IsKeyframe bool          `json:"is_keyframe"`
}

// NodeAnnounceMessage advertises a node for cluster discovery
type NodeAnnounceMessage struct {
	Head         MessageHeader `json:"header"`
	NodeType     NodeType      `json:"node_type"`
	Capabilities []string      `json:"capabilities"`
	Endpoint     string        `json:"endpoint"`
	PublicKey    []byte        `json:"public_key"`
}

// NodeStatusMessage is a periodic health and link quality report
type NodeStatusMessage struct {
	Head              MessageHeader  `json:"header"`
	NodeType          NodeType       `json:"node_type"`
	ConnectedClients  uint32         `json:"connected_clients"`
	CPUUsage          float32        `json:"cpu_usage"`
	MemoryUsage       float32        `json:"memory_usage"`
	BatteryLevel      *float32       `json:"battery_level"`
	NetworkQuality    NetworkQuality `json:"network_quality"`
	AvgRTTMS          float64        `json:"avg_rtt_ms"`
	PacketLossPercent float64        `json:"packet_loss_percent"`
	UptimeSeconds     uint64         `json:"uptime_seconds"`
}

// MasterElectionMessage carries a master election round
type MasterElectionMessage struct {
	Head           MessageHeader `json:"header"`
	ElectionID     uuid.UUID     `json:"election_id"`
	CandidateScore float64       `json:"candidate_score"`
	CurrentMaster  *uuid.UUID    `json:"current_master"`
}

// HeartbeatMessage keeps a connection alive; the server echoes it
// back with its own network clock reading
type HeartbeatMessage struct {
	Head       MessageHeader `json:"header"`
	ClientTime float64       `json:"client_time"`
	ServerTime *float64      `json:"server_time"`
}

// ErrorMessage reports a failure to the remote side
type ErrorMessage struct {
	Head    MessageHeader   `json:"header"`
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details"`
}

// MsgType implementations

// MsgType returns the wire discriminator
func (m *HelloMessage) MsgType() string { return TypeHello }

// MsgType returns the wire discriminator
func (m *ClockSyncMessage) MsgType() string { return TypeClockSync }

// MsgType returns the wire discriminator
func (m *ClockSyncResponse) MsgType() string { return TypeClockSyncResponse }

// MsgType returns the wire discriminator
func (m *MediaControlMessage) MsgType() string { return TypeMediaControl }

// MsgType returns the wire discriminator
func (m *MediaDataMessage) MsgType() string { return TypeMediaData }

// MsgType returns the wire discriminator
func (m *NodeAnnounceMessage) MsgType() string { return TypeNodeAnnounce }

// MsgType returns the wire discriminator
func (m *NodeStatusMessage) MsgType() string { return TypeNodeStatus }

// MsgType returns the wire discriminator
func (m *MasterElectionMessage) MsgType() string { return TypeMasterElection }

// MsgType returns the wire discriminator
func (m *HeartbeatMessage) MsgType() string { return TypeHeartbeat }

// MsgType returns the wire discriminator
func (m *ErrorMessage) MsgType() string { return TypeError }

// Header implementations

// Header returns the common message header
func (m *HelloMessage) Header() *MessageHeader { return &m.Head }

// Header returns the common message header
func (m *ClockSyncMessage) Header() *MessageHeader { return &m.Head }

// Header returns the common message header
func (m *ClockSyncResponse) Header() *MessageHeader { return &m.Head }

// Header returns the common message header
func (m *MediaControlMessage) Header() *MessageHeader { return &m.Head }

// Header returns the common message header
func (m *MediaDataMessage) Header() *MessageHeader { return &m.Head }

// Header returns the common message header
func (m *NodeAnnounceMessage) Header() *MessageHeader { return &m.Head }

// Header returns the common message header
func (m *NodeStatusMessage) Header() *MessageHeader { return &m.Head }

// Header returns the common message header
func (m *MasterElectionMessage) Header() *MessageHeader { return &m.Head }

// Header returns the common message header
func (m *HeartbeatMessage) Header() *MessageHeader { return &m.Head }

// Header returns the common message header
func (m *ErrorMessage) Header() *MessageHeader { return &m.Head }

// Encode serializes a message, injecting the type discriminator
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", m.MsgType(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", m.MsgType(), err)
	}
	t, _ := json.Marshal(m.MsgType())
	fields["type"] = t
	return json.Marshal(fields)
}

// Decode parses a wire message into its typed variant.
// Unknown discriminators and malformed payloads produce an *Error
// with code ProtocolError.
func Decode(data []byte) (Message, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, Errorf(ErrProtocolError, "malformed message: %v", err)
	}
	var m Message
	switch probe.Type {
	case TypeHello:
		m = &HelloMessage{}
	case TypeClockSync:
		m = &ClockSyncMessage{}
	case TypeClockSyncResponse:
		m = &ClockSyncResponse{}
	case TypeMediaControl:
		m = &MediaControlMessage{}
	case TypeMediaData:
		m = &MediaDataMessage{}
	case TypeNodeAnnounce:
		m = &NodeAnnounceMessage{}
	case TypeNodeStatus:
		m = &NodeStatusMessage{}
	case TypeMasterElection:
		m = &MasterElectionMessage{}
	case TypeHeartbeat:
		m = &HeartbeatMessage{}
	case TypeError:
		m = &ErrorMessage{}
	case "":
		return nil, Errorf(ErrProtocolError, "missing message type")
	default:
		return nil, Errorf(ErrProtocolError, "unknown message type %q", probe.Type)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, Errorf(ErrProtocolError, "malformed %s: %v", probe.Type, err)
	}
	if m.Header().ID == uuid.Nil || m.Header().NodeID == uuid.Nil {
		return nil, Errorf(ErrProtocolError, "%s without a valid header", probe.Type)
	}
	return m, nil
}
