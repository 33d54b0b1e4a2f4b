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
Package protocol implements the SOLUSync wire protocol: a tagged union
of JSON messages sharing a common header, exchanged over a
bidirectional text frame transport.
*/
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/yukihamada/solusync-x/timestamp"
)

// Version is the protocol version announced in Hello messages
const Version = "0.1.0"

// NodeType describes the role of a node in the cluster
type NodeType int

// All the node types
const (
	NodeMaster NodeType = iota
	NodeReplica
	NodeClient
)

var nodeTypeNames = map[NodeType]string{
	NodeMaster:  "Master",
	NodeReplica: "Replica",
	NodeClient:  "Client",
}

func (n NodeType) String() string {
	if s, ok := nodeTypeNames[n]; ok {
		return s
	}
	return "UNSUPPORTED"
}

// MarshalJSON marshals NodeType as its name
func (n NodeType) MarshalJSON() ([]byte, error) {
	s, ok := nodeTypeNames[n]
	if !ok {
		return nil, fmt.Errorf("unsupported node type %d", int(n))
	}
	return json.Marshal(s)
}

// UnmarshalJSON unmarshals NodeType from its name
func (n *NodeType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for t, name := range nodeTypeNames {
		if name == s {
			*n = t
			return nil
		}
	}
	return fmt.Errorf("unknown node type %q", s)
}

// NetworkQuality is an ordered indicator of link quality,
// Excellent being the best and Critical the worst
type NetworkQuality int

// All the network quality levels
const (
	QualityExcellent NetworkQuality = iota
	QualityGood
	QualityFair
	QualityPoor
	QualityCritical
)

var qualityNames = map[NetworkQuality]string{
	QualityExcellent: "Excellent",
	QualityGood:      "Good",
	QualityFair:      "Fair",
	QualityPoor:      "Poor",
	QualityCritical:  "Critical",
}

func (q NetworkQuality) String() string {
	if s, ok := qualityNames[q]; ok {
		return s
	}
	return "UNSUPPORTED"
}

// MarshalJSON marshals NetworkQuality as its name
func (q NetworkQuality) MarshalJSON() ([]byte, error) {
	s, ok := qualityNames[q]
	if !ok {
		return nil, fmt.Errorf("unsupported network quality %d", int(q))
	}
	return json.Marshal(s)
}

// UnmarshalJSON unmarshals NetworkQuality from its name
func (q *NetworkQuality) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for v, name := range qualityNames {
		if name == s {
			*q = v
			return nil
		}
	}
	return fmt.Errorf("unknown network quality %q", s)
}

// QualityFromMetrics derives the quality level from measured RTT and
// packet loss
func QualityFromMetrics(rttMS, lossPercent float64) NetworkQuality {
	switch {
	case rttMS < 10.0 && lossPercent == 0.0:
		return QualityExcellent
	case rttMS < 50.0 && lossPercent < 0.1:
		return QualityGood
	case rttMS < 100.0 && lossPercent < 1.0:
		return QualityFair
	case rttMS < 200.0 && lossPercent < 5.0:
		return QualityPoor
	default:
		return QualityCritical
	}
}

// RecommendedBufferMS returns the future buffer target for this
// quality level in milliseconds
func (q NetworkQuality) RecommendedBufferMS() uint64 {
	switch q {
	case QualityExcellent:
		return 30
	case QualityGood:
		return 80
	case QualityFair:
		return 120
	case QualityPoor:
		return 180
	default:
		return 250
	}
}

// JitterBufferMS returns the jitter buffer depth for this quality
// level in milliseconds, used by the transport layer
func (q NetworkQuality) JitterBufferMS() uint64 {
	switch q {
	case QualityExcellent:
		return 5
	case QualityGood:
		return 10
	case QualityFair:
		return 20
	case QualityPoor:
		return 40
	default:
		return 80
	}
}

// ErrorCode is a numeric error classification carried by Error messages
type ErrorCode int

// All the error codes
const (
	ErrAuthenticationFailed ErrorCode = 401
	ErrUnauthorized         ErrorCode = 403
	ErrNotFound             ErrorCode = 404
	ErrRateLimited          ErrorCode = 429
	ErrInternalError        ErrorCode = 500
	ErrProtocolError        ErrorCode = 501
	ErrNetworkError         ErrorCode = 502
	ErrClockSyncFailed      ErrorCode = 510
	ErrMediaError           ErrorCode = 520
	ErrClusterError         ErrorCode = 530
)

func (c ErrorCode) String() string {
	switch c {
	case ErrAuthenticationFailed:
		return "AuthenticationFailed"
	case ErrUnauthorized:
		return "Unauthorized"
	case ErrNotFound:
		return "NotFound"
	case ErrRateLimited:
		return "RateLimited"
	case ErrInternalError:
		return "InternalError"
	case ErrProtocolError:
		return "ProtocolError"
	case ErrNetworkError:
		return "NetworkError"
	case ErrClockSyncFailed:
		return "ClockSyncFailed"
	case ErrMediaError:
		return "MediaError"
	case ErrClusterError:
		return "ClusterError"
	}
	return "UNSUPPORTED"
}

// Error is a protocol-level error with a wire code
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s: %s", int(e.Code), e.Code, e.Msg)
}

// Errorf builds a protocol Error with a formatted message
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// MessageHeader is carried by every message on the wire
type MessageHeader struct {
	ID        uuid.UUID `json:"id"`
	Timestamp float64   `json:"timestamp"`
	NodeID    uuid.UUID `json:"node_id"`
	Sequence  uint64    `json:"sequence"`
}

// NewHeader creates a header stamped with the current time
func NewHeader(nodeID uuid.UUID, sequence uint64) MessageHeader {
	return MessageHeader{
		ID:        uuid.New(),
		Timestamp: timestamp.Now(),
		NodeID:    nodeID,
		Sequence:  sequence,
	}
}
