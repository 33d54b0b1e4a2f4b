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

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// frames buffered per subscriber before the publisher starts
// dropping for that subscriber
const subscriberBufferSize = 1000

// FrameType classifies a media frame
type FrameType int

// All the frame types
const (
	FrameAudio FrameType = iota
	FrameVideo
	FrameVideoKeyframe
)

func (f FrameType) String() string {
	switch f {
	case FrameAudio:
		return "audio"
	case FrameVideo:
		return "video"
	case FrameVideoKeyframe:
		return "video_keyframe"
	}
	return "UNSUPPORTED"
}

// Frame is one media frame flowing from a source to subscribers.
// Not retained by the core after fan-out.
type Frame struct {
	Data      []byte
	Timestamp float64
	Duration  float64
	Type      FrameType
	Sequence  uint64
}

// Codec describes the encoding of a stream
type Codec struct {
	Name       string
	Bitrate    uint32
	SampleRate uint32
	Channels   uint8
}

// DefaultCodec generates stream codec defaults
func DefaultCodec(name string) Codec {
	return Codec{
		Name:       name,
		Bitrate:    128000,
		SampleRate: 48000,
		Channels:   2,
	}
}

// playState is the playback state of a stream
type playState int

const (
	stateStopped playState = iota
	statePlaying
	statePaused
)

// Subscription is one consumer of a stream's frames. When a slow
// consumer's buffer is full, newly published frames are dropped for it
// instead of blocking the publisher, and the frames already buffered
// are kept; the number of lost frames is reported through TakeLag so
// the owner can translate it into synthetic underruns.
type Subscription struct {
	clientID uuid.UUID
	frames   chan *Frame
	lag      atomic.Uint64
}

// ClientID returns the subscribed client
func (s *Subscription) ClientID() uuid.UUID {
	return s.clientID
}

// Frames returns the channel frames are delivered on. It is closed
// when the subscription or the stream goes away.
func (s *Subscription) Frames() <-chan *Frame {
	return s.frames
}

// TakeLag returns the number of frames dropped for this subscriber
// since the last call, and resets the counter
func (s *Subscription) TakeLag() uint64 {
	return s.lag.Swap(0)
}

// Stream is a named broadcast of media frames. Every subscriber sees
// every frame exactly once unless it lags; publishers never block.
type Stream struct {
	trackID string

	mu      sync.RWMutex
	codec   Codec
	subs    map[uuid.UUID]*Subscription
	state   playState
	startAt float64
	seekPos float64

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewStream creates a stopped stream with no subscribers
func NewStream(trackID string, codec Codec) *Stream {
	return &Stream{
		trackID: trackID,
		codec:   codec,
		subs:    map[uuid.UUID]*Subscription{},
	}
}

// TrackID returns the stream name
func (st *Stream) TrackID() string {
	return st.trackID
}

// Codec returns the current codec metadata
func (st *Stream) Codec() Codec {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.codec
}

// SetCodec replaces the codec metadata, keeping subscribers
func (st *Stream) SetCodec(c Codec) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.codec = c
}

// Subscribe attaches a client as a consumer. A second subscribe from
// the same client replaces the previous subscription.
func (st *Stream) Subscribe(clientID uuid.UUID) *Subscription {
	sub := &Subscription{
		clientID: clientID,
		frames:   make(chan *Frame, subscriberBufferSize),
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if old, ok := st.subs[clientID]; ok {
		close(old.frames)
	}
	st.subs[clientID] = sub
	return sub
}

// Unsubscribe detaches a client and closes its frame channel
func (st *Stream) Unsubscribe(clientID uuid.UUID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if sub, ok := st.subs[clientID]; ok {
		delete(st.subs, clientID)
		close(sub.frames)
	}
}

// SubscriberCount returns the number of attached consumers
func (st *Stream) SubscriberCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.subs)
}

// Publish fans a frame out to all subscribers. Never blocks: a
// subscriber whose buffer is full loses the frame and its lag counter
// grows instead.
func (st *Stream) Publish(frame *Frame) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	st.published.Add(1)
	for _, sub := range st.subs {
		select {
		case sub.frames <- frame:
		default:
			sub.lag.Add(1)
			st.dropped.Add(1)
		}
	}
}

// Published returns the number of frames published to this stream
func (st *Stream) Published() uint64 {
	return st.published.Load()
}

// Dropped returns the number of per-subscriber frame drops
func (st *Stream) Dropped() uint64 {
	return st.dropped.Load()
}

// Play arms playback from the given network clock instant. Delivery
// of frames scheduled before startAt is pushed to startAt.
func (st *Stream) Play(startAt float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.state = statePlaying
	st.startAt = startAt
	log.Infof("play track %s at %.3f", st.trackID, startAt)
}

// Pause suspends delivery, keeping subscribers attached
func (st *Stream) Pause() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.state = statePaused
	log.Infof("pause track %s", st.trackID)
}

// Stop ends playback and clears the scheduled start
func (st *Stream) Stop() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.state = stateStopped
	st.startAt = 0
	st.seekPos = 0
	log.Infof("stop track %s", st.trackID)
}

// Seek records the position the source should resume from
func (st *Stream) Seek(position float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seekPos = position
	log.Infof("seek track %s to %.3f", st.trackID, position)
}

// Playing reports whether frames should currently be delivered
func (st *Stream) Playing() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.state == statePlaying
}

// StartAt returns the armed start instant, 0 when none
func (st *Stream) StartAt() float64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.startAt
}

// SeekPosition returns the last requested seek position
func (st *Stream) SeekPosition() float64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.seekPos
}

// Close detaches all subscribers and closes their channels
func (st *Stream) Close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, sub := range st.subs {
		delete(st.subs, id)
		close(sub.frames)
	}
}
