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
Package media implements scheduled media delivery: named frame
streams, per-client adaptive future buffers and the fan-out scheduler
that stamps every outgoing frame with a future network clock
presentation time.
*/
package media

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/yukihamada/solusync-x/clock"
	"github.com/yukihamada/solusync-x/protocol"
	"github.com/yukihamada/solusync-x/stats"
)

const (
	controlQueueSize = 100
	statsInterval    = 5 * time.Second

	// starting point for every client's future buffer
	initialLatency = 80 * time.Millisecond
)

// TransportSink delivers stamped frames to one client. The transport
// behind it (WebRTC, websocket binary frames) is outside the core.
type TransportSink interface {
	// SendFrame hands one frame of a track to the transport together
	// with the network clock instant it must be rendered at
	SendFrame(trackID string, presentationTime float64, frame *Frame) error
}

// Client is one connected media consumer
type Client struct {
	id      uuid.UUID
	sink    TransportSink
	buffer  *DynamicFutureBuffer
	quality *clock.QualityEstimator

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

// ID returns the client id
func (c *Client) ID() uuid.UUID {
	return c.id
}

// Buffer returns the client's future buffer
func (c *Client) Buffer() *DynamicFutureBuffer {
	return c.buffer
}

// Quality returns the client's network quality estimator
func (c *Client) Quality() *clock.QualityEstimator {
	return c.quality
}

// SubscribedTracks returns the tracks the client currently consumes
func (c *Client) SubscribedTracks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	tracks := make([]string, 0, len(c.subs))
	for t := range c.subs {
		tracks = append(tracks, t)
	}
	return tracks
}

// MediaServer manages streams, clients and the frame fan-out. It
// reads time from the shared network clock only.
type MediaServer struct {
	clk *clock.ClockManager
	st  stats.Stats

	mu      sync.RWMutex
	streams map[string]*Stream
	clients map[uuid.UUID]*Client

	control chan *protocol.MediaControlMessage
}

// NewMediaServer creates a media server wired to the shared clock
// manager
func NewMediaServer(clk *clock.ClockManager, st stats.Stats) *MediaServer {
	return &MediaServer{
		clk:     clk,
		st:      st,
		streams: map[string]*Stream{},
		clients: map[uuid.UUID]*Client{},
		control: make(chan *protocol.MediaControlMessage, controlQueueSize),
	}
}

// CreateStream registers a stream. Re-creating an existing track
// replaces its codec metadata and keeps its subscribers.
func (s *MediaServer) CreateStream(trackID string, codec Codec) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.streams[trackID]; ok {
		existing.SetCodec(codec)
		log.Infof("replaced codec on media stream: %s", trackID)
		return
	}
	s.streams[trackID] = NewStream(trackID, codec)
	log.Infof("created media stream: %s", trackID)
}

// RemoveStream destroys a stream and detaches its subscribers
func (s *MediaServer) RemoveStream(trackID string) error {
	s.mu.Lock()
	stream, ok := s.streams[trackID]
	if ok {
		delete(s.streams, trackID)
	}
	s.mu.Unlock()

	if !ok {
		return protocol.Errorf(protocol.ErrNotFound, "track not found: %s", trackID)
	}
	stream.Close()
	log.Infof("removed media stream: %s", trackID)
	return nil
}

// Stream returns a stream by track id
func (s *MediaServer) Stream(trackID string) (*Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.streams[trackID]
	return stream, ok
}

// StreamCount returns the number of active streams
func (s *MediaServer) StreamCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams)
}

// AddClient registers a media consumer with a fresh future buffer
func (s *MediaServer) AddClient(clientID uuid.UUID, sink TransportSink) *Client {
	client := &Client{
		id:      clientID,
		sink:    sink,
		buffer:  NewDynamicFutureBuffer(initialLatency, protocol.QualityGood),
		quality: clock.NewQualityEstimator(),
		subs:    map[string]context.CancelFunc{},
	}

	s.mu.Lock()
	old, had := s.clients[clientID]
	s.clients[clientID] = client
	s.mu.Unlock()

	if had {
		old.cancelAll()
	}
	log.Infof("added media client: %s", clientID)
	return client
}

// RemoveClient tears down a client's subscriptions and forgets it
func (s *MediaServer) RemoveClient(clientID uuid.UUID) {
	s.mu.Lock()
	client, ok := s.clients[clientID]
	if ok {
		delete(s.clients, clientID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	client.cancelAll()
	log.Infof("removed media client: %s", clientID)
}

// Client returns a client by id
func (s *MediaServer) Client(clientID uuid.UUID) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	return c, ok
}

// Clients returns all registered clients
func (s *MediaServer) Clients() []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// ClientCount returns the number of registered clients
func (s *MediaServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (c *Client) cancelAll() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.subs))
	for _, cancel := range c.subs {
		cancels = append(cancels, cancel)
	}
	c.subs = map[string]context.CancelFunc{}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// UpdateClientQuality feeds a quality report into the client's buffer
func (s *MediaServer) UpdateClientQuality(clientID uuid.UUID, quality protocol.NetworkQuality) {
	client, ok := s.Client(clientID)
	if !ok {
		return
	}
	client.buffer.UpdateNetworkQuality(quality)
	log.Debugf("updated client %s network quality: %s, buffer: %dms",
		clientID, quality, quality.RecommendedBufferMS())
}

// ReportUnderrun records a client-reported playback starvation
func (s *MediaServer) ReportUnderrun(clientID uuid.UUID) {
	if client, ok := s.Client(clientID); ok {
		client.buffer.ReportUnderrun()
		s.st.IncUnderrun()
	}
}

// ReportOverrun records a client-reported excess buffer depth
func (s *MediaServer) ReportOverrun(clientID uuid.UUID) {
	if client, ok := s.Client(clientID); ok {
		client.buffer.ReportOverrun()
		s.st.IncOverrun()
	}
}

// Subscribe attaches a client to a track and starts its forwarder.
// Fails synchronously when the track or client is unknown.
func (s *MediaServer) Subscribe(clientID uuid.UUID, trackID string) error {
	s.mu.RLock()
	stream, haveStream := s.streams[trackID]
	client, haveClient := s.clients[clientID]
	s.mu.RUnlock()

	if !haveStream {
		return protocol.Errorf(protocol.ErrNotFound, "track not found: %s", trackID)
	}
	if !haveClient {
		return protocol.Errorf(protocol.ErrNotFound, "client not found: %s", clientID)
	}

	client.mu.Lock()
	if _, subscribed := client.subs[trackID]; subscribed {
		client.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	client.subs[trackID] = cancel
	client.mu.Unlock()

	sub := stream.Subscribe(clientID)
	go s.forward(ctx, client, stream, sub)

	log.Infof("client %s subscribed to %s", clientID, trackID)
	return nil
}

// Unsubscribe detaches a client from a track
func (s *MediaServer) Unsubscribe(clientID uuid.UUID, trackID string) {
	client, ok := s.Client(clientID)
	if !ok {
		return
	}
	client.mu.Lock()
	cancel, subscribed := client.subs[trackID]
	if subscribed {
		delete(client.subs, trackID)
	}
	client.mu.Unlock()
	if subscribed {
		cancel()
	}
}

// forward pumps one subscription to one client's transport. Frames
// are stamped with now + target latency, never before the stream's
// armed start and never decreasing for this subscriber. Send failures
// are counted and never disturb sibling subscribers.
func (s *MediaServer) forward(ctx context.Context, client *Client, stream *Stream, sub *Subscription) {
	defer func() {
		stream.Unsubscribe(client.id)
		client.mu.Lock()
		delete(client.subs, stream.TrackID())
		client.mu.Unlock()
	}()

	var lastPT float64
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sub.Frames():
			if !ok {
				return
			}

			// broadcast lag means the client cannot keep up: feed it
			// back into the buffer as synthetic underruns
			if lag := sub.TakeLag(); lag > 0 {
				log.Debugf("client %s lagged %d frames on %s", client.id, lag, stream.TrackID())
				client.buffer.ReportUnderrun()
				s.st.IncUnderrun()
				for i := uint64(0); i < lag; i++ {
					s.st.IncFrameDropped()
				}
			}

			if !stream.Playing() {
				continue
			}

			pt := s.clk.Now() + client.buffer.TargetLatency()
			if startAt := stream.StartAt(); pt < startAt {
				pt = startAt
			}
			if pt < lastPT {
				pt = lastPT
			}
			lastPT = pt

			if err := client.sink.SendFrame(stream.TrackID(), pt, frame); err != nil {
				s.st.IncSendError()
				log.Debugf("frame send to %s failed: %v", client.id, err)
				continue
			}
			s.st.IncFrameSent()
		}
	}
}

// Publish fans one frame out to a track's subscribers
func (s *MediaServer) Publish(trackID string, frame *Frame) error {
	stream, ok := s.Stream(trackID)
	if !ok {
		return protocol.Errorf(protocol.ErrNotFound, "track not found: %s", trackID)
	}
	stream.Publish(frame)
	return nil
}

// PublishData converts a media data message into a frame and
// publishes it
func (s *MediaServer) PublishData(msg *protocol.MediaDataMessage) error {
	frame := &Frame{
		Data:      msg.Data,
		Timestamp: msg.Timestamp,
		Duration:  msg.Duration,
		Type:      frameTypeFor(msg.Codec, msg.IsKeyframe),
		Sequence:  msg.ChunkIndex,
	}
	return s.Publish(msg.TrackID, frame)
}

func frameTypeFor(codec string, keyframe bool) FrameType {
	switch strings.ToLower(codec) {
	case "h264", "h265", "vp8", "vp9", "av1":
		if keyframe {
			return FrameVideoKeyframe
		}
		return FrameVideo
	default:
		return FrameAudio
	}
}

// SubmitControl queues a control command for processing. Never
// blocks; when the control queue is full the command is rejected.
func (s *MediaServer) SubmitControl(msg *protocol.MediaControlMessage) error {
	select {
	case s.control <- msg:
		return nil
	default:
		return protocol.Errorf(protocol.ErrRateLimited, "control queue full")
	}
}

// ProcessControl dispatches one media control command
func (s *MediaServer) ProcessControl(msg *protocol.MediaControlMessage) error {
	switch msg.Action {
	case protocol.ActionLoad:
		codec := DefaultCodec("opus")
		s.CreateStream(msg.TrackID, codec)
		return nil
	case protocol.ActionUnload:
		return s.RemoveStream(msg.TrackID)
	}

	stream, ok := s.Stream(msg.TrackID)
	if !ok {
		return protocol.Errorf(protocol.ErrNotFound, "track not found: %s", msg.TrackID)
	}

	switch msg.Action {
	case protocol.ActionPlay:
		stream.Play(msg.StartAt)
	case protocol.ActionPause:
		stream.Pause()
	case protocol.ActionStop:
		stream.Stop()
	case protocol.ActionSeek:
		if msg.Params.SeekPosition == nil {
			return protocol.Errorf(protocol.ErrMediaError, "seek without position on %s", msg.TrackID)
		}
		stream.Seek(*msg.Params.SeekPosition)
	default:
		return protocol.Errorf(protocol.ErrMediaError, "unsupported action %s", msg.Action)
	}
	return nil
}

// Run processes control commands and reports gauges until the
// context is cancelled
func (s *MediaServer) Run(ctx context.Context) {
	log.Infof("media server started")

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof("media server stopped")
			return
		case <-ticker.C:
			s.logStats()
		case msg := <-s.control:
			if err := s.ProcessControl(msg); err != nil {
				log.Errorf("error processing control command: %v", err)
			}
		}
	}
}

func (s *MediaServer) logStats() {
	s.mu.RLock()
	streams := len(s.streams)
	clients := len(s.clients)
	s.mu.RUnlock()

	s.st.SetStreams(int64(streams))
	s.st.SetClients(int64(clients))
	log.Debugf("media server stats: %d streams, %d clients", streams, clients)
}
