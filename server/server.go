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

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	version "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yukihamada/solusync-x/clock"
	"github.com/yukihamada/solusync-x/media"
	"github.com/yukihamada/solusync-x/protocol"
	"github.com/yukihamada/solusync-x/stats"
)

const sendQueueSize = 100

var serverCapabilities = []string{"clock_sync", "media_streaming", "cluster"}

// Server is the control server: it owns the websocket boundary and
// wires messages into the clock and media cores
type Server struct {
	Config *Config
	Clock  *clock.ClockManager
	Media  *media.MediaServer
	Stats  stats.Stats

	mu      sync.RWMutex
	clients map[uuid.UUID]*clientConn

	sequence atomic.Uint64
	upgrader websocket.Upgrader
}

// clientConn is one connected node
type clientConn struct {
	id           uuid.UUID
	conn         *websocket.Conn
	send         chan protocol.Message
	nodeType     protocol.NodeType
	capabilities []string
	greeted      atomic.Bool
}

// NewServer creates a control server around the shared cores
func NewServer(cfg *Config, clk *clock.ClockManager, med *media.MediaServer, st stats.Stats) *Server {
	return &Server{
		Config:  cfg,
		Clock:   clk,
		Media:   med,
		Stats:   st,
		clients: map[uuid.UUID]*clientConn{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) nextSeq() uint64 {
	return s.sequence.Add(1)
}

// Start runs the listener and the core background tasks until the
// context is cancelled
func (s *Server) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "SOLUSync Server %s\n", protocol.Version)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "OK\n")
	})

	httpServer := &http.Server{Addr: s.Config.ListenAddr, Handler: mux}

	eg.Go(func() error {
		log.Infof("SOLUSync server listening on %s", s.Config.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		return httpServer.Close()
	})
	eg.Go(func() error {
		s.Clock.Run(ctx)
		return nil
	})
	eg.Go(func() error {
		s.Media.Run(ctx)
		return nil
	})
	eg.Go(func() error {
		s.runGauges(ctx)
		return nil
	})
	eg.Go(func() error {
		s.runStatusReports(ctx)
		return nil
	})

	return eg.Wait()
}

// runGauges refreshes snapshot gauges for the monitoring endpoint
func (s *Server) runGauges(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Stats.SetPeers(int64(s.Clock.PeerCount()))
			s.mu.RLock()
			s.Stats.SetClients(int64(len(s.clients)))
			s.mu.RUnlock()
			s.Stats.Snapshot()
		}
	}
}

// handleWS upgrades one connection and runs its pumps
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("websocket upgrade failed: %v", err)
		return
	}
	s.handleConnection(conn)
}

// handleConnection owns one client connection for its lifetime
func (s *Server) handleConnection(conn *websocket.Conn) {
	clientID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())

	client := &clientConn{
		id:   clientID,
		conn: conn,
		send: make(chan protocol.Message, sendQueueSize),
	}

	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()

	log.Infof("new websocket connection: %s", clientID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(ctx, client)
	}()
	go func() {
		defer wg.Done()
		s.syncLoop(ctx, client)
	}()

	s.readPump(client)

	cancel()
	s.removeClient(client)
	wg.Wait()
}

// readPump dispatches inbound messages until the connection breaks
func (s *Server) readPump(client *clientConn) {
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Errorf("websocket error for %s: %v", client.id, err)
			} else {
				log.Infof("client %s disconnected", client.id)
			}
			return
		}
		s.handleMessage(client, data)
	}
}

// writePump serializes outbound messages onto the connection
func (s *Server) writePump(ctx context.Context, client *clientConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-client.send:
			data, err := protocol.Encode(msg)
			if err != nil {
				log.Errorf("failed to serialize message: %v", err)
				continue
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			s.Stats.IncTX(msg.MsgType())
		}
	}
}

// syncLoop drives the periodic sync exchange with this node so the
// peer registry keeps a filtered offset for it
func (s *Server) syncLoop(ctx context.Context, client *clientConn) {
	interval := s.Config.HeartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !client.greeted.Load() {
				continue
			}
			s.enqueue(client, &protocol.ClockSyncMessage{
				Head: protocol.NewHeader(s.Clock.NodeID(), s.nextSeq()),
				T1:   s.Clock.Now(),
			})
		}
	}
}

// enqueue hands a message to the client's writer. Slow clients lose
// messages instead of stalling the server.
func (s *Server) enqueue(client *clientConn, msg protocol.Message) {
	select {
	case client.send <- msg:
	default:
		log.Warningf("send queue full for %s, dropping %s", client.id, msg.MsgType())
	}
}

func (s *Server) sendError(client *clientConn, code protocol.ErrorCode, message string) {
	s.enqueue(client, &protocol.ErrorMessage{
		Head:    protocol.NewHeader(s.Clock.NodeID(), s.nextSeq()),
		Code:    code,
		Message: message,
	})
}

// handleMessage decodes and dispatches one inbound message. Decode
// failures are reported to the sender only and never disturb other
// clients or the registries.
func (s *Server) handleMessage(client *clientConn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.Stats.IncDecodeError()
		log.Warningf("bad message from %s: %v", client.id, err)
		s.sendError(client, protocol.ErrProtocolError, err.Error())
		return
	}
	s.Stats.IncRX(msg.MsgType())

	switch m := msg.(type) {
	case *protocol.HelloMessage:
		s.handleHello(client, m)
	case *protocol.ClockSyncMessage:
		s.handleClockSync(client, m)
	case *protocol.ClockSyncResponse:
		s.handleClockSyncResponse(client, m)
	case *protocol.HeartbeatMessage:
		s.handleHeartbeat(client, m)
	case *protocol.MediaControlMessage:
		s.handleMediaControl(client, m)
	case *protocol.MediaDataMessage:
		if err := s.Media.PublishData(m); err != nil {
			s.replyError(client, err)
		}
	case *protocol.NodeStatusMessage:
		s.handleNodeStatus(client, m)
	case *protocol.ErrorMessage:
		log.Warningf("error from %s: %d %s", client.id, int(m.Code), m.Message)
	default:
		// NodeAnnounce and MasterElection belong to the cluster
		// layer, which is not wired in yet
		log.Debugf("unhandled message type %s from %s", msg.MsgType(), client.id)
	}
}

func (s *Server) replyError(client *clientConn, err error) {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		s.sendError(client, perr.Code, perr.Msg)
		return
	}
	s.sendError(client, protocol.ErrInternalError, err.Error())
}

// handleHello completes the handshake and registers the node as a
// media client
func (s *Server) handleHello(client *clientConn, hello *protocol.HelloMessage) {
	log.Infof("client %s hello: type=%s, version=%s, capabilities=%v",
		client.id, hello.NodeType, hello.ProtocolVersion, hello.Capabilities)

	if s.Config.MinProtocolVersion != "" {
		if err := checkVersion(hello.ProtocolVersion, s.Config.MinProtocolVersion); err != nil {
			s.sendError(client, protocol.ErrProtocolError, err.Error())
			return
		}
	}

	client.nodeType = hello.NodeType
	client.capabilities = hello.Capabilities
	client.greeted.Store(true)

	s.Media.AddClient(client.id, &wsSink{server: s, client: client})

	s.enqueue(client, &protocol.HelloMessage{
		Head:            protocol.NewHeader(s.Clock.NodeID(), s.nextSeq()),
		ProtocolVersion: protocol.Version,
		Capabilities:    serverCapabilities,
		NodeType:        protocol.NodeMaster,
	})
}

func checkVersion(got, minimum string) error {
	v, err := version.NewVersion(got)
	if err != nil {
		return fmt.Errorf("unparseable protocol version %q: %w", got, err)
	}
	minV, err := version.NewVersion(minimum)
	if err != nil {
		return fmt.Errorf("unparseable minimum version %q: %w", minimum, err)
	}
	if v.LessThan(minV) {
		return fmt.Errorf("protocol version %s is older than minimum %s", got, minimum)
	}
	return nil
}

// handleClockSync answers a sync request. t2 is captured on receipt,
// t3 as late as possible before the response is queued.
func (s *Server) handleClockSync(client *clientConn, m *protocol.ClockSyncMessage) {
	resp := clock.BuildResponse(s.Clock, m, s.Clock.NodeID(), s.nextSeq())
	s.enqueue(client, resp)
}

// handleClockSyncResponse closes our own sync exchange with the node:
// t4 is captured on arrival, the sample goes to the registry and its
// RTT feeds the client's quality estimate
func (s *Server) handleClockSyncResponse(client *clientConn, m *protocol.ClockSyncResponse) {
	t4 := s.Clock.Now()
	sample := clock.ProcessResponse(m.T1, m, t4)

	s.Clock.AddSample(client.id, sample)
	s.Stats.IncClockSample()

	if mc, ok := s.Media.Client(client.id); ok {
		mc.Quality().AddRTT(sample.RTT)
		s.Media.UpdateClientQuality(client.id, mc.Quality().Quality())
	}
}

func (s *Server) handleHeartbeat(client *clientConn, m *protocol.HeartbeatMessage) {
	serverTime := s.Clock.Now()
	resp := *m
	resp.ServerTime = &serverTime
	s.enqueue(client, &resp)
}

// handleMediaControl subscribes the commanding node to the track it
// plays and queues the command for the media server
func (s *Server) handleMediaControl(client *clientConn, m *protocol.MediaControlMessage) {
	if err := s.Media.SubmitControl(m); err != nil {
		s.replyError(client, err)
		return
	}

	// a playing client consumes the track it started
	if m.Action == protocol.ActionPlay {
		if _, ok := s.Media.Client(client.id); ok {
			if err := s.Media.Subscribe(client.id, m.TrackID); err != nil {
				s.replyError(client, err)
			}
		}
	}
}

// handleNodeStatus folds a reported quality into the client's buffer.
// Reported metrics always map through the standard quality table.
func (s *Server) handleNodeStatus(client *clientConn, m *protocol.NodeStatusMessage) {
	quality := protocol.QualityFromMetrics(m.AvgRTTMS, m.PacketLossPercent)
	s.Media.UpdateClientQuality(client.id, quality)
}

// removeClient tears down everything the connection owned
func (s *Server) removeClient(client *clientConn) {
	s.mu.Lock()
	delete(s.clients, client.id)
	s.mu.Unlock()

	s.Media.RemoveClient(client.id)
	_ = client.conn.Close()
	log.Infof("removed client: %s", client.id)
}

// ClientCount returns the number of open connections
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast queues a message for every connected client
func (s *Server) Broadcast(msg protocol.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		s.enqueue(client, msg)
	}
}

// wsSink delivers scheduled frames to one client as media data
// messages over its websocket
type wsSink struct {
	server *Server
	client *clientConn
}

// SendFrame implements media.TransportSink
func (w *wsSink) SendFrame(trackID string, presentationTime float64, frame *media.Frame) error {
	codec := ""
	if stream, ok := w.server.Media.Stream(trackID); ok {
		codec = stream.Codec().Name
	}

	msg := &protocol.MediaDataMessage{
		Head:       protocol.NewHeader(w.server.Clock.NodeID(), w.server.nextSeq()),
		TrackID:    trackID,
		ChunkIndex: frame.Sequence,
		Timestamp:  presentationTime,
		Duration:   frame.Duration,
		Data:       frame.Data,
		Codec:      codec,
		IsKeyframe: frame.Type == media.FrameVideoKeyframe,
	}

	select {
	case w.client.send <- msg:
		return nil
	default:
		return fmt.Errorf("send queue full for %s", w.client.id)
	}
}
