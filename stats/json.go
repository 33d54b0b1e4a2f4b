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

package stats

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// counters is the set of values we track
type counters struct {
	mux sync.Mutex

	rx map[string]int64
	tx map[string]int64

	decodeErrors  int64
	clockSamples  int64
	framesSent    int64
	framesDropped int64
	sendErrors    int64
	underruns     int64
	overruns      int64

	peers   int64
	clients int64
	streams int64
}

func (c *counters) init() {
	c.rx = map[string]int64{}
	c.tx = map[string]int64{}
}

func (c *counters) incMap(m map[string]int64, key string) {
	c.mux.Lock()
	defer c.mux.Unlock()
	m[key]++
}

func (c *counters) copyTo(dst *counters) {
	c.mux.Lock()
	defer c.mux.Unlock()
	dst.mux.Lock()
	defer dst.mux.Unlock()

	for k, v := range c.rx {
		dst.rx[k] = v
	}
	for k, v := range c.tx {
		dst.tx[k] = v
	}
	dst.decodeErrors = atomic.LoadInt64(&c.decodeErrors)
	dst.clockSamples = atomic.LoadInt64(&c.clockSamples)
	dst.framesSent = atomic.LoadInt64(&c.framesSent)
	dst.framesDropped = atomic.LoadInt64(&c.framesDropped)
	dst.sendErrors = atomic.LoadInt64(&c.sendErrors)
	dst.underruns = atomic.LoadInt64(&c.underruns)
	dst.overruns = atomic.LoadInt64(&c.overruns)
	dst.peers = atomic.LoadInt64(&c.peers)
	dst.clients = atomic.LoadInt64(&c.clients)
	dst.streams = atomic.LoadInt64(&c.streams)
}

func (c *counters) reset() {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.rx = map[string]int64{}
	c.tx = map[string]int64{}
	atomic.StoreInt64(&c.decodeErrors, 0)
	atomic.StoreInt64(&c.clockSamples, 0)
	atomic.StoreInt64(&c.framesSent, 0)
	atomic.StoreInt64(&c.framesDropped, 0)
	atomic.StoreInt64(&c.sendErrors, 0)
	atomic.StoreInt64(&c.underruns, 0)
	atomic.StoreInt64(&c.overruns, 0)
}

// toMap flattens counters into the keys we report
func (c *counters) toMap() map[string]int64 {
	c.mux.Lock()
	defer c.mux.Unlock()

	res := map[string]int64{}
	for k, v := range c.rx {
		res[fmt.Sprintf("rx.%s", k)] = v
	}
	for k, v := range c.tx {
		res[fmt.Sprintf("tx.%s", k)] = v
	}
	res["decode_errors"] = c.decodeErrors
	res["clock.samples"] = c.clockSamples
	res["media.frames_sent"] = c.framesSent
	res["media.frames_dropped"] = c.framesDropped
	res["media.send_errors"] = c.sendErrors
	res["media.underruns"] = c.underruns
	res["media.overruns"] = c.overruns
	res["peers"] = c.peers
	res["clients"] = c.clients
	res["streams"] = c.streams
	return res
}

// JSONStats is what we want to report as stats via http
type JSONStats struct {
	report counters

	counters
}

// NewJSONStats returns a new JSONStats
func NewJSONStats() *JSONStats {
	s := &JSONStats{}

	s.init()
	s.report.init()

	return s
}

// Start runs the http monitoring server
func (s *JSONStats) Start(monitoringport int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	addr := fmt.Sprintf(":%d", monitoringport)
	log.Infof("Starting http json server on %s", addr)
	err := http.ListenAndServe(addr, mux)
	if err != nil {
		log.Fatalf("Failed to start listener: %v", err)
	}
}

// Snapshot the values so they can be reported atomically
func (s *JSONStats) Snapshot() {
	s.copyTo(&s.report)
}

// handleRequest is a handler used for all http monitoring requests
func (s *JSONStats) handleRequest(w http.ResponseWriter, _ *http.Request) {
	js, err := json.Marshal(s.report.toMap())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(js); err != nil {
		log.Errorf("Failed to reply: %v", err)
	}
}

// Reset atomically sets all the counters to 0
func (s *JSONStats) Reset() {
	s.reset()
}

// IncRX atomically add 1 to the counter
func (s *JSONStats) IncRX(msgType string) {
	s.incMap(s.rx, msgType)
}

// IncTX atomically add 1 to the counter
func (s *JSONStats) IncTX(msgType string) {
	s.incMap(s.tx, msgType)
}

// IncDecodeError atomically add 1 to the counter
func (s *JSONStats) IncDecodeError() {
	atomic.AddInt64(&s.decodeErrors, 1)
}

// IncClockSample atomically add 1 to the counter
func (s *JSONStats) IncClockSample() {
	atomic.AddInt64(&s.clockSamples, 1)
}

// IncFrameSent atomically add 1 to the counter
func (s *JSONStats) IncFrameSent() {
	atomic.AddInt64(&s.framesSent, 1)
}

// IncFrameDropped atomically add 1 to the counter
func (s *JSONStats) IncFrameDropped() {
	atomic.AddInt64(&s.framesDropped, 1)
}

// IncSendError atomically add 1 to the counter
func (s *JSONStats) IncSendError() {
	atomic.AddInt64(&s.sendErrors, 1)
}

// IncUnderrun atomically add 1 to the counter
func (s *JSONStats) IncUnderrun() {
	atomic.AddInt64(&s.underruns, 1)
}

// IncOverrun atomically add 1 to the counter
func (s *JSONStats) IncOverrun() {
	atomic.AddInt64(&s.overruns, 1)
}

// SetPeers atomically sets the gauge
func (s *JSONStats) SetPeers(peers int64) {
	atomic.StoreInt64(&s.peers, peers)
}

// SetClients atomically sets the gauge
func (s *JSONStats) SetClients(clients int64) {
	atomic.StoreInt64(&s.clients, clients)
}

// SetStreams atomically sets the gauge
func (s *JSONStats) SetStreams(streams int64) {
	atomic.StoreInt64(&s.streams, streams)
}
