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

package main

import (
	"context"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/yukihamada/solusync-x/clock"
	"github.com/yukihamada/solusync-x/media"
	"github.com/yukihamada/solusync-x/server"
	"github.com/yukihamada/solusync-x/stats"
)

func main() {
	c := &server.Config{
		DynamicConfig: server.DynamicConfig{
			HeartbeatInterval:  1 * time.Second,
			MinProtocolVersion: "0.1.0",
			ReapInterval:       10 * time.Second,
			SampleQueueSize:    1000,
			StaleAfter:         30 * time.Second,
			StatusInterval:     30 * time.Second,
		},
	}

	flag.IntVar(&c.MonitoringPort, "monitoringport", 8888, "Port to run monitoring server on")
	flag.IntVar(&c.PromPort, "promport", 0, "Port to export prometheus metrics on, 0 to disable")
	flag.StringVar(&c.ConfigFile, "config", "", "Path to a config with dynamic settings")
	flag.StringVar(&c.DebugAddr, "pprofaddr", "", "host:port for the pprof to bind")
	flag.StringVar(&c.ListenAddr, "listen", ":8080", "Address to serve websocket and http on")
	flag.StringVar(&c.LogLevel, "loglevel", "warning", "Set a log level. Can be: debug, info, warning, error")
	flag.Parse()

	switch c.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("Unrecognized log level: %v", c.LogLevel)
	}

	if c.ConfigFile != "" {
		dc, err := server.ReadDynamicConfig(c.ConfigFile)
		if err != nil {
			log.Fatal(err)
		}
		c.DynamicConfig = *dc
	}

	if c.DebugAddr != "" {
		log.Warningf("Starting profiler on %s", c.DebugAddr)
		go func() {
			log.Println(http.ListenAndServe(c.DebugAddr, nil))
		}()
	}

	// Monitoring
	st := stats.NewJSONStats()
	go st.Start(c.MonitoringPort)
	if c.PromPort != 0 {
		exporter := stats.NewPrometheusExporter(st, c.PromPort, 30*time.Second)
		go exporter.Start()
	}

	nodeID := uuid.New()
	log.Infof("Starting SOLUSync server, node %s", nodeID)

	clk := clock.NewClockManager(nodeID, clock.ManagerConfig{
		SampleQueueSize: c.SampleQueueSize,
		ReapInterval:    c.ReapInterval,
		StaleAfter:      c.StaleAfter,
	})
	med := media.NewMediaServer(clk, st)
	s := server.NewServer(c, clk, med, st)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		log.Fatalf("Server run failed: %v", err)
	}
}
