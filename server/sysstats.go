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
	"os"
	"time"

	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/process"
	log "github.com/sirupsen/logrus"

	"github.com/yukihamada/solusync-x/protocol"
)

var procStartTime = time.Now()

// collectNodeStatus builds the status report this server announces
// to its peers
func (s *Server) collectNodeStatus() *protocol.NodeStatusMessage {
	status := &protocol.NodeStatusMessage{
		Head:             protocol.NewHeader(s.Clock.NodeID(), s.nextSeq()),
		NodeType:         protocol.NodeMaster,
		ConnectedClients: uint32(s.ClientCount()),
		NetworkQuality:   protocol.QualityGood,
		UptimeSeconds:    uint64(time.Since(procStartTime).Seconds()),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Debugf("process stats unavailable: %v", err)
		return status
	}
	if pct, err := proc.Percent(0); err == nil {
		status.CPUUsage = float32(pct / 100.0)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status.MemoryUsage = float32(vm.UsedPercent / 100.0)
	}

	return status
}

// runStatusReports periodically broadcasts this node's status
func (s *Server) runStatusReports(ctx context.Context) {
	interval := s.Config.StatusInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Broadcast(s.collectNodeStatus())
		}
	}
}
