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
Package server implements the SOLUSync control server: the websocket
boundary that feeds clock samples into the clock core and control
commands into the media core.
*/
package server

import (
	"errors"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

var errInsaneStaleAfter = errors.New("peer staleness threshold is outside of sane range")

// StaticConfig is a set of static options which require a server restart
type StaticConfig struct {
	ConfigFile     string
	DebugAddr      string
	ListenAddr     string
	LogLevel       string
	MonitoringPort int
	PromPort       int
}

// DynamicConfig is a set of dynamic options which don't need a server restart
type DynamicConfig struct {
	// HeartbeatInterval is the expected client heartbeat spacing
	HeartbeatInterval time.Duration `yaml:"heartbeatinterval"`
	// MinProtocolVersion is the lowest client version accepted in Hello
	MinProtocolVersion string `yaml:"minprotocolversion"`
	// ReapInterval is how often stale peer clocks are checked
	ReapInterval time.Duration `yaml:"reapinterval"`
	// SampleQueueSize bounds the clock sample ingestion queue
	SampleQueueSize int `yaml:"samplequeuesize"`
	// StaleAfter is the idle time after which a peer clock is dropped
	StaleAfter time.Duration `yaml:"staleafter"`
	// StatusInterval is how often the server emits NodeStatus
	StatusInterval time.Duration `yaml:"statusinterval"`
}

// Config is a server config structure
type Config struct {
	StaticConfig
	DynamicConfig
}

// StaleAfterSanity checks that the staleness threshold leaves room
// for at least a few missed sync rounds
func (dc *DynamicConfig) StaleAfterSanity() error {
	if dc.StaleAfter < 5*time.Second || dc.StaleAfter > 10*time.Minute {
		return errInsaneStaleAfter
	}
	return nil
}

// ReadDynamicConfig reads dynamic config from a file
func ReadDynamicConfig(path string) (*DynamicConfig, error) {
	dc := &DynamicConfig{}
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.Unmarshal(cData, &dc)
	if err != nil {
		return nil, err
	}

	if err := dc.StaleAfterSanity(); err != nil {
		return nil, err
	}

	return dc, nil
}

// Write saves dynamic config to a file
func (dc *DynamicConfig) Write(path string) error {
	d, err := yaml.Marshal(&dc)
	if err != nil {
		return err
	}

	return os.WriteFile(path, d, 0644)
}
