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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadDynamicConfig(t *testing.T) {
	_, err := ReadDynamicConfig("/does/not/exist")
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "solusync.yaml")

	require.NoError(t, os.WriteFile(path, []byte("bad yaml: ["), 0644))
	_, err = ReadDynamicConfig(path)
	require.Error(t, err)

	expected := DynamicConfig{
		HeartbeatInterval:  time.Second,
		MinProtocolVersion: "0.1.0",
		ReapInterval:       10 * time.Second,
		SampleQueueSize:    1000,
		StaleAfter:         30 * time.Second,
		StatusInterval:     30 * time.Second,
	}
	require.NoError(t, expected.Write(path))

	dc, err := ReadDynamicConfig(path)
	require.NoError(t, err)
	require.Equal(t, expected, *dc)
}

func TestStaleAfterSanity(t *testing.T) {
	dc := &DynamicConfig{StaleAfter: 30 * time.Second}
	require.NoError(t, dc.StaleAfterSanity())

	dc.StaleAfter = time.Second
	require.Error(t, dc.StaleAfterSanity())

	dc.StaleAfter = time.Hour
	require.Error(t, dc.StaleAfterSanity())
}
