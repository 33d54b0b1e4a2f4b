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
Package stats implements statistics collection and reporting.
It is used by the server to report internal counters, such as number
of messages, clock samples and media frames handled.
*/
package stats

// Stats is a metric collection interface
type Stats interface {
	// Start starts a stat reporter
	// Use this for passive reporters
	Start(monitoringport int)

	// Snapshot the values so they can be reported atomically
	Snapshot()

	// Reset atomically sets all the counters to 0
	Reset()

	// IncRX atomically adds 1 to the received counter for a message type
	IncRX(msgType string)

	// IncTX atomically adds 1 to the sent counter for a message type
	IncTX(msgType string)

	// IncDecodeError atomically adds 1 to the decode error counter
	IncDecodeError()

	// IncClockSample atomically adds 1 to the clock sample counter
	IncClockSample()

	// IncFrameSent atomically adds 1 to the delivered frame counter
	IncFrameSent()

	// IncFrameDropped atomically adds 1 to the dropped frame counter
	IncFrameDropped()

	// IncSendError atomically adds 1 to the frame send error counter
	IncSendError()

	// IncUnderrun atomically adds 1 to the buffer underrun counter
	IncUnderrun()

	// IncOverrun atomically adds 1 to the buffer overrun counter
	IncOverrun()

	// SetPeers atomically sets the tracked peer clock gauge
	SetPeers(peers int64)

	// SetClients atomically sets the connected client gauge
	SetClients(clients int64)

	// SetStreams atomically sets the active stream gauge
	SetStreams(streams int64)
}
