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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestStreamFanOut(t *testing.T) {
	st := NewStream("main", DefaultCodec("opus"))

	a := st.Subscribe(uuid.New())
	b := st.Subscribe(uuid.New())
	require.Equal(t, 2, st.SubscriberCount())

	for i := uint64(0); i < 3; i++ {
		st.Publish(&Frame{Sequence: i, Type: FrameAudio})
	}

	// every subscriber sees every frame exactly once, in order
	for _, sub := range []*Subscription{a, b} {
		for i := uint64(0); i < 3; i++ {
			select {
			case frame := <-sub.Frames():
				require.Equal(t, i, frame.Sequence)
			case <-time.After(time.Second):
				t.Fatal("frame not delivered")
			}
		}
		select {
		case <-sub.Frames():
			t.Fatal("extra frame delivered")
		default:
		}
	}
	require.Equal(t, uint64(3), st.Published())
	require.Equal(t, uint64(0), st.Dropped())
}

func TestStreamSlowSubscriberDrops(t *testing.T) {
	st := NewStream("main", DefaultCodec("opus"))
	sub := st.Subscribe(uuid.New())

	// nobody drains: the publisher must not block once the
	// subscriber buffer fills up
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize+7; i++ {
			st.Publish(&Frame{Sequence: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	require.Equal(t, uint64(7), sub.TakeLag())
	require.Equal(t, uint64(0), sub.TakeLag())
	require.Equal(t, uint64(7), st.Dropped())

	// the head of the stream is intact
	frame := <-sub.Frames()
	require.Equal(t, uint64(0), frame.Sequence)
}

func TestStreamUnsubscribe(t *testing.T) {
	st := NewStream("main", DefaultCodec("opus"))
	clientID := uuid.New()
	sub := st.Subscribe(clientID)

	st.Unsubscribe(clientID)
	require.Equal(t, 0, st.SubscriberCount())

	_, open := <-sub.Frames()
	require.False(t, open)

	// unsubscribing twice is harmless
	st.Unsubscribe(clientID)
}

func TestStreamResubscribeReplaces(t *testing.T) {
	st := NewStream("main", DefaultCodec("opus"))
	clientID := uuid.New()

	old := st.Subscribe(clientID)
	st.Subscribe(clientID)
	require.Equal(t, 1, st.SubscriberCount())

	_, open := <-old.Frames()
	require.False(t, open)
}

func TestStreamClose(t *testing.T) {
	st := NewStream("main", DefaultCodec("opus"))
	a := st.Subscribe(uuid.New())
	b := st.Subscribe(uuid.New())

	st.Close()
	require.Equal(t, 0, st.SubscriberCount())

	_, open := <-a.Frames()
	require.False(t, open)
	_, open = <-b.Frames()
	require.False(t, open)
}

func TestStreamPlaybackState(t *testing.T) {
	st := NewStream("main", DefaultCodec("opus"))
	require.False(t, st.Playing())

	st.Play(1234.5)
	require.True(t, st.Playing())
	require.Equal(t, 1234.5, st.StartAt())

	st.Pause()
	require.False(t, st.Playing())
	// pause keeps the armed start
	require.Equal(t, 1234.5, st.StartAt())

	st.Play(1234.5)
	st.Stop()
	require.False(t, st.Playing())
	require.Equal(t, 0.0, st.StartAt())
}

func TestStreamCodecReplace(t *testing.T) {
	st := NewStream("main", DefaultCodec("opus"))
	st.Subscribe(uuid.New())

	st.SetCodec(DefaultCodec("pcm16"))
	require.Equal(t, "pcm16", st.Codec().Name)
	require.Equal(t, 1, st.SubscriberCount())
}

func TestDefaultCodec(t *testing.T) {
	c := DefaultCodec("opus")
	require.Equal(t, "opus", c.Name)
	require.Equal(t, uint32(128000), c.Bitrate)
	require.Equal(t, uint32(48000), c.SampleRate)
	require.Equal(t, uint8(2), c.Channels)
}
