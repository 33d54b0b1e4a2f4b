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
Package timestamp provides the process-wide monotonic time source.
All offsets, RTTs and presentation times in the system are expressed
in seconds since the Unix epoch as float64, and every reading comes
from Now so that successive values never decrease within a process.
*/
package timestamp

import (
	"math"
	"time"
)

// wall clock captured once at startup; Now adds the monotonic elapsed
// time to it, so NTP steps of the system clock never move us backwards.
var (
	startWall = float64(time.Now().UnixNano()) / float64(time.Second)
	startMono = time.Now()
)

// Now returns seconds since the Unix epoch with sub-millisecond
// resolution. Successive calls never return decreasing values.
func Now() float64 {
	return startWall + time.Since(startMono).Seconds()
}

// FromTime converts a time.Time to epoch seconds.
func FromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// ToTime converts epoch seconds to a time.Time.
func ToTime(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// Duration converts seconds to a time.Duration.
func Duration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Seconds converts a time.Duration to seconds.
func Seconds(d time.Duration) float64 {
	return d.Seconds()
}
