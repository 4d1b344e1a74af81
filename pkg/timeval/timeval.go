/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package timeval implements the (seconds, fraction) time values handed to
// the kernel by timed operations: TimeVal has microsecond resolution and
// TimeSpec nanosecond resolution.
//
// A value is normalized when 0 <= fraction < resolution. The represented
// instant is seconds + fraction/resolution, so -0.25s is {-1, 750000}.
package timeval

import (
	"fmt"
	"math"
	"time"
)

const (
	// MicrosecondsPerSecond is the fraction multiplier of TimeVal.
	MicrosecondsPerSecond int64 = 1000000
	// NanosecondsPerSecond is the fraction multiplier of TimeSpec.
	NanosecondsPerSecond int64 = 1000000000
)

// normalize carries or borrows whole seconds out of frac so that the result
// satisfies 0 <= frac < mult.
func normalize(sec, frac, mult int64) (int64, int64) {
	if frac >= mult || frac <= -mult {
		sec += frac / mult
		frac %= mult
	}
	if frac < 0 {
		sec--
		frac += mult
	}
	return sec, frac
}

// split converts a floating-point second count. NaN maps to zero, infinities
// saturate.
func split(s float64, mult int64) (int64, int64) {
	switch {
	case math.IsNaN(s):
		return 0, 0
	case s >= math.MaxInt64:
		return math.MaxInt64, mult - 1
	case s <= math.MinInt64:
		return math.MinInt64, 0
	}
	sec := math.Floor(s)
	frac := int64(math.Round((s - sec) * float64(mult)))
	isec := int64(sec)
	if frac >= mult {
		isec++
		frac -= mult
	}
	return isec, frac
}

func format(sec, frac, mult int64, width int) string {
	if sec < 0 && frac > 0 {
		return fmt.Sprintf("-%d.%0*d", -(sec + 1), width, mult-frac)
	}
	return fmt.Sprintf("%d.%0*d", sec, width, frac)
}

func compare(s1, f1, s2, f2 int64) int {
	switch {
	case s1 < s2:
		return -1
	case s1 > s2:
		return 1
	case f1 < f2:
		return -1
	case f1 > f2:
		return 1
	}
	return 0
}

// TimeVal is a time value with microsecond resolution (struct timeval).
type TimeVal struct {
	Sec  int64
	Usec int64
}

// NewTimeVal builds a normalized TimeVal; usec may be out of range or
// negative.
func NewTimeVal(sec, usec int64) TimeVal {
	sec, usec = normalize(sec, usec, MicrosecondsPerSecond)
	return TimeVal{Sec: sec, Usec: usec}
}

// TimeValOf converts a number of seconds, rounded to the microsecond.
func TimeValOf(seconds float64) TimeVal {
	sec, usec := split(seconds, MicrosecondsPerSecond)
	return TimeVal{Sec: sec, Usec: usec}
}

// Seconds returns t as a floating-point number of seconds.
func (t TimeVal) Seconds() float64 {
	return float64(t.Sec) + float64(t.Usec)/float64(MicrosecondsPerSecond)
}

// Add returns t+u.
func (t TimeVal) Add(u TimeVal) TimeVal {
	return NewTimeVal(t.Sec+u.Sec, t.Usec+u.Usec)
}

// Sub returns t-u.
func (t TimeVal) Sub(u TimeVal) TimeVal {
	return NewTimeVal(t.Sec-u.Sec, t.Usec-u.Usec)
}

// Compare returns -1, 0 or +1 when t is before, equal to or after u.
func (t TimeVal) Compare(u TimeVal) int {
	return compare(t.Sec, t.Usec, u.Sec, u.Usec)
}

// IsZero reports whether t is the zero value.
func (t TimeVal) IsZero() bool {
	return t.Sec == 0 && t.Usec == 0
}

// TimeSpec converts t to nanosecond resolution, exactly.
func (t TimeVal) TimeSpec() TimeSpec {
	return NewTimeSpec(t.Sec, t.Usec*1000)
}

// Duration converts t to a time.Duration, saturating on overflow.
func (t TimeVal) Duration() time.Duration {
	return t.TimeSpec().Duration()
}

func (t TimeVal) String() string {
	return format(t.Sec, t.Usec, MicrosecondsPerSecond, 6)
}

// TimeSpec is a time value with nanosecond resolution (struct timespec).
type TimeSpec struct {
	Sec  int64
	Nsec int64
}

// NewTimeSpec builds a normalized TimeSpec; nsec may be out of range or
// negative.
func NewTimeSpec(sec, nsec int64) TimeSpec {
	sec, nsec = normalize(sec, nsec, NanosecondsPerSecond)
	return TimeSpec{Sec: sec, Nsec: nsec}
}

// TimeSpecOf converts a number of seconds, rounded to the nanosecond.
func TimeSpecOf(seconds float64) TimeSpec {
	sec, nsec := split(seconds, NanosecondsPerSecond)
	return TimeSpec{Sec: sec, Nsec: nsec}
}

// FromDuration converts a duration.
func FromDuration(d time.Duration) TimeSpec {
	return NewTimeSpec(0, int64(d))
}

// FromTime converts an absolute time.
func FromTime(t time.Time) TimeSpec {
	return TimeSpec{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

// Now returns the current time of the realtime clock, the clock the
// deadlines of timed operations are measured against.
func Now() TimeSpec {
	return FromTime(time.Now())
}

// Deadline returns the absolute time d from now.
func Deadline(d time.Duration) TimeSpec {
	return Now().Add(FromDuration(d))
}

// Seconds returns t as a floating-point number of seconds.
func (t TimeSpec) Seconds() float64 {
	return float64(t.Sec) + float64(t.Nsec)/float64(NanosecondsPerSecond)
}

// Add returns t+u.
func (t TimeSpec) Add(u TimeSpec) TimeSpec {
	return NewTimeSpec(t.Sec+u.Sec, t.Nsec+u.Nsec)
}

// Sub returns t-u.
func (t TimeSpec) Sub(u TimeSpec) TimeSpec {
	return NewTimeSpec(t.Sec-u.Sec, t.Nsec-u.Nsec)
}

// Compare returns -1, 0 or +1 when t is before, equal to or after u.
func (t TimeSpec) Compare(u TimeSpec) int {
	return compare(t.Sec, t.Nsec, u.Sec, u.Nsec)
}

// IsZero reports whether t is the zero value.
func (t TimeSpec) IsZero() bool {
	return t.Sec == 0 && t.Nsec == 0
}

// TimeVal converts t to microsecond resolution, rounding toward the past.
func (t TimeSpec) TimeVal() TimeVal {
	return TimeVal{Sec: t.Sec, Usec: t.Nsec / 1000}
}

// Time returns t as an absolute time.
func (t TimeSpec) Time() time.Time {
	return time.Unix(t.Sec, t.Nsec)
}

// Duration converts t to a time.Duration, saturating on overflow.
func (t TimeSpec) Duration() time.Duration {
	const maxSec = math.MaxInt64 / int64(time.Second)
	if t.Sec > maxSec-1 {
		return time.Duration(math.MaxInt64)
	}
	if t.Sec < -maxSec {
		return time.Duration(math.MinInt64)
	}
	return time.Duration(t.Sec)*time.Second + time.Duration(t.Nsec)
}

func (t TimeSpec) String() string {
	return format(t.Sec, t.Nsec, NanosecondsPerSecond, 9)
}
