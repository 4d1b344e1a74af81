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

package timeval

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		sec, frac       int64
		wantSec, wantFr int64
	}{
		{0, 0, 0, 0},
		{1, 1500000, 2, 500000},
		{1, -1, 0, 999999},
		{0, -1500000, -2, 500000},
		{-3, 3000000, 0, 0},
		{5, 999999, 5, 999999},
	}
	for _, c := range cases {
		tv := NewTimeVal(c.sec, c.frac)
		assert.Equal(t, TimeVal{Sec: c.wantSec, Usec: c.wantFr}, tv, "NewTimeVal(%d, %d)", c.sec, c.frac)
	}

	ts := NewTimeSpec(2, -NanosecondsPerSecond-1)
	assert.Equal(t, TimeSpec{Sec: 0, Nsec: NanosecondsPerSecond - 1}, ts)
}

func TestFloatRoundTrip(t *testing.T) {
	for _, s := range []float64{0, 1, -1, 0.5, -0.5, -0.25, 1234.000001, -98765.4321, 1e9 + 0.125} {
		tv := TimeValOf(s)
		require.True(t, tv.Usec >= 0 && tv.Usec < MicrosecondsPerSecond, "usec of %v out of range: %d", s, tv.Usec)
		assert.InDelta(t, s, tv.Seconds(), 1e-6, "TimeVal round trip of %v", s)

		ts := TimeSpecOf(s)
		require.True(t, ts.Nsec >= 0 && ts.Nsec < NanosecondsPerSecond, "nsec of %v out of range: %d", s, ts.Nsec)
		assert.InDelta(t, s, ts.Seconds(), 1e-6, "TimeSpec round trip of %v", s)
	}

	assert.Equal(t, TimeVal{Sec: -1, Usec: 750000}, TimeValOf(-0.25))
	// rounding must carry into seconds
	assert.Equal(t, TimeVal{Sec: 1, Usec: 0}, TimeValOf(0.9999999))
	assert.Equal(t, TimeSpec{}, TimeSpecOf(math.NaN()))
}

func TestArithmetic(t *testing.T) {
	a := NewTimeSpec(1, 700000000)
	b := NewTimeSpec(0, 600000000)
	assert.Equal(t, TimeSpec{Sec: 2, Nsec: 300000000}, a.Add(b))
	assert.Equal(t, TimeSpec{Sec: 1, Nsec: 100000000}, a.Sub(b))
	assert.Equal(t, TimeSpec{Sec: -2, Nsec: 900000000}, b.Sub(a))
	assert.Equal(t, -1, b.Compare(a))
	assert.Equal(t, 1, a.Compare(b))
	assert.Equal(t, 0, a.Compare(a))

	u := NewTimeVal(0, 999999).Add(NewTimeVal(0, 1))
	assert.Equal(t, TimeVal{Sec: 1}, u)
}

func TestConversions(t *testing.T) {
	tv := NewTimeVal(3, 250)
	assert.Equal(t, TimeSpec{Sec: 3, Nsec: 250000}, tv.TimeSpec())
	assert.Equal(t, tv, tv.TimeSpec().TimeVal())
	assert.Equal(t, TimeVal{Sec: 3, Usec: 1}, NewTimeSpec(3, 1999).TimeVal())

	assert.Equal(t, 1500*time.Millisecond, TimeSpecOf(1.5).Duration())
	assert.Equal(t, -500*time.Millisecond, TimeSpecOf(-0.5).Duration())
	assert.Equal(t, TimeSpec{Sec: 2, Nsec: 5}, FromDuration(2*time.Second+5))

	now := time.Now()
	assert.True(t, FromTime(now).Time().Equal(now))
}

func TestDeadline(t *testing.T) {
	before := Now()
	d := Deadline(100 * time.Millisecond)
	after := Now()
	assert.True(t, d.Compare(before.Add(FromDuration(100*time.Millisecond))) >= 0)
	assert.True(t, d.Compare(after.Add(FromDuration(100*time.Millisecond))) <= 0)
}

func TestString(t *testing.T) {
	assert.Equal(t, "1.500000", TimeValOf(1.5).String())
	assert.Equal(t, "-0.250000", TimeValOf(-0.25).String())
	assert.Equal(t, "-2.000000000", TimeSpecOf(-2).String())
	assert.Equal(t, "0.000000001", NewTimeSpec(0, 1).String())
}
