//go:build linux
// +build linux

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

package sync

import (
	"math"
	"unsafe"

	"golang.org/x/sys/unix"

	"mosn.io/ipc/pkg/timeval"
)

const (
	_FUTEX_WAKE             = 1
	_FUTEX_WAIT_BITSET      = 9
	_FUTEX_PRIVATE_FLAG     = 128
	_FUTEX_CLOCK_REALTIME   = 256
	_FUTEX_BITSET_MATCH_ANY = 0xffffffff
)

// futexWait blocks while *addr == val. The deadline is absolute on
// CLOCK_REALTIME and a nil deadline waits until the end of the clock. The
// wait is always timed: the kernel restarts an untimed FUTEX_WAIT across
// SA_RESTART handlers, while a timed one reports EINTR. The raw errno is
// returned so callers can tell EAGAIN, EINTR and ETIMEDOUT apart.
func futexWait(addr *uint32, val uint32, deadline *timeval.TimeSpec, shared bool) error {
	nanos := int64(math.MaxInt64)
	if deadline != nil {
		if deadline.Sec < 0 {
			return unix.ETIMEDOUT
		}
		nanos = deadlineNanos(*deadline)
	}
	ts := unix.NsecToTimespec(nanos)
	op := uintptr(_FUTEX_WAIT_BITSET | _FUTEX_CLOCK_REALTIME)
	if !shared {
		op |= _FUTEX_PRIVATE_FLAG
	}
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), op, uintptr(val),
		uintptr(unsafe.Pointer(&ts)), 0, _FUTEX_BITSET_MATCH_ANY)
	if errno != 0 {
		return errno
	}
	return nil
}

// futexWake wakes at most n waiters blocked on addr.
func futexWake(addr *uint32, n int, shared bool) (int, error) {
	op := uintptr(_FUTEX_WAKE)
	if !shared {
		op |= _FUTEX_PRIVATE_FLAG
	}
	woken, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), op, uintptr(n), 0, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(woken), nil
}

func deadlineNanos(t timeval.TimeSpec) int64 {
	if t.Sec >= math.MaxInt64/timeval.NanosecondsPerSecond-1 {
		return math.MaxInt64
	}
	return t.Sec*timeval.NanosecondsPerSecond + t.Nsec
}
