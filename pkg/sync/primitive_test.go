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
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"mosn.io/ipc/pkg/shm"
	"mosn.io/ipc/pkg/timeval"
	"mosn.io/ipc/pkg/types"
)

func newRegion(t *testing.T, size int) *shm.Buffer {
	buf, err := shm.NewBuffer(size)
	require.Nil(t, err)
	return buf
}

// assertTimedOut checks that a wait bounded by timeout, started at start,
// gave up no sooner than the timeout and not much later.
func assertTimedOut(t *testing.T, start time.Time, timeout time.Duration) {
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, int64(elapsed), int64(timeout), "gave up after %v", elapsed)
	assert.Less(t, int64(elapsed), int64(timeout+time.Second), "gave up after %v", elapsed)
}

func TestControlBlockLayout(t *testing.T) {
	assert.Equal(t, 16, MutexSize)
	assert.Equal(t, 16, CondSize)
	assert.Equal(t, 24, RWLockSize)
	assert.Equal(t, 32, SemaphoreSize)
	assert.Equal(t, 8, SemaphoreAlign)
	assert.Equal(t, 4, MutexAlign)
}

func TestPlacementValidation(t *testing.T) {
	buf := newRegion(t, 64)

	_, err := NewMutex(buf, 1, false)
	assert.True(t, errors.Is(err, types.ErrMisaligned))
	_, err = NewMutex(buf, -4, false)
	assert.True(t, errors.Is(err, types.ErrInvalidOffset))
	_, err = NewMutex(buf, 56, false)
	assert.True(t, errors.Is(err, types.ErrOutOfRange))
	_, err = NewCond(nil, 0, false)
	assert.True(t, errors.Is(err, types.ErrOutOfRange))
	_, err = NewRWLock(buf, 2, false)
	assert.True(t, errors.Is(err, types.ErrMisaligned))
	_, err = NewSemaphore(buf, 4, 0, false)
	assert.True(t, errors.Is(err, types.ErrMisaligned))
	_, err = NewSemaphore(buf, 0, -1, false)
	assert.True(t, errors.Is(err, types.ErrInvalidValue))
	_, err = NewSemaphore(buf, 0, SemValueMax+1, false)
	assert.True(t, errors.Is(err, types.ErrInvalidValue))

	_, err = AttachMutex(buf, 0)
	assert.True(t, errors.Is(err, types.ErrDestroyed))
}

func TestMutexLockUnlock(t *testing.T) {
	buf := newRegion(t, 64)
	m, err := NewMutex(buf, 0, false)
	require.Nil(t, err)
	other, err := AttachMutex(buf, 0)
	require.Nil(t, err)
	assert.False(t, other.Shared())

	require.Nil(t, m.Lock())
	assert.True(t, m.Locked())
	assert.True(t, errors.Is(m.Lock(), types.ErrAlreadyLocked))

	ok, err := other.TryLock()
	require.Nil(t, err)
	assert.False(t, ok)
	ok, err = m.TryLock()
	require.Nil(t, err)
	assert.False(t, ok)

	require.Nil(t, m.Unlock())
	assert.True(t, errors.Is(m.Unlock(), types.ErrNotLocked))

	ok, err = other.TryLock()
	require.Nil(t, err)
	assert.True(t, ok)
	require.Nil(t, other.Unlock())
}

func TestMutexExclusion(t *testing.T) {
	buf := newRegion(t, 64)
	_, err := NewMutex(buf, 0, false)
	require.Nil(t, err)

	const workers, rounds = 8, 2000
	counter := 0
	wg := gosync.WaitGroup{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := AttachMutex(buf, 0)
			if !assert.Nil(t, err) {
				return
			}
			for j := 0; j < rounds; j++ {
				if !assert.Nil(t, m.Lock()) {
					return
				}
				counter++
				if !assert.Nil(t, m.Unlock()) {
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, workers*rounds, counter)
}

func TestMutexTimedLock(t *testing.T) {
	buf := newRegion(t, 64)
	m, err := NewMutex(buf, 0, false)
	require.Nil(t, err)
	other, err := AttachMutex(buf, 0)
	require.Nil(t, err)

	require.Nil(t, m.Lock())
	start := time.Now()
	ok, err := other.TimedLock(timeval.Deadline(100 * time.Millisecond))
	require.Nil(t, err)
	assert.False(t, ok)
	assertTimedOut(t, start, 100*time.Millisecond)
	assert.False(t, other.Locked())

	ok, err = other.TimedLock(timeval.NewTimeSpec(-1, 0))
	require.Nil(t, err)
	assert.False(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Unlock()
	}()
	ok, err = other.TimedLock(timeval.Deadline(5 * time.Second))
	require.Nil(t, err)
	assert.True(t, ok)
	require.Nil(t, other.Unlock())
}

func TestMutexDestroy(t *testing.T) {
	buf := newRegion(t, 64)
	m, err := NewMutex(buf, 8, true)
	require.Nil(t, err)
	require.Nil(t, m.Lock())

	require.Nil(t, m.Destroy())
	require.Nil(t, m.Destroy())
	assert.True(t, errors.Is(m.Lock(), types.ErrDestroyed))
	assert.True(t, errors.Is(m.Unlock(), types.ErrDestroyed))
	_, err = m.TryLock()
	assert.True(t, errors.Is(err, types.ErrDestroyed))

	_, err = AttachMutex(buf, 8)
	assert.True(t, errors.Is(err, types.ErrDestroyed))

	// the block is reusable once destroyed
	m, err = NewMutex(buf, 8, true)
	require.Nil(t, err)
	ok, err := m.TryLock()
	require.Nil(t, err)
	assert.True(t, ok)
}

func TestCondSignal(t *testing.T) {
	buf := newRegion(t, 64)
	m, err := NewMutex(buf, 0, false)
	require.Nil(t, err)
	c, err := NewCond(buf, 16, false)
	require.Nil(t, err)
	ready := (*uint32)(unsafe.Pointer(uintptr(buf.Base()) + 32))

	done := make(chan error, 1)
	go func() {
		wm, err := AttachMutex(buf, 0)
		if err != nil {
			done <- err
			return
		}
		wc, err := AttachCond(buf, 16)
		if err != nil {
			done <- err
			return
		}
		if err := wm.Lock(); err != nil {
			done <- err
			return
		}
		for atomic.LoadUint32(ready) == 0 {
			if err := wc.Wait(wm); err != nil {
				done <- err
				return
			}
		}
		done <- wm.Unlock()
	}()

	time.Sleep(20 * time.Millisecond)
	require.Nil(t, m.Lock())
	atomic.StoreUint32(ready, 1)
	require.Nil(t, c.Signal())
	require.Nil(t, m.Unlock())

	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestCondBroadcast(t *testing.T) {
	buf := newRegion(t, 64)
	m, err := NewMutex(buf, 0, false)
	require.Nil(t, err)
	c, err := NewCond(buf, 16, false)
	require.Nil(t, err)

	const waiters = 4
	var ready bool
	var started gosync.WaitGroup
	var finished gosync.WaitGroup
	for i := 0; i < waiters; i++ {
		started.Add(1)
		finished.Add(1)
		go func() {
			defer finished.Done()
			wm, _ := AttachMutex(buf, 0)
			assert.Nil(t, wm.Lock())
			started.Done()
			for !ready {
				assert.Nil(t, c.Wait(wm))
			}
			assert.Nil(t, wm.Unlock())
		}()
	}
	started.Wait()

	require.Nil(t, m.Lock())
	ready = true
	require.Nil(t, c.Broadcast())
	require.Nil(t, m.Unlock())

	ch := make(chan struct{})
	go func() {
		finished.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast did not wake every waiter")
	}
}

func TestCondTimedWait(t *testing.T) {
	buf := newRegion(t, 64)
	m, err := NewMutex(buf, 0, false)
	require.Nil(t, err)
	c, err := NewCond(buf, 16, false)
	require.Nil(t, err)

	assert.True(t, errors.Is(c.Wait(m), types.ErrNotLocked))

	require.Nil(t, m.Lock())
	start := time.Now()
	ok, err := c.TimedWait(m, timeval.Deadline(100*time.Millisecond))
	require.Nil(t, err)
	assert.False(t, ok)
	assertTimedOut(t, start, 100*time.Millisecond)
	assert.True(t, m.Locked())
	require.Nil(t, m.Unlock())

	require.Nil(t, c.Destroy())
	assert.True(t, errors.Is(c.Signal(), types.ErrDestroyed))
	_, err = AttachCond(buf, 16)
	assert.True(t, errors.Is(err, types.ErrDestroyed))
}

func TestRWLockModes(t *testing.T) {
	buf := newRegion(t, 64)
	l, err := NewRWLock(buf, 0, false)
	require.Nil(t, err)
	r2, err := AttachRWLock(buf, 0)
	require.Nil(t, err)
	w, err := AttachRWLock(buf, 0)
	require.Nil(t, err)

	require.Nil(t, l.Lock(Read))
	ok, err := r2.TryLock(Read)
	require.Nil(t, err)
	assert.True(t, ok)
	ok, err = w.TryLock(Write)
	require.Nil(t, err)
	assert.False(t, ok)

	// same mode again is a no-op, the other mode is refused
	require.Nil(t, l.Lock(Read))
	assert.True(t, errors.Is(l.Lock(Write), types.ErrAlreadyLocked))
	_, err = l.TryLock(Write)
	assert.True(t, errors.Is(err, types.ErrAlreadyLocked))
	assert.True(t, errors.Is(l.Lock(LockMode(7)), types.ErrInvalidValue))

	require.Nil(t, l.Unlock())
	require.Nil(t, r2.Unlock())
	assert.True(t, errors.Is(r2.Unlock(), types.ErrNotLocked))

	ok, err = w.TryLock(Write)
	require.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, Write, w.Mode())
	ok, err = l.TryLock(Read)
	require.Nil(t, err)
	assert.False(t, ok)

	start := time.Now()
	ok, err = l.TimedLock(Read, timeval.Deadline(100*time.Millisecond))
	require.Nil(t, err)
	assert.False(t, ok)
	assertTimedOut(t, start, 100*time.Millisecond)
	assert.Equal(t, LockMode(0), l.Mode())
	assert.True(t, errors.Is(l.Unlock(), types.ErrNotLocked))

	require.Nil(t, w.Unlock())
	assert.Equal(t, "write", Write.String())
}

func TestRWLockWriterWaitsForReaders(t *testing.T) {
	buf := newRegion(t, 64)
	l, err := NewRWLock(buf, 0, true)
	require.Nil(t, err)
	w, err := AttachRWLock(buf, 0)
	require.Nil(t, err)
	assert.True(t, w.Shared())

	require.Nil(t, l.Lock(Read))
	var acquired int32
	done := make(chan error, 1)
	go func() {
		err := w.Lock(Write)
		atomic.StoreInt32(&acquired, 1)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&acquired))
	require.Nil(t, l.Unlock())

	select {
	case err := <-done:
		require.Nil(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("writer was not admitted")
	}
	require.Nil(t, w.Destroy())
	ok, err := l.TryLock(Write)
	require.Nil(t, err)
	assert.True(t, ok)
	require.Nil(t, l.Destroy())
	_, err = AttachRWLock(buf, 0)
	assert.True(t, errors.Is(err, types.ErrDestroyed))
}

func TestSemaphoreCounting(t *testing.T) {
	buf := newRegion(t, 64)
	s, err := NewSemaphore(buf, 8, 2, false)
	require.Nil(t, err)

	for i := 0; i < 2; i++ {
		ok, err := s.TryWait()
		require.Nil(t, err)
		assert.True(t, ok)
	}
	ok, err := s.TryWait()
	require.Nil(t, err)
	assert.False(t, ok)

	require.Nil(t, s.Post())
	v, err := s.Value()
	require.Nil(t, err)
	assert.Equal(t, 1, v)
	require.Nil(t, s.Wait())

	start := time.Now()
	err = s.TimedWait(timeval.Deadline(100 * time.Millisecond))
	assert.True(t, errors.Is(err, types.ErrTimeout))
	assertTimedOut(t, start, 100*time.Millisecond)

	// an available unit is taken even past the deadline
	require.Nil(t, s.Post())
	require.Nil(t, s.TimedWait(timeval.NewTimeSpec(0, 0)))
}

func TestSemaphoreOverflow(t *testing.T) {
	buf := newRegion(t, 64)
	s, err := NewSemaphore(buf, 0, SemValueMax, false)
	require.Nil(t, err)
	err = s.Post()
	assert.True(t, errors.Is(err, unix.EOVERFLOW))
	v, _ := s.Value()
	assert.Equal(t, math.MaxInt32, v)
}

func TestSemaphoreWakesWaiters(t *testing.T) {
	seg, err := shm.CreatePosix(uniqueName(), 4096, 0600, types.Volatile)
	require.Nil(t, err)
	defer seg.Detach()

	s, err := NewSemaphore(seg, 0, 0, true)
	require.Nil(t, err)

	const waiters = 4
	var taken int32
	wg := gosync.WaitGroup{}
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := AttachSemaphore(seg, 0)
			if !assert.Nil(t, err) {
				return
			}
			if assert.Nil(t, h.TimedWait(timeval.Deadline(5*time.Second))) {
				atomic.AddInt32(&taken, 1)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	for i := 0; i < waiters; i++ {
		require.Nil(t, s.Post())
	}
	wg.Wait()
	assert.Equal(t, int32(waiters), taken)
	v, _ := s.Value()
	assert.Equal(t, 0, v)

	require.Nil(t, s.Destroy())
	require.Nil(t, s.Destroy())
	assert.True(t, errors.Is(s.Post(), types.ErrDestroyed))
}

func TestMutexReleaseKeepsBlock(t *testing.T) {
	buf := newRegion(t, 64)
	m, err := NewMutex(buf, 0, true)
	require.Nil(t, err)
	require.Nil(t, m.Lock())
	require.Nil(t, m.Release())
	require.Nil(t, m.Release())

	other, err := AttachMutex(buf, 0)
	require.Nil(t, err)
	assert.True(t, other.Shared())
	ok, err := other.TryLock()
	require.Nil(t, err)
	assert.True(t, ok)
}
