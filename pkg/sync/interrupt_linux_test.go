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
	"os"
	"os/signal"
	"runtime"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"mosn.io/ipc/pkg/timeval"
	"mosn.io/ipc/pkg/types"
)

// blockOnThread runs wait on a goroutine locked to its own OS thread and
// returns the thread id together with the channel carrying wait's result.
func blockOnThread(wait func() error) (int, <-chan error) {
	tids := make(chan int, 1)
	done := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		tids <- unix.Gettid()
		done <- wait()
	}()
	return <-tids, done
}

// signalUntilDone keeps sending SIGUSR1 to tid until done yields or the
// limit passes. A signal that lands before the thread sleeps is retried.
func signalUntilDone(t *testing.T, tid int, done <-chan error, limit time.Duration) (bool, error) {
	expire := time.After(limit)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case err := <-done:
			return true, err
		case <-expire:
			return false, nil
		case <-tick.C:
			require.Nil(t, unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1))
		}
	}
}

func notifyUSR1(t *testing.T) {
	ch := make(chan os.Signal, 16)
	signal.Notify(ch, unix.SIGUSR1)
	t.Cleanup(func() { signal.Stop(ch) })
}

func TestSemaphoreWaitInterrupted(t *testing.T) {
	notifyUSR1(t)
	buf := newRegion(t, 64)
	s, err := NewSemaphore(buf, 0, 0, false)
	require.Nil(t, err)

	waits := map[string]func() error{
		"untimed": s.Wait,
		"timed": func() error {
			return s.TimedWait(timeval.Deadline(30 * time.Second))
		},
	}
	for name, wait := range waits {
		tid, done := blockOnThread(wait)
		ok, err := signalUntilDone(t, tid, done, 5*time.Second)
		require.True(t, ok, "%s wait was not interrupted", name)
		assert.True(t, errors.Is(err, types.ErrInterrupted), "%s: %v", name, err)
	}
	v, err := s.Value()
	require.Nil(t, err)
	assert.Equal(t, 0, v)
}

func TestMutexLockRetriesAfterSignal(t *testing.T) {
	notifyUSR1(t)
	buf := newRegion(t, 64)
	m, err := NewMutex(buf, 0, false)
	require.Nil(t, err)
	other, err := AttachMutex(buf, 0)
	require.Nil(t, err)

	require.Nil(t, m.Lock())
	tid, done := blockOnThread(other.Lock)
	finished, _ := signalUntilDone(t, tid, done, 500*time.Millisecond)
	require.False(t, finished, "lock returned while the mutex was held")

	require.Nil(t, m.Unlock())
	select {
	case err := <-done:
		require.Nil(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lock was not acquired after unlock")
	}
	require.Nil(t, other.Unlock())
}
