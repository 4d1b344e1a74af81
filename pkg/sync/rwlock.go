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
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	uatomic "go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"mosn.io/ipc/pkg/timeval"
	"mosn.io/ipc/pkg/types"
)

// LockMode selects shared or exclusive ownership of an RWLock.
type LockMode uint32

const (
	// Read is shared ownership.
	Read LockMode = iota + 1
	// Write is exclusive ownership.
	Write
)

func (m LockMode) String() string {
	switch m {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("LockMode(%d)", uint32(m))
	}
}

const (
	writerBit  uint32 = 1 << 31
	readerMask        = writerBit - 1
)

// rwlockBlock is the in-region layout of an RWLock. state holds either
// writerBit or the number of readers. Waiters sleep on seq, which every
// unlock advances while waiters is non-zero.
type rwlockBlock struct {
	header
	state   uint32
	seq     uint32
	waiters uint32
	_       uint32
}

var (
	// RWLockSize is the number of region bytes an RWLock occupies.
	RWLockSize = int(unsafe.Sizeof(rwlockBlock{}))
	// RWLockAlign is the required alignment of an RWLock offset.
	RWLockAlign = int(unsafe.Alignof(rwlockBlock{}))
)

// RWLock is a reader-writer lock placed in a memory region. Readers are
// preferred: a reader is admitted whenever no writer holds the lock.
//
// A handle holds at most one mode at a time. Requesting the mode already
// held succeeds immediately; requesting the other mode fails with
// types.ErrAlreadyLocked.
type RWLock struct {
	host   types.Region
	block  *rwlockBlock
	shared bool
	owner  bool
	held   uatomic.Uint32
}

// NewRWLock initializes a reader-writer lock at offset in r.
func NewRWLock(r types.Region, offset int, shared bool) (*RWLock, error) {
	p, err := locate("rwlock", r, offset, unsafe.Sizeof(rwlockBlock{}), unsafe.Alignof(rwlockBlock{}))
	if err != nil {
		return nil, err
	}
	b := (*rwlockBlock)(p)
	atomic.StoreUint32(&b.state, 0)
	atomic.StoreUint32(&b.seq, 0)
	atomic.StoreUint32(&b.waiters, 0)
	b.publish(rwlockMagic, shared)

	l := &RWLock{host: r, block: b, shared: shared, owner: true}
	setFinalizer("rwlock", l)
	return l, nil
}

// AttachRWLock returns a handle to a reader-writer lock initialized at
// offset in r.
func AttachRWLock(r types.Region, offset int) (*RWLock, error) {
	p, err := locate("rwlock", r, offset, unsafe.Sizeof(rwlockBlock{}), unsafe.Alignof(rwlockBlock{}))
	if err != nil {
		return nil, err
	}
	b := (*rwlockBlock)(p)
	shared, ok := b.check(rwlockMagic)
	if !ok {
		return nil, errors.Wrapf(types.ErrDestroyed, "no rwlock at offset %d", offset)
	}
	l := &RWLock{host: r, block: b, shared: shared}
	setFinalizer("rwlock", l)
	return l, nil
}

// Shared reports whether the lock works across processes.
func (l *RWLock) Shared() bool {
	return l.shared
}

// Mode returns the mode held by this handle, or 0.
func (l *RWLock) Mode() LockMode {
	return LockMode(l.held.Load())
}

// Lock blocks until the lock is acquired in mode.
func (l *RWLock) Lock(mode LockMode) error {
	done, err := l.precheck(mode)
	if err != nil || done {
		return err
	}
	if _, err := l.acquire(mode, nil); err != nil {
		return err
	}
	l.held.Store(uint32(mode))
	return nil
}

// TryLock acquires the lock in mode if possible without blocking.
func (l *RWLock) TryLock(mode LockMode) (bool, error) {
	done, err := l.precheck(mode)
	if err != nil || done {
		return done, err
	}
	if !l.tryAcquire(mode) {
		return false, nil
	}
	l.held.Store(uint32(mode))
	return true, nil
}

// TimedLock blocks until the lock is acquired in mode or the absolute
// deadline passes. It returns false on timeout.
func (l *RWLock) TimedLock(mode LockMode, deadline timeval.TimeSpec) (bool, error) {
	done, err := l.precheck(mode)
	if err != nil || done {
		return done, err
	}
	ok, err := l.acquire(mode, &deadline)
	if ok {
		l.held.Store(uint32(mode))
	}
	return ok, err
}

// Unlock releases whichever mode this handle holds.
func (l *RWLock) Unlock() error {
	if l.block == nil {
		return destroyed("rwlock")
	}
	mode := LockMode(l.held.Swap(0))
	if mode == 0 {
		return errors.Wrap(types.ErrNotLocked, "rwlock unlock")
	}
	return l.release(mode)
}

// Destroy releases any held mode and invalidates the handle; the creating
// handle also retires the control block. Further calls are no-ops.
func (l *RWLock) Destroy() error {
	if l.block == nil {
		return nil
	}
	var err error
	if mode := LockMode(l.held.Swap(0)); mode != 0 {
		err = l.release(mode)
	}
	if l.owner {
		l.block.retire()
	}
	l.block = nil
	l.host = nil
	setNoFinalizer(l)
	return err
}

// precheck validates a lock request. done is true when the handle already
// holds the requested mode.
func (l *RWLock) precheck(mode LockMode) (done bool, err error) {
	if l.block == nil {
		return false, destroyed("rwlock")
	}
	if mode != Read && mode != Write {
		return false, errors.Wrapf(types.ErrInvalidValue, "rwlock mode %v", mode)
	}
	switch held := LockMode(l.held.Load()); held {
	case 0:
		return false, nil
	case mode:
		return true, nil
	default:
		return false, errors.Wrapf(types.ErrAlreadyLocked, "rwlock holds %v, requested %v", held, mode)
	}
}

func (l *RWLock) tryAcquire(mode LockMode) bool {
	b := l.block
	if mode == Write {
		return atomic.CompareAndSwapUint32(&b.state, 0, writerBit)
	}
	for {
		s := atomic.LoadUint32(&b.state)
		if s&writerBit != 0 || s&readerMask == readerMask {
			return false
		}
		if atomic.CompareAndSwapUint32(&b.state, s, s+1) {
			return true
		}
	}
}

func (l *RWLock) acquire(mode LockMode, deadline *timeval.TimeSpec) (bool, error) {
	if l.tryAcquire(mode) {
		return true, nil
	}
	b := l.block
	atomic.AddUint32(&b.waiters, 1)
	defer atomic.AddUint32(&b.waiters, ^uint32(0))
	for {
		seq := atomic.LoadUint32(&b.seq)
		if l.tryAcquire(mode) {
			return true, nil
		}
		err := futexWait(&b.seq, seq, deadline, l.shared)
		if retryable(err) {
			continue
		}
		if err == unix.ETIMEDOUT {
			return false, nil
		}
		return false, futexError("rwlock lock", err)
	}
}

func (l *RWLock) release(mode LockMode) error {
	b := l.block
	if mode == Write {
		atomic.StoreUint32(&b.state, 0)
	} else {
		atomic.AddUint32(&b.state, ^uint32(0))
	}
	atomic.AddUint32(&b.seq, 1)
	if atomic.LoadUint32(&b.waiters) == 0 {
		return nil
	}
	if _, err := futexWake(&b.seq, math.MaxInt32, l.shared); err != nil {
		return futexError("rwlock unlock", err)
	}
	return nil
}
