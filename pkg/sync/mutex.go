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
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	uatomic "go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"mosn.io/ipc/pkg/timeval"
	"mosn.io/ipc/pkg/types"
)

// mutexBlock is the in-region layout of a Mutex. state is 0 when free,
// 1 when locked and 2 when locked with possible waiters.
type mutexBlock struct {
	header
	state uint32
	_     uint32
}

var (
	// MutexSize is the number of region bytes a Mutex occupies.
	MutexSize = int(unsafe.Sizeof(mutexBlock{}))
	// MutexAlign is the required alignment of a Mutex offset.
	MutexAlign = int(unsafe.Alignof(mutexBlock{}))
)

// Mutex is a non-recursive lock placed in a memory region.
type Mutex struct {
	host   types.Region
	block  *mutexBlock
	shared bool
	owner  bool
	locked uatomic.Bool
}

// NewMutex initializes a mutex at offset in r. A shared mutex may be used
// by every process mapping r.
func NewMutex(r types.Region, offset int, shared bool) (*Mutex, error) {
	p, err := locate("mutex", r, offset, unsafe.Sizeof(mutexBlock{}), unsafe.Alignof(mutexBlock{}))
	if err != nil {
		return nil, err
	}
	b := (*mutexBlock)(p)
	atomic.StoreUint32(&b.state, 0)
	b.publish(mutexMagic, shared)

	m := &Mutex{host: r, block: b, shared: shared, owner: true}
	setFinalizer("mutex", m)
	return m, nil
}

// AttachMutex returns a handle to a mutex another handle, possibly in
// another process, initialized at offset in r.
func AttachMutex(r types.Region, offset int) (*Mutex, error) {
	p, err := locate("mutex", r, offset, unsafe.Sizeof(mutexBlock{}), unsafe.Alignof(mutexBlock{}))
	if err != nil {
		return nil, err
	}
	b := (*mutexBlock)(p)
	shared, ok := b.check(mutexMagic)
	if !ok {
		return nil, errors.Wrapf(types.ErrDestroyed, "no mutex at offset %d", offset)
	}
	m := &Mutex{host: r, block: b, shared: shared}
	setFinalizer("mutex", m)
	return m, nil
}

// Shared reports whether the mutex synchronizes across processes.
func (m *Mutex) Shared() bool {
	return m.shared
}

// Locked reports whether this handle holds the lock.
func (m *Mutex) Locked() bool {
	return m.locked.Load()
}

// Lock blocks until the lock is acquired.
func (m *Mutex) Lock() error {
	if m.block == nil {
		return destroyed("mutex")
	}
	if m.locked.Load() {
		return errors.Wrap(types.ErrAlreadyLocked, "mutex lock")
	}
	if _, err := m.acquire(nil); err != nil {
		return err
	}
	m.locked.Store(true)
	return nil
}

// TryLock acquires the lock if it is free and reports whether it did.
func (m *Mutex) TryLock() (bool, error) {
	if m.block == nil {
		return false, destroyed("mutex")
	}
	if m.locked.Load() {
		return false, nil
	}
	if !atomic.CompareAndSwapUint32(&m.block.state, 0, 1) {
		return false, nil
	}
	m.locked.Store(true)
	return true, nil
}

// TimedLock blocks until the lock is acquired or the absolute deadline
// passes. It returns false on timeout.
func (m *Mutex) TimedLock(deadline timeval.TimeSpec) (bool, error) {
	if m.block == nil {
		return false, destroyed("mutex")
	}
	if m.locked.Load() {
		return false, errors.Wrap(types.ErrAlreadyLocked, "mutex lock")
	}
	ok, err := m.acquire(&deadline)
	if ok {
		m.locked.Store(true)
	}
	return ok, err
}

// Unlock releases the lock held by this handle.
func (m *Mutex) Unlock() error {
	if m.block == nil {
		return destroyed("mutex")
	}
	if !m.locked.Load() {
		return errors.Wrap(types.ErrNotLocked, "mutex unlock")
	}
	m.locked.Store(false)
	return m.release()
}

// Destroy releases the lock if held and invalidates the handle. Destroying
// the creating handle also retires the control block. Further calls are
// no-ops.
func (m *Mutex) Destroy() error {
	return m.teardown(m.owner)
}

// Release releases the lock if held and invalidates the handle, leaving the
// control block usable by other handles even if this one created it.
func (m *Mutex) Release() error {
	return m.teardown(false)
}

func (m *Mutex) teardown(retire bool) error {
	if m.block == nil {
		return nil
	}
	var err error
	if m.locked.CAS(true, false) {
		err = m.release()
	}
	if retire {
		m.block.retire()
	}
	m.block = nil
	m.host = nil
	setNoFinalizer(m)
	return err
}

func (m *Mutex) acquire(deadline *timeval.TimeSpec) (bool, error) {
	b := m.block
	if atomic.CompareAndSwapUint32(&b.state, 0, 1) {
		return true, nil
	}
	for atomic.SwapUint32(&b.state, 2) != 0 {
		err := futexWait(&b.state, 2, deadline, m.shared)
		if retryable(err) {
			continue
		}
		if err == unix.ETIMEDOUT {
			return false, nil
		}
		return false, futexError("mutex lock", err)
	}
	return true, nil
}

func (m *Mutex) release() error {
	b := m.block
	if atomic.AddUint32(&b.state, ^uint32(0)) == 0 {
		return nil
	}
	atomic.StoreUint32(&b.state, 0)
	if _, err := futexWake(&b.state, 1, m.shared); err != nil {
		return futexError("mutex unlock", err)
	}
	return nil
}
