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
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"mosn.io/ipc/pkg/timeval"
	"mosn.io/ipc/pkg/types"
)

// condBlock is the in-region layout of a Cond. Every signal advances seq;
// waiters sleep on the value they observed before releasing the mutex.
type condBlock struct {
	header
	seq uint32
	_   uint32
}

var (
	// CondSize is the number of region bytes a Cond occupies.
	CondSize = int(unsafe.Sizeof(condBlock{}))
	// CondAlign is the required alignment of a Cond offset.
	CondAlign = int(unsafe.Alignof(condBlock{}))
)

// Cond is a condition variable placed in a memory region. It is always
// used together with a Mutex held by the waiting handle.
type Cond struct {
	host   types.Region
	block  *condBlock
	shared bool
	owner  bool
}

// NewCond initializes a condition variable at offset in r.
func NewCond(r types.Region, offset int, shared bool) (*Cond, error) {
	p, err := locate("cond", r, offset, unsafe.Sizeof(condBlock{}), unsafe.Alignof(condBlock{}))
	if err != nil {
		return nil, err
	}
	b := (*condBlock)(p)
	atomic.StoreUint32(&b.seq, 0)
	b.publish(condMagic, shared)

	c := &Cond{host: r, block: b, shared: shared, owner: true}
	setFinalizer("cond", c)
	return c, nil
}

// AttachCond returns a handle to a condition variable initialized at
// offset in r.
func AttachCond(r types.Region, offset int) (*Cond, error) {
	p, err := locate("cond", r, offset, unsafe.Sizeof(condBlock{}), unsafe.Alignof(condBlock{}))
	if err != nil {
		return nil, err
	}
	b := (*condBlock)(p)
	shared, ok := b.check(condMagic)
	if !ok {
		return nil, errors.Wrapf(types.ErrDestroyed, "no cond at offset %d", offset)
	}
	c := &Cond{host: r, block: b, shared: shared}
	setFinalizer("cond", c)
	return c, nil
}

// Shared reports whether the condition variable works across processes.
func (c *Cond) Shared() bool {
	return c.shared
}

// Wait atomically releases m and blocks until signaled, then reacquires m
// before returning. Spurious wakeups are possible.
func (c *Cond) Wait(m *Mutex) error {
	_, err := c.wait(m, nil)
	return err
}

// TimedWait is Wait bounded by an absolute deadline. It returns false if
// the deadline passed. m is held again on return in both cases.
func (c *Cond) TimedWait(m *Mutex, deadline timeval.TimeSpec) (bool, error) {
	return c.wait(m, &deadline)
}

// Signal wakes at most one waiter.
func (c *Cond) Signal() error {
	return c.notify(1)
}

// Broadcast wakes every waiter.
func (c *Cond) Broadcast() error {
	return c.notify(math.MaxInt32)
}

// Destroy invalidates the handle; the creating handle also retires the
// control block. Further calls are no-ops.
func (c *Cond) Destroy() error {
	if c.block == nil {
		return nil
	}
	if c.owner {
		c.block.retire()
	}
	c.block = nil
	c.host = nil
	setNoFinalizer(c)
	return nil
}

func (c *Cond) notify(n int) error {
	if c.block == nil {
		return destroyed("cond")
	}
	atomic.AddUint32(&c.block.seq, 1)
	if _, err := futexWake(&c.block.seq, n, c.shared); err != nil {
		return futexError("cond signal", err)
	}
	return nil
}

func (c *Cond) wait(m *Mutex, deadline *timeval.TimeSpec) (bool, error) {
	if c.block == nil {
		return false, destroyed("cond")
	}
	if m == nil || m.block == nil {
		return false, destroyed("mutex")
	}
	if !m.locked.Load() {
		return false, errors.Wrap(types.ErrNotLocked, "cond wait")
	}

	seq := atomic.LoadUint32(&c.block.seq)
	m.locked.Store(false)
	if err := m.release(); err != nil {
		return false, err
	}

	werr := futexWait(&c.block.seq, seq, deadline, c.shared)

	if _, err := m.acquire(nil); err != nil {
		return false, err
	}
	m.locked.Store(true)

	switch {
	case retryable(werr):
		return true, nil
	case werr == unix.ETIMEDOUT:
		return false, nil
	default:
		return false, futexError("cond wait", werr)
	}
}
