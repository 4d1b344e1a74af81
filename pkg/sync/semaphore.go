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
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	uatomic "go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"mosn.io/ipc/pkg/timeval"
	"mosn.io/ipc/pkg/types"
)

// SemValueMax is the largest value a semaphore can hold.
const SemValueMax = math.MaxInt32

const (
	semNWaitersShift = 32
	semValueMask     = 1<<semNWaitersShift - 1
	semAlign         = 8
	// semPrivate is glibc's private marker, FUTEX_PRIVATE_FLAG.
	semPrivate uint32 = 128
)

// semBlock is the in-region layout of a Semaphore. Its first 16 bytes are
// the glibc sem_t of 64-bit targets, so C programs using sem_open or
// sem_init on the same memory interoperate: data holds the value in its low
// half and the number of sleepers in its high half, private is 0 for a
// process shared semaphore and FUTEX_PRIVATE_FLAG otherwise. glibc never
// reads past those 16 bytes, which carry the magic header.
type semBlock struct {
	data    uint64
	private uint32
	_       uint32
	header
	_ [8]byte
}

// semValueOffset is where the value half of data starts, the futex word.
var semValueOffset = func() uintptr {
	x := uint64(1)
	if *(*byte)(unsafe.Pointer(&x)) == 1 {
		return 0
	}
	return 4
}()

func (b *semBlock) valueWord() *uint32 {
	return (*uint32)(unsafe.Add(unsafe.Pointer(&b.data), semValueOffset))
}

func (b *semBlock) shared() bool {
	return atomic.LoadUint32(&b.private) == 0
}

var (
	// SemaphoreSize is the number of region bytes a Semaphore occupies.
	SemaphoreSize = int(unsafe.Sizeof(semBlock{}))
	// SemaphoreAlign is the required alignment of a Semaphore offset. The
	// data word is updated with 64-bit atomics on every target.
	SemaphoreAlign = semAlign
)

// Semaphore is a counting semaphore. Anonymous semaphores live at an
// offset of a caller supplied region; named ones are opened with
// OpenSemaphore and live in their own shared memory object.
type Semaphore struct {
	host   types.Region
	block  *semBlock
	shared bool
	owner  bool
	named  *namedEntry
	closed uatomic.Bool
}

// NewSemaphore initializes an anonymous semaphore at offset in r.
func NewSemaphore(r types.Region, offset int, value int, shared bool) (*Semaphore, error) {
	if value < 0 || value > SemValueMax {
		return nil, errors.Wrapf(types.ErrInvalidValue, "semaphore value %d", value)
	}
	p, err := locate("semaphore", r, offset, unsafe.Sizeof(semBlock{}), semAlign)
	if err != nil {
		return nil, err
	}
	b := (*semBlock)(p)
	initSemBlock(b, uint32(value), shared)

	s := &Semaphore{host: r, block: b, shared: shared, owner: true}
	setFinalizer("semaphore", s)
	return s, nil
}

// AttachSemaphore returns a handle to an anonymous semaphore initialized at
// offset in r.
func AttachSemaphore(r types.Region, offset int) (*Semaphore, error) {
	b, shared, err := attachSemBlock(r, offset)
	if err != nil {
		return nil, err
	}
	s := &Semaphore{host: r, block: b, shared: shared}
	setFinalizer("semaphore", s)
	return s, nil
}

func initSemBlock(b *semBlock, value uint32, shared bool) {
	private := semPrivate
	if shared {
		private = 0
	}
	atomic.StoreUint64(&b.data, uint64(value))
	atomic.StoreUint32(&b.private, private)
	b.publish(semaphoreMagic, shared)
}

func semBlockAt(r types.Region, offset int) (*semBlock, error) {
	p, err := locate("semaphore", r, offset, unsafe.Sizeof(semBlock{}), semAlign)
	if err != nil {
		return nil, err
	}
	return (*semBlock)(p), nil
}

func attachSemBlock(r types.Region, offset int) (*semBlock, bool, error) {
	b, err := semBlockAt(r, offset)
	if err != nil {
		return nil, false, err
	}
	if _, ok := b.check(semaphoreMagic); !ok {
		return nil, false, errors.Wrapf(types.ErrDestroyed, "no semaphore at offset %d", offset)
	}
	return b, b.shared(), nil
}

// Shared reports whether the semaphore works across processes.
func (s *Semaphore) Shared() bool {
	return s.shared
}

// Name returns the name of a named semaphore, or "".
func (s *Semaphore) Name() string {
	if s.named == nil {
		return ""
	}
	return s.named.name
}

// Value returns a snapshot of the current count.
func (s *Semaphore) Value() (int, error) {
	if s.block == nil {
		return 0, destroyed("semaphore")
	}
	return int(atomic.LoadUint64(&s.block.data) & semValueMask), nil
}

// Post increments the count, waking one waiter if any.
func (s *Semaphore) Post() error {
	if s.block == nil {
		return destroyed("semaphore")
	}
	b := s.block
	var d uint64
	for {
		d = atomic.LoadUint64(&b.data)
		if d&semValueMask >= SemValueMax {
			return errors.WithMessage(os.NewSyscallError("sem_post", unix.EOVERFLOW), "semaphore post")
		}
		if atomic.CompareAndSwapUint64(&b.data, d, d+1) {
			break
		}
	}
	if d>>semNWaitersShift == 0 {
		return nil
	}
	if _, err := futexWake(b.valueWord(), 1, s.shared); err != nil {
		return futexError("semaphore post", err)
	}
	return nil
}

// Wait decrements the count, blocking while it is zero. It returns
// types.ErrInterrupted if a signal ended the wait.
func (s *Semaphore) Wait() error {
	return s.wait(nil)
}

// TryWait decrements the count if it is positive and reports whether it
// did.
func (s *Semaphore) TryWait() (bool, error) {
	if s.block == nil {
		return false, destroyed("semaphore")
	}
	return s.decrement(), nil
}

// TimedWait is Wait bounded by an absolute deadline. It returns
// types.ErrTimeout once the deadline passes without a decrement.
func (s *Semaphore) TimedWait(deadline timeval.TimeSpec) error {
	return s.wait(&deadline)
}

// Destroy invalidates the handle. For an anonymous semaphore the creating
// handle also retires the control block; for a named one it is Close.
// Further calls are no-ops.
func (s *Semaphore) Destroy() error {
	if s.named != nil {
		return s.Close()
	}
	if s.block == nil {
		return nil
	}
	if s.owner {
		s.block.retire()
	}
	s.block = nil
	s.host = nil
	setNoFinalizer(s)
	return nil
}

func (s *Semaphore) decrement() bool {
	b := s.block
	for {
		d := atomic.LoadUint64(&b.data)
		if d&semValueMask == 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(&b.data, d, d-1) {
			return true
		}
	}
}

func (s *Semaphore) wait(deadline *timeval.TimeSpec) error {
	if s.block == nil {
		return destroyed("semaphore")
	}
	if s.decrement() {
		return nil
	}
	b := s.block
	atomic.AddUint64(&b.data, 1<<semNWaitersShift)
	defer atomic.AddUint64(&b.data, ^uint64(1<<semNWaitersShift-1))
	for {
		if s.decrement() {
			return nil
		}
		switch err := futexWait(b.valueWord(), 0, deadline, s.shared); err {
		case nil, unix.EAGAIN:
		case unix.EINTR:
			return types.ErrInterrupted
		case unix.ETIMEDOUT:
			return types.ErrTimeout
		default:
			return futexError("semaphore wait", err)
		}
	}
}
