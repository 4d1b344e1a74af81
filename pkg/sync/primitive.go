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
// Package sync implements mutexes, condition variables, reader-writer locks
// and counting semaphores whose state lives inside a caller supplied memory
// region. Placed in shared memory with the shared flag set, the primitives
// synchronize unrelated processes; otherwise they only serve the threads of
// the creating process.
package sync

import (
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"mosn.io/ipc/pkg/log"
	"mosn.io/ipc/pkg/types"
)

const (
	mutexMagic     uint32 = 0x5854554d // "MUTX"
	condMagic      uint32 = 0x444e4f43 // "COND"
	rwlockMagic    uint32 = 0x4b4c5752 // "RWLK"
	semaphoreMagic uint32 = 0x414d4553 // "SEMA"

	flagShared uint32 = 1
)

// header starts every control block. magic is written last on init and
// cleared on destroy, so attaching to garbage or to a destroyed block fails.
type header struct {
	magic uint32
	flags uint32
}

func (h *header) publish(magic uint32, shared bool) {
	var flags uint32
	if shared {
		flags |= flagShared
	}
	atomic.StoreUint32(&h.flags, flags)
	atomic.StoreUint32(&h.magic, magic)
}

func (h *header) retire() {
	atomic.StoreUint32(&h.magic, 0)
}

func (h *header) check(magic uint32) (shared bool, ok bool) {
	if atomic.LoadUint32(&h.magic) != magic {
		return false, false
	}
	return atomic.LoadUint32(&h.flags)&flagShared != 0, true
}

// locate resolves the control block of a primitive inside r.
func locate(kind string, r types.Region, offset int, size, align uintptr) (unsafe.Pointer, error) {
	p, err := types.Locate(r, offset, int(size), int(align))
	if err != nil {
		return nil, errors.WithMessagef(err, "%s at offset %d", kind, offset)
	}
	return p, nil
}

func destroyed(kind string) error {
	return errors.Wrapf(types.ErrDestroyed, "%s", kind)
}

// futexError converts an unexpected futex errno into a system error.
func futexError(kind string, err error) error {
	return errors.WithMessage(os.NewSyscallError("futex", err), kind)
}

// retryable reports whether a futex wait result only means "look again".
func retryable(err error) bool {
	return err == nil || err == unix.EAGAIN || err == unix.EINTR
}

// releaser is implemented by every handle that may be torn down by the
// garbage collector.
type releaser interface {
	Destroy() error
}

func setFinalizer(kind string, h releaser) {
	runtime.SetFinalizer(h, func(h releaser) {
		if err := h.Destroy(); err != nil {
			log.DefaultLogger.Warnf("[sync] finalize %s failed: %v", kind, err)
		}
	})
}

func setNoFinalizer(h interface{}) {
	runtime.SetFinalizer(h, nil)
}
