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
	gosync "sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"mosn.io/ipc/pkg/log"
	"mosn.io/ipc/pkg/shm"
	"mosn.io/ipc/pkg/types"
)

// namedEntry is the process-local state of one opened named semaphore.
// Every handle opened on the same name shares the entry and its mapping.
type namedEntry struct {
	name     string
	seg      *shm.Segment
	block    *semBlock
	refs     int
	volatile bool
	removed  bool
}

var registry = struct {
	gosync.Mutex
	entries map[string]*namedEntry
}{entries: make(map[string]*namedEntry)}

// semObject maps a semaphore name to the POSIX shared memory object that
// backs it.
func semObject(name string) (string, error) {
	if _, err := shm.Path(name); err != nil {
		return "", errors.Wrapf(types.ErrInvalidName, "semaphore name %q", name)
	}
	object := "/sem." + name[1:]
	if _, err := shm.Path(object); err != nil {
		return "", errors.Wrapf(types.ErrInvalidName, "semaphore name %q", name)
	}
	return object, nil
}

// OpenSemaphore opens the named semaphore name, which must look like a
// POSIX shared memory name. flag may contain os.O_CREATE, to create the
// semaphore with value and perm when it does not exist, and os.O_EXCL, to
// fail when it does. Opening a name already open in this process returns a
// handle on the same mapping.
//
// A Volatile semaphore is unlinked once every handle of this process that
// opened the name has been closed.
func OpenSemaphore(name string, flag int, perm os.FileMode, value int, lifetime types.Lifetime) (*Semaphore, error) {
	object, err := semObject(name)
	if err != nil {
		return nil, err
	}
	if flag&^(os.O_CREATE|os.O_EXCL) != 0 {
		return nil, errors.Wrapf(types.ErrInvalidValue, "semaphore flags %#x", flag)
	}
	create := flag&os.O_CREATE != 0
	if create && (value < 0 || value > SemValueMax) {
		return nil, errors.Wrapf(types.ErrInvalidValue, "semaphore value %d", value)
	}

	registry.Lock()
	defer registry.Unlock()

	if e, ok := registry.entries[name]; ok && !(create && flag&os.O_EXCL != 0) {
		return e.handle(lifetime), nil
	}

	seg, created, err := openSemObject(object, create, flag&os.O_EXCL != 0, perm, uint32(value))
	if err != nil {
		return nil, errors.WithMessagef(err, "open semaphore %s", name)
	}
	b, err := attachNamedBlock(seg)
	if err != nil {
		err = errors.WithMessagef(err, "open semaphore %s", name)
		if derr := seg.Detach(); derr != nil {
			log.DefaultLogger.Warnf("[sync] detach semaphore %s failed: %v", name, derr)
		}
		return nil, err
	}
	log.DefaultLogger.Debugf("[sync] opened semaphore %s, created: %v", name, created)

	if old, ok := registry.entries[name]; ok {
		old.removed = true
	}
	e := &namedEntry{name: name, seg: seg, block: b}
	registry.entries[name] = e
	return e.handle(lifetime), nil
}

func (e *namedEntry) handle(lifetime types.Lifetime) *Semaphore {
	e.refs++
	if lifetime == types.Volatile {
		e.volatile = true
	}
	s := &Semaphore{host: e.seg, block: e.block, shared: true, named: e}
	setFinalizer("semaphore", s)
	return s
}

// openSemObject opens the object backing a named semaphore, creating it if
// allowed. A new object is fully initialized under a temporary name and
// then linked into place, so no process ever sees a half built semaphore.
func openSemObject(object string, create, excl bool, perm os.FileMode, value uint32) (*shm.Segment, bool, error) {
	for {
		if !excl {
			seg, err := shm.OpenPosix(object, false)
			if err == nil {
				return seg, false, nil
			}
			if !create || !errors.Is(err, unix.ENOENT) {
				return nil, false, err
			}
		}

		tmp := "/sem." + uuid.New().String()
		seg, err := shm.CreatePosix(tmp, SemaphoreSize, perm, types.Persistent)
		if err != nil {
			return nil, false, err
		}
		b, err := semBlockAt(seg, 0)
		if err == nil {
			initSemBlock(b, value, true)
			err = linkSemObject(tmp, object)
		}
		if rerr := shm.RemovePosix(tmp); rerr != nil {
			log.DefaultLogger.Warnf("[sync] remove temporary semaphore %s failed: %v", tmp, rerr)
		}
		if err == nil {
			return seg, true, nil
		}
		if derr := seg.Detach(); derr != nil {
			log.DefaultLogger.Warnf("[sync] detach temporary semaphore %s failed: %v", tmp, derr)
		}
		if excl || !errors.Is(err, unix.EEXIST) {
			return nil, false, err
		}
		// Lost a creation race: open the winner.
	}
}

// attachNamedBlock validates the block of a named semaphore object. Objects
// created by glibc's sem_open carry no magic header; they are recognized by
// their exact sem_t size and the process shared marker.
func attachNamedBlock(seg *shm.Segment) (*semBlock, error) {
	b, err := semBlockAt(seg, 0)
	if err != nil {
		return nil, err
	}
	if _, ok := b.check(semaphoreMagic); !ok && seg.Len() != SemaphoreSize {
		return nil, errors.Wrapf(types.ErrDestroyed, "no semaphore in a %d byte object", seg.Len())
	}
	if !b.shared() {
		return nil, errors.Wrap(types.ErrDestroyed, "semaphore is not process shared")
	}
	return b, nil
}

func linkSemObject(from, to string) error {
	src, err := shm.Path(from)
	if err != nil {
		return err
	}
	dst, err := shm.Path(to)
	if err != nil {
		return err
	}
	if err := unix.Link(src, dst); err != nil {
		return os.NewSyscallError("link", err)
	}
	return nil
}

// Close releases this handle of a named semaphore. When the last handle of
// the process is closed the mapping is released and a Volatile semaphore
// is unlinked. Anonymous semaphores are destroyed. Further calls are
// no-ops.
func (s *Semaphore) Close() error {
	if s.named == nil {
		return s.Destroy()
	}
	if !s.closed.CAS(false, true) {
		return nil
	}
	setNoFinalizer(s)
	e := s.named
	s.block = nil
	s.host = nil

	registry.Lock()
	defer registry.Unlock()
	e.refs--
	if e.refs > 0 {
		return nil
	}
	if registry.entries[e.name] == e {
		delete(registry.entries, e.name)
	}
	err := e.seg.Detach()
	if e.volatile && !e.removed {
		if rerr := removeSemaphore(e.name); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

// RemoveSemaphore unlinks the named semaphore. Open handles keep working;
// a later OpenSemaphore of the same name sees a different semaphore. A
// missing name is not an error.
func RemoveSemaphore(name string) error {
	registry.Lock()
	defer registry.Unlock()
	return removeSemaphore(name)
}

func removeSemaphore(name string) error {
	object, err := semObject(name)
	if err != nil {
		return err
	}
	if e, ok := registry.entries[name]; ok {
		e.removed = true
		delete(registry.entries, name)
	}
	return errors.WithMessagef(shm.RemovePosix(object), "remove semaphore %s", name)
}
