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
// Package shm keeps counters and gauges in a POSIX shared memory zone so
// that several processes can update and read the same metrics.
package shm

import (
	"os"
	gosync "sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	uatomic "go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"mosn.io/ipc/pkg/log"
	"mosn.io/ipc/pkg/shm"
	ipcsync "mosn.io/ipc/pkg/sync"
	"mosn.io/ipc/pkg/timeval"
	"mosn.io/ipc/pkg/types"
)

const (
	zoneMagic    uint32 = 0x454e4f5a // "ZONE"
	metadataSize        = int(unsafe.Sizeof(metadata{}))
	lockOffset          = int(unsafe.Offsetof(metadata{}.lock))

	flagVolatile uint32 = 1
)

var (
	// LockTimeout bounds how long a zone operation waits for the zone lock,
	// so a process that died holding it cannot hang everybody else.
	LockTimeout = 3 * time.Second

	// ReadyTimeout bounds how long an opener waits for the creator of a
	// zone to finish initializing it.
	ReadyTimeout = time.Second

	ErrCapacity    = errors.New("metrics zone capacity not enough")
	ErrLockTimeout = errors.New("metrics zone lock timeout")
	ErrNameTooLong = errors.New("metrics name too long")
)

// metadata is the layout of the first bytes of a zone. lock holds an
// inline process-shared mutex guarding allocation.
type metadata struct {
	magic    uint32 // 4
	capacity uint32 // 4
	used     uint32 // 4
	ref      uint32 // 4

	lock  [16]byte // 16
	flags uint32   // 4

	padding [92]byte
}

// Zone is a handle on a shared metrics zone. It is safe for concurrent use.
type Zone struct {
	seg     *shm.Segment
	span    *shm.Span
	meta    *metadata
	entries []metricsEntry

	mu   gosync.Mutex
	lock *ipcsync.Mutex

	indexMux gosync.RWMutex
	index    map[string]int

	detached uatomic.Bool
}

// OpenZone opens the zone stored in the POSIX object name, creating it
// with size bytes if it does not exist yet. The lifetime of the creator
// decides whether the object is removed once the last handle of every
// process has detached (Volatile) or stays for later readers (Persistent).
func OpenZone(name string, size int, perm os.FileMode, lifetime types.Lifetime) (*Zone, error) {
	if size < metadataSize+entrySize {
		return nil, errors.Wrapf(types.ErrInvalidSize, "metrics zone size %d, at least %d", size, metadataSize+entrySize)
	}
	seg, err := shm.CreatePosix(name, size, perm, types.Persistent)
	if err == nil {
		z, err := initZone(seg, lifetime)
		if err != nil {
			seg.Remove()
			seg.Detach()
			return nil, err
		}
		log.DefaultLogger.Infof("[metrics] created zone %s with %d entries", name, z.meta.capacity)
		return z, nil
	}
	if !errors.Is(err, unix.EEXIST) {
		return nil, err
	}
	return AttachZone(name)
}

// AttachZone opens an existing zone.
func AttachZone(name string) (*Zone, error) {
	seg, err := shm.OpenPosix(name, false)
	if err != nil {
		return nil, err
	}
	z, err := attachZone(seg)
	if err != nil {
		seg.Detach()
		return nil, err
	}
	log.DefaultLogger.Infof("[metrics] attached zone %s, %d/%d entries used", name, atomic.LoadUint32(&z.meta.used), z.meta.capacity)
	return z, nil
}

func layoutZone(seg *shm.Segment) (*Zone, error) {
	span := shm.NewSpan(seg)
	offset, err := span.Alloc(metadataSize, 8)
	if err != nil {
		return nil, errors.WithMessage(err, "metrics zone metadata")
	}
	return &Zone{
		seg:   seg,
		span:  span,
		meta:  (*metadata)(unsafe.Add(seg.Base(), offset)),
		index: make(map[string]int),
	}, nil
}

func initZone(seg *shm.Segment, lifetime types.Lifetime) (*Zone, error) {
	z, err := layoutZone(seg)
	if err != nil {
		return nil, err
	}
	lock, err := ipcsync.NewMutex(seg, lockOffset, true)
	if err != nil {
		return nil, err
	}
	z.lock = lock
	capacity := z.span.Remaining() / entrySize
	if err := z.mapEntries(capacity); err != nil {
		return nil, err
	}
	atomic.StoreUint32(&z.meta.capacity, uint32(capacity))
	atomic.StoreUint32(&z.meta.used, 0)
	atomic.StoreUint32(&z.meta.ref, 1)
	if lifetime == types.Volatile {
		atomic.StoreUint32(&z.meta.flags, flagVolatile)
	}
	atomic.StoreUint32(&z.meta.magic, zoneMagic)
	return z, nil
}

func attachZone(seg *shm.Segment) (*Zone, error) {
	z, err := layoutZone(seg)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(ReadyTimeout)
	for atomic.LoadUint32(&z.meta.magic) != zoneMagic {
		if time.Now().After(deadline) {
			return nil, errors.Wrapf(types.ErrBadHeader, "metrics zone %s is not initialized", seg.Name())
		}
		time.Sleep(10 * time.Millisecond)
	}
	lock, err := ipcsync.AttachMutex(seg, lockOffset)
	if err != nil {
		return nil, err
	}
	capacity := int(atomic.LoadUint32(&z.meta.capacity))
	if err := z.mapEntries(capacity); err != nil {
		lock.Release()
		return nil, errors.Wrapf(types.ErrBadHeader, "metrics zone %s holds %d entries in %d bytes", seg.Name(), capacity, seg.Len())
	}
	z.lock = lock
	atomic.AddUint32(&z.meta.ref, 1)
	return z, nil
}

func (z *Zone) mapEntries(capacity int) error {
	offset, err := z.span.Alloc(capacity*entrySize, 8)
	if err != nil {
		return err
	}
	if capacity > 0 {
		z.entries = unsafe.Slice((*metricsEntry)(unsafe.Add(z.seg.Base(), offset)), capacity)
	}
	return nil
}

// Name returns the name of the backing object.
func (z *Zone) Name() string {
	return z.seg.Name()
}

// Capacity returns the number of entries the zone can hold.
func (z *Zone) Capacity() int {
	return len(z.entries)
}

// Used returns the number of entries ever allocated in the zone.
func (z *Zone) Used() int {
	return int(atomic.LoadUint32(&z.meta.used))
}

// Refs returns the number of handles attached to the zone, across every
// process.
func (z *Zone) Refs() int {
	return int(atomic.LoadUint32(&z.meta.ref))
}

func (z *Zone) withLock(f func() error) error {
	if z.detached.Load() {
		return errors.Wrap(types.ErrDestroyed, "metrics zone")
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	ok, err := z.lock.TimedLock(timeval.Deadline(LockTimeout))
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockTimeout
	}
	defer z.lock.Unlock()
	return f()
}

// alloc returns the entry called name, allocating it with kind if needed.
// The reference count of the entry is incremented.
func (z *Zone) alloc(name string, kind Kind) (*metricsEntry, error) {
	if len(name) == 0 || len(name) > MaxNameLen {
		return nil, errors.Wrapf(ErrNameTooLong, "%q", name)
	}

	// 1. search in local cache
	z.indexMux.RLock()
	cached, ok := z.index[name]
	z.indexMux.RUnlock()

	var entry *metricsEntry
	var offset int
	err := z.withLock(func() error {
		if ok {
			if e := &z.entries[cached]; e.kind != KindFree && e.equalName(name) {
				if e.kind != kind {
					return errors.Wrapf(types.ErrTypeMismatch, "%s is a %v", name, e.kind)
				}
				e.incRef()
				entry, offset = e, cached
				return nil
			}
		}

		// 2. search in shm entry list
		used := int(atomic.LoadUint32(&z.meta.used))
		free := -1
		for i := 0; i < used; i++ {
			e := &z.entries[i]
			if e.kind == KindFree {
				if free < 0 {
					free = i
				}
				continue
			}
			if e.equalName(name) {
				if e.kind != kind {
					return errors.Wrapf(types.ErrTypeMismatch, "%s is a %v", name, e.kind)
				}
				e.incRef()
				entry, offset = e, i
				return nil
			}
		}

		// 3. reuse a freed entry, or take a new one
		switch {
		case free >= 0:
			offset = free
		case used < len(z.entries):
			offset = used
			atomic.StoreUint32(&z.meta.used, uint32(used+1))
		default:
			return ErrCapacity
		}
		entry = &z.entries[offset]
		atomic.StoreInt64(&entry.value, 0)
		entry.assignName(name)
		entry.kind = kind
		atomic.StoreUint32(&entry.ref, 1)
		return nil
	})
	if err != nil {
		return nil, err
	}

	z.indexMux.Lock()
	z.index[name] = offset
	z.indexMux.Unlock()
	return entry, nil
}

// free drops one reference to entry; the last one returns it to the zone.
func (z *Zone) free(entry *metricsEntry) error {
	return z.withLock(func() error {
		if atomic.LoadUint32(&entry.ref) == 0 || !entry.decRef() {
			return nil
		}
		// a persistent zone keeps unreferenced metrics for later runs
		if z.Lifetime() == types.Persistent {
			return nil
		}
		entry.kind = KindFree
		return nil
	})
}

// Entries returns a snapshot of the allocated metrics.
func (z *Zone) Entries() ([]Entry, error) {
	var list []Entry
	err := z.withLock(func() error {
		used := int(atomic.LoadUint32(&z.meta.used))
		for i := 0; i < used; i++ {
			e := &z.entries[i]
			if e.kind == KindFree {
				continue
			}
			list = append(list, Entry{
				Name:  e.nameString(),
				Kind:  e.kind,
				Value: atomic.LoadInt64(&e.value),
				Refs:  atomic.LoadUint32(&e.ref),
			})
		}
		return nil
	})
	return list, err
}

// Lifetime returns the lifetime the zone was created with.
func (z *Zone) Lifetime() types.Lifetime {
	if atomic.LoadUint32(&z.meta.flags)&flagVolatile != 0 {
		return types.Volatile
	}
	return types.Persistent
}

// Detach releases this handle. When the last handle of every process
// detaches from a Volatile zone the zone object is removed. Further calls
// are no-ops.
func (z *Zone) Detach() error {
	if !z.detached.CAS(false, true) {
		return nil
	}
	name := z.seg.Name()
	last := atomic.AddUint32(&z.meta.ref, ^uint32(0)) == 0 && z.Lifetime() == types.Volatile
	if last {
		z.lock.Destroy()
	} else {
		// the lock stays valid for the other handles and later openers
		z.lock.Release()
	}
	var err error
	if last {
		log.DefaultLogger.Infof("[metrics] last handle of zone %s detached, removing", name)
		err = z.seg.Remove()
	}
	if derr := z.seg.Detach(); derr != nil {
		return derr
	}
	return err
}
