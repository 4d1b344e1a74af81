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

// Package shm creates, attaches, queries and destroys shared memory
// segments. Two flavours are supported: POSIX segments identified by a
// "/name" and backed by a file of /dev/shm, and System V segments identified
// by an integer key and an identifier returned by the kernel.
//
// An attached Segment is a types.Region: views and inline synchronization
// primitives can be placed inside it. The package targets Linux.
package shm

import (
	"fmt"
	"os"
	"runtime"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"mosn.io/ipc/pkg/log"
	"mosn.io/ipc/pkg/types"
)

// Kind tells how a segment is named.
type Kind uint8

const (
	// Posix segments are named by a string starting with a slash.
	Posix Kind = iota
	// SysV segments are named by a key and an identifier.
	SysV
)

func (k Kind) String() string {
	switch k {
	case Posix:
		return "posix"
	case SysV:
		return "sysv"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Segment is a shared memory segment attached to the address space of the
// calling process. Its memory is valid until Detach is called; Detach runs
// automatically when the Segment becomes unreachable.
//
// A Segment must not be used concurrently from several goroutines without
// external synchronization.
type Segment struct {
	kind     Kind
	name     string
	key      Key
	id       int
	data     []byte
	readOnly bool
	lifetime types.Lifetime
	detached atomic.Bool

	// fd keeps a POSIX object reachable after its name is unlinked or
	// reused; dev and ino tell whether the name still refers to it.
	fd  int
	dev uint64
	ino uint64
}

var _ types.Region = (*Segment)(nil)

func newSegment(kind Kind, name string, key Key, id int, data []byte, readOnly bool, lifetime types.Lifetime) *Segment {
	s := &Segment{
		kind:     kind,
		name:     name,
		key:      key,
		id:       id,
		data:     data,
		readOnly: readOnly,
		lifetime: lifetime,
		fd:       -1,
	}
	runtime.SetFinalizer(s, finalizeSegment)
	return s
}

func finalizeSegment(s *Segment) {
	if err := s.Detach(); err != nil {
		log.DefaultLogger.Warnf("[shm] detach unreachable segment %s failed: %v", s, err)
	}
}

// Base returns the address of the attached memory, nil once detached.
func (s *Segment) Base() unsafe.Pointer {
	if len(s.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&s.data[0])
}

// Len returns the size of the segment in bytes, 0 once detached.
func (s *Segment) Len() int {
	return len(s.data)
}

// Bytes returns the attached memory. The slice must not be used after Detach.
func (s *Segment) Bytes() []byte {
	return s.data
}

// Kind returns the flavour of the segment.
func (s *Segment) Kind() Kind {
	return s.kind
}

// Name returns the name of a POSIX segment, "" for System V.
func (s *Segment) Name() string {
	return s.name
}

// Key returns the key of a System V segment.
func (s *Segment) Key() Key {
	return s.key
}

// ID returns the identifier of a System V segment, -1 for POSIX.
func (s *Segment) ID() int {
	return s.id
}

// ReadOnly reports whether the segment was attached for reading only.
func (s *Segment) ReadOnly() bool {
	return s.readOnly
}

// Lifetime reports whether the segment was marked for destruction at
// creation.
func (s *Segment) Lifetime() types.Lifetime {
	return s.lifetime
}

// Detached reports whether Detach has been called.
func (s *Segment) Detached() bool {
	return s.detached.Load()
}

func (s *Segment) String() string {
	if s.kind == Posix {
		return fmt.Sprintf("posix:%s", s.name)
	}
	return fmt.Sprintf("sysv:%d(key=%#x)", s.id, uint32(s.key))
}

// Detach unmaps the segment from the address space of the process. The
// kernel object itself is not removed. Calling Detach more than once is a
// no-op.
func (s *Segment) Detach() error {
	if !s.detached.CAS(false, true) {
		return nil
	}
	runtime.SetFinalizer(s, nil)
	data := s.data
	s.data = nil
	var err error
	if s.fd >= 0 {
		err = syscallError("close", unix.Close(s.fd))
		s.fd = -1
	}
	if len(data) == 0 {
		return errors.WithMessagef(err, "detach %s", s)
	}

	switch s.kind {
	case Posix:
		if merr := syscallError("munmap", unix.Munmap(data)); merr != nil {
			err = merr
		}
	case SysV:
		err = syscallError("shmdt", unix.SysvShmDetach(data))
	}
	if err != nil {
		return errors.Wrapf(err, "detach %s", s)
	}
	log.DefaultLogger.Debugf("[shm] detached %s", s)
	return nil
}

// Close is Detach, so that a Segment is an io.Closer.
func (s *Segment) Close() error {
	return s.Detach()
}

// Remove marks the kernel object for destruction without detaching it: the
// name of a POSIX segment is unlinked, a System V segment is destroyed once
// its last attachment goes away. An already removed object is not an error,
// and neither is a POSIX name that now refers to another object, which is
// left alone.
func (s *Segment) Remove() error {
	if s.kind == Posix {
		return s.removePosix()
	}
	return RemoveSysV(s.id)
}

// Configure sets the permission bits of the kernel object. Nothing is
// changed when they already match. It works on a POSIX segment whose name
// is gone as long as the segment is attached.
func (s *Segment) Configure(perm os.FileMode) error {
	if s.kind == Posix {
		return s.configurePosix(perm)
	}
	return ConfigureSysV(s.id, perm)
}

// Info queries the kernel about the segment. A POSIX segment is queried
// through its own handle, so the segment must still be attached.
func (s *Segment) Info() (*Info, error) {
	if s.kind == Posix {
		return s.queryPosix()
	}
	return QuerySysV(s.id)
}

// Info describes a shared memory object as reported by the kernel. Fields
// the kernel does not track for a flavour are zero, except NAttach which is
// -1 for POSIX segments.
type Info struct {
	Kind    Kind        `json:"kind"`
	Name    string      `json:"name,omitempty"`
	Key     Key         `json:"key,omitempty"`
	ID      int         `json:"id"`
	Size    int64       `json:"size"`
	Mode    os.FileMode `json:"mode"`
	UID     uint32      `json:"uid"`
	GID     uint32      `json:"gid"`
	CUID    uint32      `json:"cuid"`
	CGID    uint32      `json:"cgid"`
	CPID    int32       `json:"cpid,omitempty"`
	LPID    int32       `json:"lpid,omitempty"`
	NAttach int64       `json:"nattach"`
	ATime   time.Time   `json:"atime"`
	DTime   time.Time   `json:"dtime"`
	CTime   time.Time   `json:"ctime"`
}

func syscallError(op string, err error) error {
	if err == nil {
		return nil
	}
	return os.NewSyscallError(op, err)
}

func checkSize(size int) error {
	if size < 1 {
		return errors.Wrapf(types.ErrInvalidSize, "segment size %d", size)
	}
	return nil
}
