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

package shm

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"mosn.io/ipc/pkg/log"
	"mosn.io/ipc/pkg/types"
)

// CreateSysV allocates a System V segment of size bytes and attaches it for
// reading and writing. Unless key is IPCPrivate, the call fails when a
// segment already exists for key.
//
// A Volatile segment is marked for destruction right after it is attached:
// the kernel frees it once the last process detaches, crashes included.
// On Linux it can still be attached by identifier until then.
//
// The segment is destroyed again if it cannot be attached, and detached if
// it cannot be marked.
func CreateSysV(key Key, size int, perm os.FileMode, lifetime types.Lifetime) (*Segment, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}

	flag := int(perm&types.ModeMask) | unix.IPC_CREAT
	if key != IPCPrivate {
		flag |= unix.IPC_EXCL
	}
	id, err := unix.SysvShmGet(int(key), size, flag)
	if err != nil {
		return nil, errors.Wrapf(syscallError("shmget", err), "create segment key %#x", uint32(key))
	}

	data, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return nil, errors.Wrapf(syscallError("shmat", err), "create segment %d", id)
	}

	if lifetime == types.Volatile {
		if _, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil); err != nil {
			unix.SysvShmDetach(data)
			return nil, errors.Wrapf(syscallError("shmctl", err), "create segment %d", id)
		}
	}

	log.DefaultLogger.Debugf("[shm] created sysv segment %d (key %#x), %d bytes, mode %#o, %s",
		id, uint32(key), size, perm&types.ModeMask, lifetime)
	return newSegment(SysV, "", key, id, data, false, lifetime), nil
}

// OpenSysV attaches the existing segment associated with key.
func OpenSysV(key Key, readOnly bool) (*Segment, error) {
	if key == IPCPrivate {
		return nil, errors.Wrap(types.ErrInvalidValue, "a private key cannot be opened")
	}
	id, err := unix.SysvShmGet(int(key), 0, 0)
	if err != nil {
		return nil, errors.Wrapf(syscallError("shmget", err), "open segment key %#x", uint32(key))
	}
	return AttachSysV(id, readOnly)
}

// AttachSysV attaches the segment with identifier id. Its size is the size
// reported by the kernel.
func AttachSysV(id int, readOnly bool) (*Segment, error) {
	flag := 0
	if readOnly {
		flag = unix.SHM_RDONLY
	}
	data, err := unix.SysvShmAttach(id, 0, flag)
	if err != nil {
		return nil, errors.Wrapf(syscallError("shmat", err), "attach segment %d", id)
	}

	var desc unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(id, unix.IPC_STAT, &desc); err != nil {
		unix.SysvShmDetach(data)
		return nil, errors.Wrapf(syscallError("shmctl", err), "attach segment %d", id)
	}

	log.DefaultLogger.Debugf("[shm] attached sysv segment %d, %d bytes, read-only %t", id, len(data), readOnly)
	return newSegment(SysV, "", Key(desc.Perm.Key), id, data, readOnly, types.Persistent), nil
}

// RemoveSysV marks the segment id for destruction; it goes away after the
// last detach. A segment that no longer exists is not an error.
func RemoveSysV(id int) error {
	if _, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil); err != nil {
		if err == unix.EINVAL || err == unix.EIDRM {
			return nil
		}
		return errors.Wrapf(syscallError("shmctl", err), "remove segment %d", id)
	}
	log.DefaultLogger.Debugf("[shm] removed sysv segment %d", id)
	return nil
}

// RemoveSysVKey is RemoveSysV for the segment associated with key.
func RemoveSysVKey(key Key) error {
	if key == IPCPrivate {
		return errors.Wrap(types.ErrInvalidValue, "a private key cannot be removed")
	}
	id, err := unix.SysvShmGet(int(key), 0, 0)
	if err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return errors.Wrapf(syscallError("shmget", err), "remove segment key %#x", uint32(key))
	}
	return RemoveSysV(id)
}

// ConfigureSysV sets the permission bits of segment id. The current
// permissions are queried first and no update is issued when they match.
func ConfigureSysV(id int, perm os.FileMode) error {
	var desc unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(id, unix.IPC_STAT, &desc); err != nil {
		return errors.Wrapf(syscallError("shmctl", err), "configure segment %d", id)
	}
	mode := uint32(perm & types.ModeMask)
	if desc.Perm.Mode&uint32(types.ModeMask) == mode {
		return nil
	}
	desc.Perm.Mode = desc.Perm.Mode&^uint32(types.ModeMask) | mode
	if _, err := unix.SysvShmCtl(id, unix.IPC_SET, &desc); err != nil {
		return errors.Wrapf(syscallError("shmctl", err), "configure segment %d", id)
	}
	return nil
}

// QuerySysV reports what the kernel knows about segment id.
func QuerySysV(id int) (*Info, error) {
	var desc unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(id, unix.IPC_STAT, &desc); err != nil {
		return nil, errors.Wrapf(syscallError("shmctl", err), "query segment %d", id)
	}
	return &Info{
		Kind:    SysV,
		Key:     Key(desc.Perm.Key),
		ID:      id,
		Size:    int64(desc.Segsz),
		Mode:    os.FileMode(desc.Perm.Mode) & types.ModeMask,
		UID:     desc.Perm.Uid,
		GID:     desc.Perm.Gid,
		CUID:    desc.Perm.Cuid,
		CGID:    desc.Perm.Cgid,
		CPID:    desc.Cpid,
		LPID:    desc.Lpid,
		NAttach: int64(desc.Nattch),
		ATime:   unixTime(int64(desc.Atime)),
		DTime:   unixTime(int64(desc.Dtime)),
		CTime:   unixTime(int64(desc.Ctime)),
	}, nil
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
