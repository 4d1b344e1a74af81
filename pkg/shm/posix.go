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
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"mosn.io/ipc/pkg/log"
	"mosn.io/ipc/pkg/types"
)

// Dir is the tmpfs directory backing POSIX shared memory objects.
var Dir = "/dev/shm"

const maxNameLen = 255

// Path returns the file backing the POSIX object name, checking that name
// is a single slash followed by 1 to 255 characters none of which is a
// slash.
func Path(name string) (string, error) {
	if len(name) < 2 || name[0] != '/' || strings.IndexByte(name[1:], '/') >= 0 || len(name)-1 > maxNameLen ||
		strings.IndexByte(name, 0) >= 0 || name == "/." || name == "/.." {
		return "", errors.Wrapf(types.ErrInvalidName, "posix name %q", name)
	}
	return Dir + name, nil
}

func shmOpen(path string, flag int, perm os.FileMode) (int, error) {
	fd, err := unix.Open(path, flag|unix.O_CLOEXEC|unix.O_NOFOLLOW, uint32(perm&types.ModeMask))
	if err != nil {
		return -1, syscallError("shm_open", err)
	}
	return fd, nil
}

// CreatePosix creates the POSIX object name with size bytes and maps it for
// reading and writing. It fails if the object exists. The permission bits
// are filtered by the umask of the process.
//
// A Volatile object is unlinked as soon as it is mapped: it disappears from
// the namespace at once and its memory is released with the last mapping,
// even if the process crashes. Such a segment is only reachable through
// mappings inherited from this one.
//
// Every step is undone when a later one fails.
func CreatePosix(name string, size int, perm os.FileMode, lifetime types.Lifetime) (seg *Segment, err error) {
	path, err := Path(name)
	if err != nil {
		return nil, err
	}
	if err := checkSize(size); err != nil {
		return nil, err
	}

	fd, err := shmOpen(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, perm)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", name)
	}

	var data []byte
	linked := true
	defer func() {
		if err == nil {
			return
		}
		if data != nil {
			unix.Munmap(data)
		}
		if fd >= 0 {
			unix.Close(fd)
		}
		if linked {
			unix.Unlink(path)
		}
		err = errors.Wrapf(err, "create %s", name)
	}()

	if err = syscallError("ftruncate", unix.Ftruncate(fd, int64(size))); err != nil {
		return nil, err
	}
	data, err = unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		data = nil
		err = syscallError("mmap", err)
		return nil, err
	}
	var st unix.Stat_t
	if err = syscallError("fstat", unix.Fstat(fd, &st)); err != nil {
		return nil, err
	}
	if lifetime == types.Volatile {
		if err = syscallError("shm_unlink", unix.Unlink(path)); err != nil {
			return nil, err
		}
		linked = false
	}

	log.DefaultLogger.Debugf("[shm] created %s, %d bytes, mode %#o, %s", name, size, perm&types.ModeMask, lifetime)
	seg = newSegment(Posix, name, 0, -1, data, false, lifetime)
	seg.fd, seg.dev, seg.ino = fd, uint64(st.Dev), uint64(st.Ino)
	return seg, nil
}

// OpenPosix maps the existing POSIX object name. Its size is the current
// size of the object.
func OpenPosix(name string, readOnly bool) (*Segment, error) {
	path, err := Path(name)
	if err != nil {
		return nil, err
	}

	flag, prot := unix.O_RDWR, unix.PROT_READ|unix.PROT_WRITE
	if readOnly {
		flag, prot = unix.O_RDONLY, unix.PROT_READ
	}
	fd, err := shmOpen(path, flag, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", name)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(syscallError("fstat", err), "open %s", name)
	}
	if st.Size < 1 {
		unix.Close(fd)
		return nil, errors.Wrapf(types.ErrInvalidSize, "open %s: object is empty", name)
	}
	data, err := unix.Mmap(fd, 0, int(st.Size), prot, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(syscallError("mmap", err), "open %s", name)
	}

	log.DefaultLogger.Debugf("[shm] opened %s, %d bytes, read-only %t", name, st.Size, readOnly)
	seg := newSegment(Posix, name, 0, -1, data, readOnly, types.Persistent)
	seg.fd, seg.dev, seg.ino = fd, uint64(st.Dev), uint64(st.Ino)
	return seg, nil
}

// RemovePosix unlinks the POSIX object name. Existing mappings stay valid.
// A missing object is not an error.
func RemovePosix(name string) error {
	path, err := Path(name)
	if err != nil {
		return err
	}
	if err := unix.Unlink(path); err != nil && err != unix.ENOENT {
		return errors.Wrapf(syscallError("shm_unlink", err), "remove %s", name)
	}
	log.DefaultLogger.Debugf("[shm] removed %s", name)
	return nil
}

// ConfigurePosix sets the permission bits of the POSIX object name when they
// differ from perm.
func ConfigurePosix(name string, perm os.FileMode) error {
	path, err := Path(name)
	if err != nil {
		return err
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return errors.Wrapf(syscallError("stat", err), "configure %s", name)
	}
	mode := uint32(perm & types.ModeMask)
	if st.Mode&uint32(types.ModeMask) == mode {
		return nil
	}
	if err := unix.Chmod(path, mode); err != nil {
		return errors.Wrapf(syscallError("chmod", err), "configure %s", name)
	}
	return nil
}

// QueryPosix reports what the kernel knows about the POSIX object name.
func QueryPosix(name string) (*Info, error) {
	path, err := Path(name)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nil, errors.Wrapf(syscallError("stat", err), "query %s", name)
	}
	return posixInfo(name, &st), nil
}

func posixInfo(name string, st *unix.Stat_t) *Info {
	return &Info{
		Kind:    Posix,
		Name:    name,
		ID:      -1,
		Size:    st.Size,
		Mode:    os.FileMode(st.Mode) & types.ModeMask,
		UID:     st.Uid,
		GID:     st.Gid,
		CUID:    st.Uid,
		CGID:    st.Gid,
		NAttach: -1,
		ATime:   time.Unix(st.Atim.Unix()),
		CTime:   time.Unix(st.Ctim.Unix()),
	}
}

func (s *Segment) fstat(op string) (*unix.Stat_t, error) {
	if s.fd < 0 {
		return nil, errors.Wrapf(types.ErrDestroyed, "%s %s: detached", op, s)
	}
	var st unix.Stat_t
	if err := unix.Fstat(s.fd, &st); err != nil {
		return nil, errors.Wrapf(syscallError("fstat", err), "%s %s", op, s)
	}
	return &st, nil
}

func (s *Segment) queryPosix() (*Info, error) {
	st, err := s.fstat("query")
	if err != nil {
		return nil, err
	}
	return posixInfo(s.name, st), nil
}

func (s *Segment) configurePosix(perm os.FileMode) error {
	st, err := s.fstat("configure")
	if err != nil {
		return err
	}
	mode := uint32(perm & types.ModeMask)
	if st.Mode&uint32(types.ModeMask) == mode {
		return nil
	}
	if err := unix.Fchmod(s.fd, mode); err != nil {
		return errors.Wrapf(syscallError("fchmod", err), "configure %s", s)
	}
	return nil
}

// removePosix unlinks the name of the segment if it still refers to the
// object this segment holds.
func (s *Segment) removePosix() error {
	if s.fd < 0 {
		return errors.Wrapf(types.ErrDestroyed, "remove %s: detached", s)
	}
	path, err := Path(s.name)
	if err != nil {
		return err
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return errors.Wrapf(syscallError("stat", err), "remove %s", s)
	}
	if uint64(st.Dev) != s.dev || uint64(st.Ino) != s.ino {
		log.DefaultLogger.Debugf("[shm] %s now names another object, not removed", s)
		return nil
	}
	return RemovePosix(s.name)
}
