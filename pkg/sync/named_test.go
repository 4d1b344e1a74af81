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
	"os"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"mosn.io/ipc/pkg/shm"
	"mosn.io/ipc/pkg/types"
)

var nameCounter uint32

func TestMain(m *testing.M) {
	if st, err := os.Stat(shm.Dir); err != nil || !st.IsDir() {
		dir, err := os.MkdirTemp("", "sync")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		shm.Dir = dir
		code := m.Run()
		os.RemoveAll(dir)
		os.Exit(code)
	}
	os.Exit(m.Run())
}

func uniqueName() string {
	return fmt.Sprintf("/synctest.%d.%d", os.Getpid(), atomic.AddUint32(&nameCounter, 1))
}

func semExists(t *testing.T, name string) bool {
	_, err := os.Stat(shm.Dir + "/sem." + name[1:])
	if err == nil {
		return true
	}
	require.True(t, os.IsNotExist(err), "%v", err)
	return false
}

func TestNamedSemaphoreLifecycle(t *testing.T) {
	name := uniqueName()
	defer RemoveSemaphore(name)

	_, err := OpenSemaphore(name, 0, 0, 0, types.Persistent)
	assert.True(t, errors.Is(err, unix.ENOENT))

	s, err := OpenSemaphore(name, os.O_CREATE, 0600, 1, types.Persistent)
	require.Nil(t, err)
	assert.Equal(t, name, s.Name())
	assert.True(t, s.Shared())
	assert.True(t, semExists(t, name))

	// a second open in the same process shares the mapping
	same, err := OpenSemaphore(name, os.O_CREATE, 0600, 5, types.Persistent)
	require.Nil(t, err)
	v, err := same.Value()
	require.Nil(t, err)
	assert.Equal(t, 1, v)
	require.Nil(t, s.Post())
	v, _ = same.Value()
	assert.Equal(t, 2, v)

	_, err = OpenSemaphore(name, os.O_CREATE|os.O_EXCL, 0600, 0, types.Persistent)
	assert.True(t, errors.Is(err, unix.EEXIST))

	require.Nil(t, s.Close())
	require.Nil(t, s.Close())
	assert.True(t, errors.Is(s.Post(), types.ErrDestroyed))
	ok, err := same.TryWait()
	require.Nil(t, err)
	assert.True(t, ok)
	require.Nil(t, same.Destroy())

	// the value survives every handle being closed
	s, err = OpenSemaphore(name, 0, 0, 0, types.Persistent)
	require.Nil(t, err)
	v, _ = s.Value()
	assert.Equal(t, 1, v)

	require.Nil(t, RemoveSemaphore(name))
	assert.False(t, semExists(t, name))
	require.Nil(t, RemoveSemaphore(name))

	// open handles keep working after the name is gone
	require.Nil(t, s.Wait())
	require.Nil(t, s.Close())
}

func TestNamedSemaphoreVolatile(t *testing.T) {
	name := uniqueName()
	a, err := OpenSemaphore(name, os.O_CREATE|os.O_EXCL, 0600, 0, types.Volatile)
	require.Nil(t, err)
	b, err := OpenSemaphore(name, 0, 0, 0, types.Persistent)
	require.Nil(t, err)

	require.Nil(t, a.Close())
	assert.True(t, semExists(t, name))
	require.Nil(t, b.Close())
	assert.False(t, semExists(t, name))
}

func TestNamedSemaphoreValidation(t *testing.T) {
	for _, name := range []string{"", "/", "noslash", "/a/b", "/" + string(make([]byte, 260))} {
		_, err := OpenSemaphore(name, os.O_CREATE, 0600, 0, types.Persistent)
		assert.True(t, errors.Is(err, types.ErrInvalidName), "name %q", name)
	}
	_, err := OpenSemaphore(uniqueName(), os.O_CREATE, 0600, -1, types.Persistent)
	assert.True(t, errors.Is(err, types.ErrInvalidValue))
	_, err = OpenSemaphore(uniqueName(), os.O_RDWR|os.O_CREATE, 0600, 0, types.Persistent)
	assert.True(t, errors.Is(err, types.ErrInvalidValue))
	assert.True(t, errors.Is(RemoveSemaphore("bad"), types.ErrInvalidName))
}

func TestNamedSemaphoreRejectsGarbage(t *testing.T) {
	name := uniqueName()
	seg, err := shm.CreatePosix("/sem."+name[1:], 64, 0600, types.Persistent)
	require.Nil(t, err)
	require.Nil(t, seg.Detach())
	defer RemoveSemaphore(name)

	_, err = OpenSemaphore(name, 0, 0, 0, types.Persistent)
	assert.True(t, errors.Is(err, types.ErrDestroyed))
}

// writeSemObject creates the object of a named semaphore the way glibc's
// sem_open does: a bare sem_t with no header.
func writeSemObject(t *testing.T, name string, value uint64, private uint32) {
	seg, err := shm.CreatePosix("/sem."+name[1:], SemaphoreSize, 0600, types.Persistent)
	require.Nil(t, err)
	blk := semBlock{data: value, private: private}
	copy(seg.Bytes(), (*[32]byte)(unsafe.Pointer(&blk))[:])
	require.Nil(t, seg.Detach())
}

func readSemObject(t *testing.T, name string) semBlock {
	raw, err := os.ReadFile(shm.Dir + "/sem." + name[1:])
	require.Nil(t, err)
	require.Len(t, raw, SemaphoreSize)
	var blk semBlock
	copy((*[32]byte)(unsafe.Pointer(&blk))[:], raw)
	return blk
}

func TestNamedSemaphoreGlibcLayout(t *testing.T) {
	name := uniqueName()
	defer RemoveSemaphore(name)

	s, err := OpenSemaphore(name, os.O_CREATE|os.O_EXCL, 0600, 3, types.Persistent)
	require.Nil(t, err)
	require.Nil(t, s.Post())

	blk := readSemObject(t, name)
	assert.Equal(t, uint64(4), blk.data)
	assert.Equal(t, uint32(0), blk.private)
	require.Nil(t, s.Close())
}

func TestNamedSemaphoreOpensGlibcObject(t *testing.T) {
	name := uniqueName()
	defer RemoveSemaphore(name)
	writeSemObject(t, name, 5, 0)

	s, err := OpenSemaphore(name, 0, 0, 0, types.Persistent)
	require.Nil(t, err)
	v, err := s.Value()
	require.Nil(t, err)
	assert.Equal(t, 5, v)
	require.Nil(t, s.Wait())
	require.Nil(t, s.Close())
	assert.Equal(t, uint64(4), readSemObject(t, name).data)

	private := uniqueName()
	defer RemoveSemaphore(private)
	writeSemObject(t, private, 1, semPrivate)
	_, err = OpenSemaphore(private, 0, 0, 0, types.Persistent)
	assert.True(t, errors.Is(err, types.ErrDestroyed))
}
