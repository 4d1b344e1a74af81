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
package main

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"mosn.io/ipc/pkg/shm"
	"mosn.io/ipc/pkg/types"
	"mosn.io/ipc/pkg/view"
)

type harness struct {
	t   *testing.T
	dir string
}

func newHarness(t *testing.T) *harness {
	dir, err := ioutil.TempDir("", "ipcctl")
	require.Nil(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return &harness{t: t, dir: dir}
}

func (h *harness) run(args ...string) (string, error) {
	out := &bytes.Buffer{}
	app := newApp(out)
	err := app.Run(append([]string{"ipcctl", "--shm-dir", h.dir}, args...))
	return strings.TrimSpace(out.String()), err
}

func (h *harness) mustRun(args ...string) string {
	out, err := h.run(args...)
	require.Nil(h.t, err, "ipcctl %v", args)
	return out
}

func TestKey(t *testing.T) {
	h := newHarness(t)
	file := filepath.Join(h.dir, "anchor")
	require.Nil(t, ioutil.WriteFile(file, nil, 0600))

	key, err := shm.Ftok(file, 7)
	require.Nil(t, err)
	assert.Equal(t, fmt.Sprintf("%#x", uint32(key)), h.mustRun("key", file, "7"))

	_, err = h.run("key", file, "256")
	assert.True(t, errors.Is(err, unix.EINVAL))
	_, err = h.run("key")
	assert.NotNil(t, err)
}

func TestShmCommands(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, "posix:/frames", h.mustRun("shm", "create", "--name", "/frames", "--size", "8KB", "--perm", "0600"))
	_, err := h.run("shm", "create", "--name", "/frames")
	assert.NotNil(t, err)

	assert.Equal(t, "posix:/frames: 8192 bytes", h.mustRun("shm", "open", "--name", "/frames"))

	out := h.mustRun("--json", "shm", "info", "--name", "/frames")
	assert.Contains(t, out, `"size": 8192`)
	assert.Contains(t, out, `"kind": "posix"`)
	assert.Contains(t, h.mustRun("shm", "info", "--name", "/frames"), "-rw-------")

	h.mustRun("shm", "chmod", "--name", "/frames", "--perm", "0640")
	info, err := shm.QueryPosix("/frames")
	require.Nil(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode)

	h.mustRun("shm", "rm", "--name", "/frames")
	h.mustRun("shm", "rm", "--name", "/frames")
	_, err = h.run("shm", "open", "--name", "/frames")
	assert.NotNil(t, err)
}

func TestShmOpenShowsViewHeader(t *testing.T) {
	h := newHarness(t)
	h.mustRun("shm", "create", "--name", "/grid", "--size", "4KB")

	seg, err := shm.OpenPosix("/grid", false)
	require.Nil(t, err)
	defer seg.Detach()
	_, err = view.Wrap[float32](seg, 4, 8)
	require.Nil(t, err)

	assert.Equal(t, "posix:/grid: 4096 bytes, view of [4 8] float32 at offset 64", h.mustRun("shm", "open", "--name", "/grid"))
}

func TestSegmentRefValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("shm", "info")
	assert.NotNil(t, err)
	_, err = h.run("shm", "info", "--name", "/a", "--key", "5")
	assert.NotNil(t, err)
	_, err = h.run("shm", "info", "--key", "zz")
	assert.True(t, errors.Is(err, types.ErrInvalidValue))
	_, err = h.run("shm", "create", "--name", "/a", "--size", "lots")
	assert.True(t, errors.Is(err, types.ErrInvalidSize))
	_, err = h.run("shm", "create", "--id", "3")
	assert.NotNil(t, err)
}

func TestSemCommands(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, "/jobs = 1", h.mustRun("sem", "create", "--name", "/jobs", "--value", "1"))
	_, err := h.run("sem", "create", "--name", "/jobs", "--excl")
	assert.NotNil(t, err)
	assert.Equal(t, "/jobs = 1", h.mustRun("sem", "create", "--name", "/jobs", "--value", "9"))

	h.mustRun("sem", "post", "--name", "/jobs")
	assert.Equal(t, "2", h.mustRun("sem", "value", "--name", "/jobs"))
	h.mustRun("sem", "trywait", "--name", "/jobs")
	h.mustRun("sem", "wait", "--name", "/jobs", "--timeout", "100ms")
	assert.Contains(t, h.mustRun("--json", "sem", "value", "--name", "/jobs"), `"value": 0`)

	_, err = h.run("sem", "wait", "--name", "/jobs", "--timeout", "50ms")
	assert.True(t, errors.Is(err, types.ErrTimeout))
	_, err = h.run("sem", "trywait", "--name", "/jobs")
	assert.NotNil(t, err)

	h.mustRun("sem", "rm", "--name", "/jobs")
	h.mustRun("sem", "rm", "--name", "/jobs")
	_, err = h.run("sem", "value", "--name", "/jobs")
	assert.NotNil(t, err)
}

func TestProvisionAndZoneDump(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.dir, "ipc.json")
	require.Nil(t, ioutil.WriteFile(path, []byte(`{
		"log_level": "warn",
		"perm": "0600",
		"segments": [{"name": "/cache", "size": "16KB"}],
		"semaphores": [{"name": "/cache.lock", "value": 1}],
		"metrics": {"zone": "/ipc.stats", "zone_size": "4KB"}
	}`), 0600))

	out := h.mustRun("provision", "-c", path)
	assert.Equal(t, "created segment /cache\ncreated semaphore /cache.lock", out)
	out = h.mustRun("provision", "-c", path)
	assert.Equal(t, "exists  segment /cache\nexists  semaphore /cache.lock", out)

	seg, err := shm.OpenPosix("/cache", true)
	require.Nil(t, err)
	assert.Equal(t, 16*1024, seg.Len())
	require.Nil(t, seg.Detach())

	dump := h.mustRun("zone", "dump", "--zone", "/ipc.stats")
	lines := strings.Split(dump, "\n")
	require.Len(t, lines, 3)
	// the runs released their counters but the persistent zone kept the totals
	assert.Equal(t, []string{"provision.created", "counter", "2", "0"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"provision.existing", "counter", "2", "0"}, strings.Fields(lines[2]))

	prom := h.mustRun("zone", "dump", "--zone", "/ipc.stats", "--prometheus")
	assert.Contains(t, prom, "# TYPE ipc_provision_created counter")
	assert.Contains(t, prom, "ipc_provision_created 2")

	_, err = h.run("zone", "dump", "--zone", "/missing")
	assert.NotNil(t, err)
	_, err = h.run("provision", "-c", filepath.Join(h.dir, "missing.json"))
	assert.NotNil(t, err)
}

func TestProvisionRejectsLogLevel(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.dir, "loud.json")
	require.Nil(t, ioutil.WriteFile(path, []byte(`{"log_level": "loud", "segments": [{"name": "/loud", "size": "4KB"}]}`), 0600))

	_, err := h.run("provision", "-c", path)
	assert.True(t, errors.Is(err, types.ErrInvalidValue), "%v", err)
	_, err = shm.QueryPosix("/loud")
	assert.True(t, errors.Is(err, unix.ENOENT), "nothing may be provisioned")
}
