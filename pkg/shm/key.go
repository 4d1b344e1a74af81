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
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Key is a System V IPC key.
type Key int32

// IPCPrivate always designates a new object.
const IPCPrivate Key = unix.IPC_PRIVATE

// Ftok derives a System V key from an existing file and a project
// identifier, like ftok(3). Only the low 8 bits of project are used and
// they must not be zero.
func Ftok(path string, project int) (Key, error) {
	if project&0xff == 0 {
		return IPCPrivate, errors.Wrapf(unix.EINVAL, "ftok %s: project id %d has a zero low byte", path, project)
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return IPCPrivate, errors.Wrapf(syscallError("stat", err), "ftok %s", path)
	}
	k := uint32(project&0xff)<<24 | uint32(st.Dev&0xff)<<16 | uint32(st.Ino&0xffff)
	return Key(int32(k)), nil
}
