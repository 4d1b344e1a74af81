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

package types

import "os"

// IPC permission bits, same layout as chmod(2).
const (
	// ModeMask keeps the permission bits of a mode.
	ModeMask os.FileMode = 0777

	// DefaultPerm is used when no permission is configured.
	DefaultPerm os.FileMode = 0600
)

// Lifetime tells whether a kernel object outlives its last user.
type Lifetime uint8

const (
	// Persistent objects stay in the system until removed explicitly.
	Persistent Lifetime = iota
	// Volatile objects are marked for destruction as soon as possible so the
	// kernel reclaims them when the last user goes away.
	Volatile
)

func (l Lifetime) String() string {
	if l == Volatile {
		return "volatile"
	}
	return "persistent"
}
