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
	"bytes"
	"sync/atomic"
	"unsafe"
)

// Kind tells how an entry is exported.
type Kind uint8

const (
	KindFree Kind = iota
	KindCounter
	KindGauge
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	default:
		return "free"
	}
}

// MaxNameLen is the longest metric name an entry can hold.
const MaxNameLen = 114

// metricsEntry is the layout of one metric in shared memory. It is never
// instantiated on the Go heap.
type metricsEntry struct {
	value int64     // 8
	ref   uint32    // 4
	kind  Kind      // 1
	name  [115]byte // 115, NUL terminated
}

const entrySize = int(unsafe.Sizeof(metricsEntry{}))

func (e *metricsEntry) assignName(name string) {
	n := copy(e.name[:MaxNameLen], name)
	for i := n; i < len(e.name); i++ {
		e.name[i] = 0
	}
}

func (e *metricsEntry) nameString() string {
	if i := bytes.IndexByte(e.name[:], 0); i >= 0 {
		return string(e.name[:i])
	}
	return string(e.name[:])
}

func (e *metricsEntry) equalName(name string) bool {
	return len(name) <= MaxNameLen && e.name[len(name)] == 0 && string(e.name[:len(name)]) == name
}

func (e *metricsEntry) incRef() {
	atomic.AddUint32(&e.ref, 1)
}

func (e *metricsEntry) decRef() bool {
	return atomic.AddUint32(&e.ref, ^uint32(0)) == 0
}

// Entry is a snapshot of one metric of a zone.
type Entry struct {
	Name  string `json:"name"`
	Kind  Kind   `json:"kind"`
	Value int64  `json:"value"`
	Refs  uint32 `json:"refs"`
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}
